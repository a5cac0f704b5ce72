package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bnema/restora/internal/domain"
	"github.com/bnema/restora/internal/service"
)

const defaultKeepAlive = 15 * time.Second

// EventSource is the subscription side of the event bus.
type EventSource interface {
	Subscribe(jobID string) chan service.Event
	Unsubscribe(jobID string, ch chan service.Event)
}

type SSEHandler struct {
	jobs      JobService
	events    EventSource
	keepAlive time.Duration
}

func NewSSEHandler(jobs JobService, events EventSource, keepAlive time.Duration) *SSEHandler {
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	return &SSEHandler{
		jobs:      jobs,
		events:    events,
		keepAlive: keepAlive,
	}
}

func statusEvent(job *domain.Job) service.Event {
	return service.Event{
		Type:     service.EventStatus,
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Message:  job.ErrorMessage,
	}
}

// sendEvent writes one SSE frame and flushes it to the client.
func sendEvent(c *gin.Context, event service.Event) {
	c.SSEvent(event.Type, event)
	c.Writer.Flush()
}

func sendKeepAlive(c *gin.Context) {
	_, _ = c.Writer.WriteString(": keep-alive\n\n")
	c.Writer.Flush()
}

// Events streams status and progress events for one job. The stream starts
// with the current state and ends after the job reaches a terminal status.
func (h *SSEHandler) Events(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.jobs.Job(id); err != nil {
		respondError(c, err)
		return
	}

	// Subscribe before reading the state so no transition falls in between.
	ch := h.events.Subscribe(id)
	defer h.events.Unsubscribe(id, ch)

	job, err := h.jobs.Job(id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent(c, statusEvent(job))
	if job.Status.IsTerminal() {
		return
	}

	ctx := c.Request.Context()
	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			sendKeepAlive(c)
		case event, ok := <-ch:
			if !ok {
				return
			}
			sendEvent(c, event)
			if event.Type == service.EventStatus && event.Status.IsTerminal() {
				return
			}
		}
	}
}
