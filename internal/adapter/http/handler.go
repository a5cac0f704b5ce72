package http

import (
	"context"
	"io"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/bnema/restora/internal/domain"
)

const maxSubmitBytes = 1 << 20

// JobService is the slice of the application the API exposes.
type JobService interface {
	Submit(ctx context.Context, params domain.Params) (*domain.Job, error)
	Capabilities(ctx context.Context) domain.Snapshot
	Recommendation(ctx context.Context) domain.Recommendation
	Jobs() []*domain.Job
	Job(id string) (*domain.Job, error)
	Cancel(id string) (*domain.Job, error)
	Remove(id string) error
	Counts() map[domain.JobStatus]int
}

type HealthResponse struct {
	Status  string                   `json:"status"`
	Version string                   `json:"version"`
	Jobs    map[domain.JobStatus]int `json:"jobs"`
}

type ListResponse struct {
	Jobs   []*domain.Job            `json:"jobs"`
	Counts map[domain.JobStatus]int `json:"counts"`
}

type Handlers struct {
	jobs    JobService
	version string
}

func NewHandlers(jobs JobService, version string) *Handlers {
	return &Handlers{
		jobs:    jobs,
		version: version,
	}
}

func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: h.version, Jobs: h.jobs.Counts()})
}

func (h *Handlers) Capabilities(c *gin.Context) {
	c.JSON(http.StatusOK, h.jobs.Capabilities(c.Request.Context()))
}

func (h *Handlers) Recommendation(c *gin.Context) {
	c.JSON(http.StatusOK, h.jobs.Recommendation(c.Request.Context()))
}

// SubmitJob decodes a partial parameter object over the defaults, so omitted
// fields behave exactly as in the inbox and the CLI.
func (h *Handlers) SubmitJob(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxSubmitBytes))
	if err != nil {
		respondError(c, errors.Wrapf(domain.ErrInvalidParams, "read body: %v", err))
		return
	}
	params, err := domain.ParseParams(body)
	if err != nil {
		respondError(c, err)
		return
	}

	job, err := h.jobs.Submit(c.Request.Context(), params)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Location", "/api/jobs/"+job.ID)
	c.JSON(http.StatusCreated, job)
}

func (h *Handlers) ListJobs(c *gin.Context) {
	jobs := h.jobs.Jobs()
	if s := c.Query("status"); s != "" {
		status := domain.JobStatus(s)
		if !status.Valid() {
			respondError(c, errors.WithHint(
				errors.Wrapf(domain.ErrInvalidParams, "unknown status %q", s),
				"use pending, processing, completed, failed or cancelled"))
			return
		}
		filtered := jobs[:0:0]
		for _, j := range jobs {
			if j.Status == status {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	if jobs == nil {
		jobs = []*domain.Job{}
	}
	c.JSON(http.StatusOK, ListResponse{Jobs: jobs, Counts: h.jobs.Counts()})
}

func (h *Handlers) GetJob(c *gin.Context) {
	job, err := h.jobs.Job(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// CancelJob answers 202 while a running job is still winding down.
func (h *Handlers) CancelJob(c *gin.Context) {
	job, err := h.jobs.Cancel(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if job.Status == domain.JobStatusProcessing {
		status = http.StatusAccepted
	}
	c.JSON(status, job)
}

func (h *Handlers) DeleteJob(c *gin.Context) {
	if err := h.jobs.Remove(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
