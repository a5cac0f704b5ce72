package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/restora/internal/domain"
)

func TestEventBus_PublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe("job-1")
	other := bus.Subscribe("job-2")

	bus.Publish("job-1", Event{Type: EventStatus, Status: domain.JobStatusProcessing})

	select {
	case ev := <-ch:
		assert.Equal(t, "job-1", ev.JobID)
		assert.Equal(t, domain.JobStatusProcessing, ev.Status)
	default:
		t.Fatal("expected an event")
	}
	assert.Empty(t, other)
}

func TestEventBus_SlowSubscriberDropsEvents(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe("job-1")

	for i := range 100 {
		bus.Publish("job-1", Event{Type: EventProgress, Progress: float64(i) / 100})
	}
	assert.Len(t, ch, cap(ch))
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe("job-1")
	require.Equal(t, 1, bus.Subscribers("job-1"))

	bus.Unsubscribe("job-1", ch)

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, bus.Subscribers("job-1"))

	bus.Publish("job-1", Event{Type: EventStatus})
}
