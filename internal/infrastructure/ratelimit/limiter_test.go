package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(perSecond float64, burst int, idle time.Duration) (*ClientLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewClientLimiter(perSecond, burst, idle)
	l.now = clock.now
	return l, clock
}

func TestClientLimiter_BurstThenWait(t *testing.T) {
	l, clock := newTestLimiter(1, 2, time.Hour)

	for i := 0; i < 2; i++ {
		allowed, wait := l.Allow("10.0.0.1")
		assert.True(t, allowed)
		assert.Zero(t, wait)
	}

	allowed, wait := l.Allow("10.0.0.1")
	assert.False(t, allowed)
	assert.InDelta(t, float64(time.Second), float64(wait), float64(time.Millisecond))

	clock.advance(time.Second)
	allowed, _ = l.Allow("10.0.0.1")
	assert.True(t, allowed, "token refilled")
}

func TestClientLimiter_DeniedRequestsDoNotConsume(t *testing.T) {
	l, clock := newTestLimiter(1, 1, time.Hour)

	allowed, _ := l.Allow("c")
	assert.True(t, allowed)
	for i := 0; i < 5; i++ {
		allowed, _ = l.Allow("c")
		assert.False(t, allowed)
	}

	clock.advance(time.Second)
	allowed, _ = l.Allow("c")
	assert.True(t, allowed)
}

func TestClientLimiter_ClientsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, 1, time.Hour)

	allowed, _ := l.Allow("a")
	assert.True(t, allowed)
	allowed, _ = l.Allow("a")
	assert.False(t, allowed)

	allowed, _ = l.Allow("b")
	assert.True(t, allowed)
	assert.Equal(t, 2, l.Clients())
}

func TestClientLimiter_SweepsIdleClients(t *testing.T) {
	l, clock := newTestLimiter(1, 1, time.Minute)

	l.Allow("a")
	l.Allow("b")
	assert.Equal(t, 2, l.Clients())

	clock.advance(2 * time.Minute)
	l.Allow("c")
	assert.Equal(t, 1, l.Clients())
}
