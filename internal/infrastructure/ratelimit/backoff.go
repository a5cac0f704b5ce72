package ratelimit

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter bool
}

func NewBackoff(min, max time.Duration, factor float64) *Backoff {
	return &Backoff{
		Min:    min,
		Max:    max,
		Factor: factor,
		Jitter: true,
	}
}

// Duration returns the wait before the given retry attempt (1-based).
func (b *Backoff) Duration(attempt int) time.Duration {
	if attempt <= 0 {
		return b.Min
	}

	duration := float64(b.Min) * math.Pow(b.Factor, float64(attempt-1))
	if duration > float64(b.Max) {
		duration = float64(b.Max)
	}

	if b.Jitter {
		duration = duration * (0.5 + rand.Float64()*0.5)
	}

	return time.Duration(duration)
}

// AttemptTracker counts consecutive failures per key.
type AttemptTracker struct {
	mu       sync.Mutex
	attempts map[string]int
}

func NewAttemptTracker() *AttemptTracker {
	return &AttemptTracker{
		attempts: make(map[string]int),
	}
}

func (t *AttemptTracker) Failures(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts[key]
}

// RecordFailure increments and returns the failure count for key.
func (t *AttemptTracker) RecordFailure(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts[key]++
	return t.attempts[key]
}

func (t *AttemptTracker) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, key)
}
