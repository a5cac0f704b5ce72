package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/singleflight"

	"github.com/bnema/restora/internal/domain"
	"github.com/bnema/restora/internal/infrastructure/logger"
	"github.com/bnema/restora/internal/port"
)

const DefaultProbeTimeout = 5 * time.Second

// Detector owns the capability snapshot of the process. The first Detect
// runs the probe, later calls return the cached snapshot until Reset.
type Detector struct {
	prober  port.HardwareProber
	timeout time.Duration
	now     func() time.Time

	group  singleflight.Group
	mu     sync.RWMutex
	cached *domain.Snapshot
}

func NewDetector(prober port.HardwareProber, timeout time.Duration) *Detector {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Detector{
		prober:  prober,
		timeout: timeout,
		now:     time.Now,
	}
}

type probeOutcome struct {
	snapshot domain.Snapshot
	err      error
}

// Detect never fails: any probe error, panic or timeout yields the CPU-only
// snapshot. It returns within the probe timeout even if the probe hangs.
func (d *Detector) Detect(ctx context.Context) domain.Snapshot {
	if s, ok := d.Cached(); ok {
		return s
	}

	v, _, _ := d.group.Do("detect", func() (any, error) {
		if s, ok := d.Cached(); ok {
			return s, nil
		}
		s, cacheable := d.probe(ctx)
		if cacheable {
			d.mu.Lock()
			d.cached = &s
			d.mu.Unlock()
		}
		return s, nil
	})
	return v.(domain.Snapshot)
}

// Cached returns the snapshot of the last completed detection, if any.
func (d *Detector) Cached() (domain.Snapshot, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.cached == nil {
		return domain.Snapshot{}, false
	}
	return *d.cached, true
}

// Reset drops the cached snapshot so the next Detect probes again.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}

func (d *Detector) probe(ctx context.Context) (domain.Snapshot, bool) {
	started := d.now()
	result := make(chan probeOutcome, 1)

	// The probe is abandoned, not cancelled, when the timer wins.
	probeCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- probeOutcome{err: errors.Newf("probe panicked: %v", r)}
			}
		}()
		s, err := d.prober.Probe(probeCtx)
		result <- probeOutcome{snapshot: s, err: err}
	}()

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	fallback := domain.CPUOnlySnapshot()
	fallback.DetectedAt = started.UTC()

	select {
	case out := <-result:
		if out.err != nil {
			logger.Warn.Printf("hardware probe failed, using CPU-only profile: %v", out.err)
			return fallback, true
		}
		s, downgraded := out.snapshot.Normalize()
		if downgraded {
			logger.Warn.Printf("hardware probe reported inconsistent values for %q, using CPU-only profile",
				logger.SanitizeForLog(out.snapshot.Name))
		}
		if s.DetectedAt.IsZero() {
			s.DetectedAt = started.UTC()
		}
		logger.Info.Printw("hardware detected",
			"vendor", s.Vendor, "tier", s.Tier, "name", s.Name, "vram_gb", s.VRAMGB,
			"source", s.Source, "took", d.now().Sub(started).Round(time.Millisecond))
		return s, true
	case <-timer.C:
		logger.Warn.Printf("hardware probe did not return within %s, using CPU-only profile", d.timeout)
		fallback.Source = fmt.Sprintf("timeout after %s", d.timeout)
		return fallback, true
	case <-ctx.Done():
		logger.Debug.Printf("hardware detection abandoned by caller: %v", ctx.Err())
		return fallback, false
	}
}
