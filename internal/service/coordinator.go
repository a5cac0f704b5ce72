package service

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/bnema/restora/internal/domain"
	"github.com/bnema/restora/internal/infrastructure/logger"
	"github.com/bnema/restora/internal/port"
)

const DefaultCancelGrace = 10 * time.Second

const cancelledMessage = "cancelled by request"

type CoordinatorOptions struct {
	CancelGrace time.Duration
	Defaults    domain.EngineDefaults
	Events      EventPublisher
	Clock       func() time.Time
}

// Coordinator owns the job queue and every status transition. A single
// dispatcher (Run) drives pending jobs through the processor one at a time.
type Coordinator struct {
	store     port.JobStore
	processor port.Processor
	events    EventPublisher
	defaults  domain.EngineDefaults
	grace     time.Duration
	now       func() time.Time
	newID     func() string

	// saveMu orders writes to the store; it is always taken before mu.
	saveMu sync.Mutex
	mu     sync.Mutex

	jobs    map[string]*domain.Job
	pending pendingQueue
	lastSeq int64
	active  *activeJob

	view  atomic.Pointer[queueView]
	wake  chan struct{}
	accel *semaphore.Weighted
}

type activeJob struct {
	id       string
	cancelCh chan struct{}
	once     sync.Once
}

func (a *activeJob) requestCancel() {
	a.once.Do(func() { close(a.cancelCh) })
}

func (a *activeJob) cancelRequested() bool {
	select {
	case <-a.cancelCh:
		return true
	default:
		return false
	}
}

type processOutcome struct {
	result domain.ProcessResult
	err    error
}

func NewCoordinator(store port.JobStore, processor port.Processor, opts CoordinatorOptions) *Coordinator {
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = DefaultCancelGrace
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	c := &Coordinator{
		store:     store,
		processor: processor,
		events:    opts.Events,
		defaults:  opts.Defaults,
		grace:     opts.CancelGrace,
		now:       opts.Clock,
		newID:     uuid.NewString,
		jobs:      make(map[string]*domain.Job),
		wake:      make(chan struct{}, 1),
		accel:     semaphore.NewWeighted(1),
	}
	c.view.Store(emptyView)
	return c
}

// Restore rebuilds the queue from the store. Jobs that were processing when
// the previous process stopped go back to pending; terminal jobs stay as history.
func (c *Coordinator) Restore() error {
	loaded, err := c.store.LoadAll()
	if err != nil {
		return errors.Wrap(err, "load queue")
	}

	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	c.mu.Lock()

	c.jobs = make(map[string]*domain.Job, len(loaded))
	c.pending = c.pending[:0]
	c.lastSeq = 0

	var requeued, unsequenced []*domain.Job
	for _, j := range loaded {
		if j == nil || j.ID == "" {
			logger.Warn.Printf("skipping stored job without id")
			continue
		}
		if _, dup := c.jobs[j.ID]; dup {
			logger.Warn.Printf("skipping duplicate stored job %s", j.ID)
			continue
		}
		if j.Status == domain.JobStatusProcessing {
			if err := j.Requeue(); err == nil {
				requeued = append(requeued, j)
			}
		}
		c.jobs[j.ID] = j
		if j.Seq <= 0 {
			unsequenced = append(unsequenced, j)
			continue
		}
		c.lastSeq = max(c.lastSeq, j.Seq)
	}
	slices.SortFunc(unsequenced, func(a, b *domain.Job) int { return a.CreatedAt.Compare(b.CreatedAt) })
	for _, j := range unsequenced {
		c.lastSeq++
		j.Seq = c.lastSeq
	}
	for _, j := range c.jobs {
		if j.Status == domain.JobStatusPending {
			c.pending.push(j)
		}
	}
	c.publishLocked()
	snapshot := c.snapshotLocked()
	pending := c.pending.Len()
	c.mu.Unlock()

	for _, j := range requeued {
		logger.Info.Printf("job %s was interrupted, re-queued (attempt %d)", j.ID, j.Attempts)
	}
	logger.Info.Printf("restored %d jobs (%d pending)", len(snapshot), pending)

	if len(requeued) > 0 || len(unsequenced) > 0 {
		if err := c.store.SaveAll(snapshot); err != nil {
			logger.Error.Printf("failed to persist restored queue: %v", err)
		}
	}
	c.signal()
	return nil
}

// Add creates a pending job. The job only exists if it was persisted.
func (c *Coordinator) Add(params domain.Params, warnings []string, explanation string) (*domain.Job, error) {
	params.Normalize()
	if err := params.Validate(); err != nil {
		return nil, err
	}

	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	c.mu.Lock()

	job := domain.NewJob(c.newID(), params, c.now())
	job.Seq = c.lastSeq + 1
	job.Warnings = slices.Clone(warnings)
	job.Explanation = explanation

	c.jobs[job.ID] = job
	if err := c.store.SaveAll(c.snapshotLocked()); err != nil {
		delete(c.jobs, job.ID)
		c.mu.Unlock()
		return nil, errors.Wrap(err, "persist new job")
	}
	c.lastSeq = job.Seq
	c.pending.push(job)
	c.publishLocked()
	out := job.Clone()
	c.mu.Unlock()

	logger.Info.Printf("job %s queued (seq=%d, priority=%d, input=%s)",
		job.ID, job.Seq, job.Priority, logger.Locator(job.InputSource))
	c.emitStatus(out, "")
	c.signal()
	return out, nil
}

// Cancel stops a job. Pending jobs are cancelled at once; for a processing job
// the processor is signalled and the returned job is still processing.
// Cancelling a finished job is a no-op.
func (c *Coordinator) Cancel(id string) (*domain.Job, error) {
	c.mu.Lock()
	job, ok := c.jobs[id]
	if !ok {
		c.mu.Unlock()
		return nil, errors.Wrapf(domain.ErrNotFound, "job %s", id)
	}

	switch job.Status {
	case domain.JobStatusPending:
		if err := job.Cancel(c.now()); err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.publishLocked()
		out := job.Clone()
		c.mu.Unlock()

		logger.Info.Printf("job %s cancelled before start", id)
		c.Persist()
		c.emitStatus(out, cancelledMessage)
		return out, nil

	case domain.JobStatusProcessing:
		if c.active != nil && c.active.id == id {
			c.active.requestCancel()
		}
		out := job.Clone()
		c.mu.Unlock()
		logger.Info.Printf("cancellation requested for running job %s", id)
		return out, nil

	default:
		out := job.Clone()
		c.mu.Unlock()
		return out, nil
	}
}

// Remove deletes a finished job from the history.
func (c *Coordinator) Remove(id string) error {
	c.mu.Lock()
	job, ok := c.jobs[id]
	if !ok {
		c.mu.Unlock()
		return errors.Wrapf(domain.ErrNotFound, "job %s", id)
	}
	if !job.Status.IsTerminal() {
		c.mu.Unlock()
		return errors.WithHint(
			errors.Wrapf(domain.ErrInvalidTransition, "job %s is %s", id, job.Status),
			"cancel the job before removing it")
	}
	delete(c.jobs, id)
	c.publishLocked()
	c.mu.Unlock()

	c.Persist()
	return nil
}

// List returns every job ordered by submission. The returned jobs are shared
// snapshots and must not be modified.
func (c *Coordinator) List() []*domain.Job {
	return slices.Clone(c.view.Load().ordered)
}

// Status returns the snapshot of one job.
func (c *Coordinator) Status(id string) (*domain.Job, error) {
	job, ok := c.view.Load().byID[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "job %s", id)
	}
	return job, nil
}

// Counts tallies jobs per status.
func (c *Coordinator) Counts() map[domain.JobStatus]int {
	counts := make(map[domain.JobStatus]int)
	for _, j := range c.view.Load().ordered {
		counts[j.Status]++
	}
	return counts
}

// Persist writes the whole queue. Failures are logged; memory stays authoritative.
func (c *Coordinator) Persist() {
	if err := c.persist(); err != nil {
		logger.Error.Printf("failed to persist queue: %v", err)
	}
}

func (c *Coordinator) persist() error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.Lock()
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	return c.store.SaveAll(snapshot)
}

// Prune drops finished jobs older than retention and returns how many went.
func (c *Coordinator) Prune(retention time.Duration) int {
	cutoff := c.now().Add(-retention)

	c.mu.Lock()
	removed := 0
	for id, j := range c.jobs {
		if j.Status.IsTerminal() && j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			delete(c.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		c.publishLocked()
	}
	c.mu.Unlock()

	if removed > 0 {
		logger.Info.Printf("pruned %d finished jobs older than %s", removed, retention)
		c.Persist()
	}
	return removed
}

// Run dispatches pending jobs until ctx is done. On shutdown the running job
// is signalled, given the grace period, and left processing so the next
// Restore re-queues it.
func (c *Coordinator) Run(ctx context.Context) error {
	logger.Info.Printf("dispatcher started")
	defer logger.Info.Printf("dispatcher stopped")

	for {
		if err := c.accel.Acquire(ctx, 1); err != nil {
			return nil
		}
		job, active := c.claim()
		if job == nil {
			c.accel.Release(1)
			select {
			case <-ctx.Done():
				return nil
			case <-c.wake:
			}
			continue
		}

		c.execute(ctx, job, active)
		c.accel.Release(1)

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Coordinator) claim() (*domain.Job, *activeJob) {
	c.mu.Lock()
	for {
		entry, ok := c.pending.pop()
		if !ok {
			c.mu.Unlock()
			return nil, nil
		}
		job, exists := c.jobs[entry.id]
		if !exists || job.Status != domain.JobStatusPending {
			continue
		}
		if err := job.Start(c.now()); err != nil {
			logger.Error.Printf("cannot start job %s: %v", job.ID, err)
			continue
		}
		active := &activeJob{id: job.ID, cancelCh: make(chan struct{})}
		c.active = active
		c.publishLocked()
		out := job.Clone()
		c.mu.Unlock()

		c.Persist()
		c.emitStatus(out, "")
		return out, active
	}
}

func (c *Coordinator) execute(ctx context.Context, job *domain.Job, active *activeJob) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.Info.Printf("job %s started (attempt %d, engine=%s, encoder=%s)",
		job.ID, job.Attempts, job.UpscaleEngine, job.Encoder)

	req := domain.ProcessRequest{Job: job, Defaults: c.defaults}
	done := make(chan processOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- processOutcome{err: errors.Newf("processor panicked: %v", r)}
			}
		}()
		res, err := c.processor.Process(jobCtx, req, func(p float64) { c.reportProgress(job.ID, p) })
		done <- processOutcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() != nil && !active.cancelRequested() {
			c.abandon(job.ID)
			return
		}
		c.finish(job.ID, out, active.cancelRequested())

	case <-active.cancelCh:
		cancel()
		timer := time.NewTimer(c.grace)
		defer timer.Stop()
		select {
		case out := <-done:
			if out.err == nil {
				c.finish(job.ID, out, true)
				return
			}
			logger.Info.Printf("job %s acknowledged cancellation", job.ID)
		case <-timer.C:
			logger.Warn.Printf("job %s did not stop within %s, forcing cancellation", job.ID, c.grace)
		}
		c.finishCancelled(job.ID)

	case <-ctx.Done():
		timer := time.NewTimer(c.grace)
		defer timer.Stop()
		select {
		case out := <-done:
			if out.err == nil {
				c.finish(job.ID, out, false)
				return
			}
		case <-timer.C:
			logger.Warn.Printf("job %s still running at shutdown after %s", job.ID, c.grace)
		}
		c.abandon(job.ID)
	}
}

// abandon leaves an interrupted job processing so Restore re-queues it.
func (c *Coordinator) abandon(id string) {
	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()
	logger.Info.Printf("job %s left processing for re-queue on next start", id)
}

// finish records the processor outcome. A successful result wins over a
// late cancellation request since the work is already done.
func (c *Coordinator) finish(id string, out processOutcome, cancelRequested bool) {
	if out.err != nil && cancelRequested {
		c.finishCancelled(id)
		return
	}

	c.mu.Lock()
	job := c.jobs[id]
	c.active = nil
	if job == nil {
		c.mu.Unlock()
		return
	}

	var err error
	msg := ""
	if out.err != nil {
		msg = out.err.Error()
		err = job.Fail(c.now(), msg)
	} else {
		err = job.Complete(c.now(), out.result.OutputPath)
	}
	if err != nil {
		c.mu.Unlock()
		logger.Error.Printf("job %s: %v", id, err)
		return
	}
	c.publishLocked()
	snap := job.Clone()
	c.mu.Unlock()

	if out.err != nil {
		logger.Error.Printf("job %s failed: %s", id, logger.SanitizeForLog(msg))
	} else {
		logger.Info.Printf("job %s completed: %s", id, logger.Locator(snap.OutputPath))
	}
	c.Persist()
	c.emitStatus(snap, snap.ErrorMessage)
}

func (c *Coordinator) finishCancelled(id string) {
	c.mu.Lock()
	job := c.jobs[id]
	c.active = nil
	if job == nil || job.Cancel(c.now()) != nil {
		c.mu.Unlock()
		return
	}
	c.publishLocked()
	snap := job.Clone()
	c.mu.Unlock()

	logger.Info.Printf("job %s cancelled", id)
	c.Persist()
	c.emitStatus(snap, cancelledMessage)
}

func (c *Coordinator) reportProgress(id string, fraction float64) {
	fraction = min(max(fraction, 0), 1)

	c.mu.Lock()
	job := c.jobs[id]
	if job == nil || job.Status != domain.JobStatusProcessing || fraction <= job.Progress {
		c.mu.Unlock()
		return
	}
	job.Progress = fraction
	c.publishLocked()
	c.mu.Unlock()

	if c.events != nil {
		c.events.Publish(id, Event{Type: EventProgress, Status: domain.JobStatusProcessing, Progress: fraction})
	}
}

// publishLocked swaps in a fresh immutable view. Callers hold mu.
func (c *Coordinator) publishLocked() {
	v := &queueView{
		ordered: c.snapshotLocked(),
		byID:    make(map[string]*domain.Job, len(c.jobs)),
	}
	for _, j := range v.ordered {
		v.byID[j.ID] = j
	}
	c.view.Store(v)
}

func (c *Coordinator) snapshotLocked() []*domain.Job {
	out := make([]*domain.Job, 0, len(c.jobs))
	for _, j := range c.jobs {
		out = append(out, j.Clone())
	}
	slices.SortFunc(out, func(a, b *domain.Job) int { return cmp.Compare(a.Seq, b.Seq) })
	return out
}

func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) emitStatus(job *domain.Job, message string) {
	if c.events == nil {
		return
	}
	c.events.Publish(job.ID, Event{
		Type:     EventStatus,
		Status:   job.Status,
		Progress: job.Progress,
		Message:  message,
	})
}
