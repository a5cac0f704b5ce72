package service

import (
	"context"
	"slices"

	"github.com/bnema/restora/internal/domain"
	"github.com/bnema/restora/internal/infrastructure/logger"
)

// JobService turns submitted parameters into queued jobs: it validates them,
// asks the detector what the host can do, and resolves every auto value
// before handing the job to the coordinator.
type JobService struct {
	detector   *Detector
	thresholds domain.Thresholds
	queue      *Coordinator
}

func NewJobService(detector *Detector, thresholds domain.Thresholds, queue *Coordinator) *JobService {
	return &JobService{
		detector:   detector,
		thresholds: thresholds,
		queue:      queue,
	}
}

// Submit validates params synchronously; an invalid submission never becomes a job.
func (s *JobService) Submit(ctx context.Context, params domain.Params) (*domain.Job, error) {
	params.Normalize()
	if err := params.Validate(); err != nil {
		return nil, err
	}

	rec := s.Recommendation(ctx)
	resolved, caveats := params.Resolve(rec)

	warnings := slices.Concat(rec.Warnings, caveats)
	for _, w := range caveats {
		logger.Warn.Printf("submission %s: %s", logger.Locator(resolved.InputSource), w)
	}
	return s.queue.Add(resolved, warnings, rec.Explanation)
}

// Capabilities returns the detected snapshot, probing on first use.
func (s *JobService) Capabilities(ctx context.Context) domain.Snapshot {
	return s.detector.Detect(ctx)
}

// Recommendation evaluates the policy against the current snapshot.
func (s *JobService) Recommendation(ctx context.Context) domain.Recommendation {
	return Recommend(s.detector.Detect(ctx), s.thresholds)
}

func (s *JobService) Thresholds() domain.Thresholds {
	return s.thresholds
}

func (s *JobService) Queue() *Coordinator {
	return s.queue
}

func (s *JobService) Jobs() []*domain.Job {
	return s.queue.List()
}

func (s *JobService) Job(id string) (*domain.Job, error) {
	return s.queue.Status(id)
}

func (s *JobService) Cancel(id string) (*domain.Job, error) {
	return s.queue.Cancel(id)
}

func (s *JobService) Remove(id string) error {
	return s.queue.Remove(id)
}

func (s *JobService) Counts() map[domain.JobStatus]int {
	return s.queue.Counts()
}
