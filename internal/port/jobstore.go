package port

import "github.com/bnema/restora/internal/domain"

// JobStore persists the whole queue. SaveAll replaces the stored set.
type JobStore interface {
	SaveAll(jobs []*domain.Job) error
	LoadAll() ([]*domain.Job, error)
	Close() error
}
