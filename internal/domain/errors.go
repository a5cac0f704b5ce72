package domain

import "github.com/cockroachdb/errors"

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidParams     = errors.New("invalid job parameters")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrEmptyLocator      = errors.New("locator is empty")
	ErrInvalidLocator    = errors.New("locator contains invalid characters")
)
