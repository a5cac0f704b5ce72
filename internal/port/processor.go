package port

import (
	"context"

	"github.com/bnema/restora/internal/domain"
)

// ProgressFunc receives completion fractions in [0, 1].
type ProgressFunc func(fraction float64)

// Processor runs one resolved job. It must return promptly once ctx is cancelled.
type Processor interface {
	Process(ctx context.Context, req domain.ProcessRequest, progress ProgressFunc) (domain.ProcessResult, error)
}
