package port

import (
	"context"

	"github.com/bnema/restora/internal/domain"
)

// HardwareProber queries the host for its accelerator. It may block; callers
// bound it with their own timeout.
type HardwareProber interface {
	Probe(ctx context.Context) (domain.Snapshot, error)
}
