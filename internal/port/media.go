package port

import (
	"context"

	"github.com/bnema/restora/internal/domain"
)

type MediaProber interface {
	ProbeMedia(ctx context.Context, input string) (*domain.MediaInfo, error)
}
