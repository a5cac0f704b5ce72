package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/bnema/restora/internal/domain"
	"github.com/bnema/restora/internal/port"
)

// MediaProber reads stream metadata with ffprobe.
type MediaProber struct {
	path string
}

func NewMediaProber(ffprobePath string) *MediaProber {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &MediaProber{path: ffprobePath}
}

func (m *MediaProber) ProbeMedia(ctx context.Context, input string) (*domain.MediaInfo, error) {
	if err := domain.ValidateLocator(input); err != nil {
		return nil, errors.Wrap(err, "invalid input path")
	}

	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		input,
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, m.path, args...)
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return nil, errors.WithDetail(errors.Wrap(err, "ffprobe failed"), strings.TrimSpace(stderr.String()))
	}
	return parseProbe(output)
}

func parseProbe(output []byte) (*domain.MediaInfo, error) {
	var info domain.MediaInfo
	if err := json.Unmarshal(output, &info); err != nil {
		return nil, errors.Wrap(err, "failed to parse ffprobe output")
	}
	if info.VideoStream() == nil {
		return nil, errors.New("no video stream found")
	}
	return &info, nil
}

var _ port.MediaProber = (*MediaProber)(nil)
