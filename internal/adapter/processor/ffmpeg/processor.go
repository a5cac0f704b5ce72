// Package ffmpeg is the reference processing collaborator: it runs each job
// as a single ffmpeg invocation and reports progress from -progress output.
package ffmpeg

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/bnema/restora/internal/domain"
	"github.com/bnema/restora/internal/infrastructure/logger"
	"github.com/bnema/restora/internal/port"
)

const (
	defaultWaitDelay = 5 * time.Second
	stderrTail       = 4 << 10
)

type Options struct {
	// Media probes the source before building the filter graph. Optional.
	Media port.MediaProber
	// WaitDelay bounds how long ffmpeg may take to exit after SIGINT
	// before it is killed.
	WaitDelay time.Duration
}

type Processor struct {
	media     port.MediaProber
	waitDelay time.Duration
}

func New(opts Options) *Processor {
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = defaultWaitDelay
	}
	return &Processor{media: opts.Media, waitDelay: opts.WaitDelay}
}

func (p *Processor) Process(ctx context.Context, req domain.ProcessRequest, progress port.ProgressFunc) (domain.ProcessResult, error) {
	job, d := req.Job, req.Defaults
	if err := domain.ValidateLocator(job.InputSource); err != nil {
		return domain.ProcessResult{}, errors.Wrap(err, "invalid input path")
	}
	if err := domain.ValidateLocator(job.OutputPath); err != nil {
		return domain.ProcessResult{}, errors.Wrap(err, "invalid output path")
	}
	if progress == nil {
		progress = func(float64) {}
	}
	started := time.Now()

	var info *domain.MediaInfo
	if p.media != nil {
		var err error
		if info, err = p.media.ProbeMedia(ctx, job.InputSource); err != nil {
			if ctx.Err() != nil {
				return domain.ProcessResult{}, errors.Wrap(ctx.Err(), "probe source")
			}
			logger.Warn.Printf("job %s: probing %s failed, continuing without source metadata: %v",
				job.ID, logger.Locator(job.InputSource), err)
			info = nil
		}
	}

	target := job.OutputPath
	local := !domain.IsRemoteLocator(job.OutputPath)
	if local {
		if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0o750); err != nil {
			return domain.ProcessResult{}, errors.Wrap(err, "invalid output dir")
		}
		target = partialPath(job.OutputPath, job.ID)
	}

	pl := buildPlan(job.Params, d, info, target)
	for _, n := range pl.notes {
		logger.Warn.Printf("job %s: %s", job.ID, n)
	}

	bin := d.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}
	stderr := &tailBuffer{max: stderrTail}
	cmd := exec.CommandContext(ctx, bin, pl.args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = p.waitDelay
	cmd.Stdout = &progressWriter{total: durationOf(info), report: progress}
	cmd.Stderr = stderr
	if d.WorkDir != "" {
		if err := os.MkdirAll(d.WorkDir, 0o750); err == nil {
			cmd.Dir = d.WorkDir
		}
	}

	logger.Debug.Printf("job %s: %s %s", job.ID, bin, logger.SanitizeForLog(strings.Join(pl.args, " ")))
	err := cmd.Run()
	if err != nil || ctx.Err() != nil {
		if local {
			_ = os.Remove(target)
		}
		if ctx.Err() != nil {
			return domain.ProcessResult{}, errors.Wrap(ctx.Err(), "ffmpeg interrupted")
		}
		return domain.ProcessResult{}, errors.WithDetail(
			errors.Newf("ffmpeg %v: %s", err, lastLine(stderr.String())), stderr.String())
	}

	if local {
		if err := os.Rename(target, job.OutputPath); err != nil {
			_ = os.Remove(target)
			return domain.ProcessResult{}, errors.Wrap(err, "move output into place")
		}
	}
	progress(1)
	return domain.ProcessResult{OutputPath: job.OutputPath, Duration: time.Since(started)}, nil
}

// partialPath keeps the extension so ffmpeg still infers the container.
func partialPath(output, id string) string {
	dir, base := filepath.Split(output)
	ext := filepath.Ext(base)
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return filepath.Join(dir, "."+strings.TrimSuffix(base, ext)+"."+short+".partial"+ext)
}

func durationOf(info *domain.MediaInfo) float64 {
	if info == nil {
		return 0
	}
	return info.DurationSeconds()
}

// progressWriter parses the key=value stream of -progress pipe:1.
type progressWriter struct {
	total  float64
	report port.ProgressFunc
	buf    []byte
}

func (w *progressWriter) Write(b []byte) (int, error) {
	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.line(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(b), nil
}

func (w *progressWriter) line(l string) {
	key, value, ok := strings.Cut(strings.TrimSpace(l), "=")
	if !ok || key != "out_time_us" || w.total <= 0 {
		return
	}
	us, err := strconv.ParseInt(value, 10, 64)
	if err != nil || us < 0 {
		return
	}
	// Completion is reported only once the output is in place.
	w.report(min(float64(us)/1e6/w.total, 0.99))
}

type tailBuffer struct {
	max int
	b   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.b = append(t.b, p...)
	if len(t.b) > t.max {
		t.b = t.b[len(t.b)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.b) }

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

var _ port.Processor = (*Processor)(nil)
