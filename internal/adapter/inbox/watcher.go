// Package inbox turns job description files dropped into a directory into
// queued jobs.
package inbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"

	"github.com/bnema/restora/internal/domain"
	"github.com/bnema/restora/internal/infrastructure/logger"
	"github.com/bnema/restora/internal/infrastructure/ratelimit"
)

const (
	AcceptedDir = "accepted"
	RejectedDir = "rejected"

	defaultSettle      = 500 * time.Millisecond
	defaultMaxAttempts = 5
)

type Submitter interface {
	Submit(ctx context.Context, params domain.Params) (*domain.Job, error)
}

type Options struct {
	Dir string
	// Settle is how long a file must stay unchanged before it is read.
	Settle time.Duration
	// MaxAttempts bounds how often an unreadable file is retried before it
	// is rejected.
	MaxAttempts int
	Backoff     *ratelimit.Backoff
}

type Watcher struct {
	dir         string
	submit      Submitter
	settle      time.Duration
	maxAttempts int
	backoff     *ratelimit.Backoff
	attempts    *ratelimit.AttemptTracker

	mu     sync.Mutex
	timers map[string]*time.Timer
	ready  chan string
}

func New(submit Submitter, opts Options) (*Watcher, error) {
	if opts.Dir == "" {
		return nil, errors.New("inbox directory is not set")
	}
	if opts.Settle <= 0 {
		opts.Settle = defaultSettle
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Backoff == nil {
		opts.Backoff = ratelimit.NewBackoff(opts.Settle, 30*time.Second, 2)
	}
	for _, d := range []string{opts.Dir, filepath.Join(opts.Dir, AcceptedDir), filepath.Join(opts.Dir, RejectedDir)} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, errors.Wrapf(err, "create inbox directory %s", d)
		}
	}
	return &Watcher{
		dir:         opts.Dir,
		submit:      submit,
		settle:      opts.Settle,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		attempts:    ratelimit.NewAttemptTracker(),
		timers:      make(map[string]*time.Timer),
		ready:       make(chan string, 64),
	}, nil
}

// Run watches the inbox until ctx is done. Files already present when it
// starts are picked up too.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create fsnotify watcher")
	}
	defer func() { _ = fw.Close() }()
	if err := fw.Add(w.dir); err != nil {
		return errors.Wrapf(err, "watch %s", w.dir)
	}
	defer w.stopTimers()

	logger.Info.Printf("watching inbox %s", w.dir)
	w.scan(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				if supported(ev.Name) {
					w.schedule(ctx, ev.Name, w.settle)
				}
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Warn.Printf("inbox watcher error: %v", err)
		case path := <-w.ready:
			if retry := w.handle(ctx, path); retry > 0 {
				w.schedule(ctx, path, retry)
			}
		}
	}
}

func (w *Watcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		logger.Warn.Printf("cannot list inbox %s: %v", w.dir, err)
		return
	}
	for _, e := range entries {
		if e.Type().IsRegular() && supported(e.Name()) {
			w.schedule(ctx, filepath.Join(w.dir, e.Name()), w.settle)
		}
	}
}

// schedule (re)arms the timer of path; repeated events keep pushing it back
// until the file has settled.
func (w *Watcher) schedule(ctx context.Context, path string, delay time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(delay, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		select {
		case w.ready <- path:
		case <-ctx.Done():
		}
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

// handle processes one settled file. It returns a positive delay when the
// file should be read again later.
func (w *Watcher) handle(ctx context.Context, path string) time.Duration {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn.Printf("cannot read inbox file %s: %v", logger.SanitizeForLog(path), err)
		}
		w.attempts.Reset(path)
		return 0
	}

	params, err := parseJobs(path, data)
	if errors.Is(err, errIncomplete) {
		n := w.attempts.RecordFailure(path)
		if n < w.maxAttempts {
			delay := w.backoff.Duration(n)
			logger.Debug.Printf("inbox file %s not ready (%v), retrying in %s", logger.SanitizeForLog(path), err, delay)
			return delay
		}
	}
	w.attempts.Reset(path)
	if err != nil {
		w.reject(path, err)
		return 0
	}

	var problems []string
	for i, p := range params {
		if err := p.Validate(); err != nil {
			problems = append(problems, entryProblem(i, len(params), err))
		}
	}
	if len(problems) > 0 {
		w.reject(path, errors.New(strings.Join(problems, "\n")))
		return 0
	}

	queued := 0
	var failures []string
	for i, p := range params {
		job, err := w.submit.Submit(ctx, p)
		if err != nil {
			failures = append(failures, entryProblem(i, len(params), err))
			continue
		}
		queued++
		logger.Info.Printf("inbox %s: queued job %s", filepath.Base(path), job.ID)
	}
	if queued == 0 {
		w.reject(path, errors.New(strings.Join(failures, "\n")))
		return 0
	}
	w.accept(path, failures)
	return 0
}

func entryProblem(i, n int, err error) string {
	msg := err.Error()
	if details := errors.FlattenDetails(err); details != "" {
		msg += " (" + details + ")"
	}
	if n == 1 {
		return msg
	}
	return fmt.Sprintf("jobs[%d]: %s", i, msg)
}

func (w *Watcher) accept(path string, failures []string) {
	dest, err := w.move(path, AcceptedDir)
	if err != nil {
		logger.Error.Printf("cannot move %s to %s: %v", logger.SanitizeForLog(path), AcceptedDir, err)
		return
	}
	if len(failures) > 0 {
		w.writeNote(dest, strings.Join(failures, "\n"))
		logger.Warn.Printf("inbox %s: %d of its jobs were not queued", filepath.Base(path), len(failures))
	}
}

func (w *Watcher) reject(path string, cause error) {
	logger.Warn.Printf("inbox %s rejected: %v", filepath.Base(path), cause)
	dest, err := w.move(path, RejectedDir)
	if err != nil {
		logger.Error.Printf("cannot move %s to %s: %v", logger.SanitizeForLog(path), RejectedDir, err)
		return
	}
	note := cause.Error()
	if hints := errors.FlattenHints(cause); hints != "" {
		note += "\nhint: " + hints
	}
	if details := errors.FlattenDetails(cause); details != "" {
		note += "\n" + details
	}
	w.writeNote(dest, note)
}

func (w *Watcher) writeNote(dest, note string) {
	if err := os.WriteFile(dest+".error", []byte(note+"\n"), 0o640); err != nil {
		logger.Error.Printf("cannot write note for %s: %v", logger.SanitizeForLog(dest), err)
	}
}

// move renames path into sub, never overwriting an earlier file of the same name.
func (w *Watcher) move(path, sub string) (string, error) {
	base := filepath.Base(path)
	dest := filepath.Join(w.dir, sub, base)
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(base)
		dest = filepath.Join(w.dir, sub,
			fmt.Sprintf("%s-%s%s", strings.TrimSuffix(base, ext), time.Now().UTC().Format("20060102T150405.000000000"), ext))
	}
	return dest, os.Rename(path, dest)
}
