package inbox

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/restora/internal/domain"
	"github.com/bnema/restora/internal/infrastructure/ratelimit"
)

type fakeSubmitter struct {
	mu     sync.Mutex
	params []domain.Params
	fail   map[string]error
}

func (f *fakeSubmitter) Submit(_ context.Context, p domain.Params) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[p.InputSource]; err != nil {
		return nil, err
	}
	f.params = append(f.params, p)
	return domain.NewJob("job-"+filepath.Base(p.InputSource), p, time.Now()), nil
}

func (f *fakeSubmitter) submitted() []domain.Params {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Params(nil), f.params...)
}

func newWatcher(t *testing.T, sub Submitter) *Watcher {
	t.Helper()
	backoff := ratelimit.NewBackoff(10*time.Millisecond, 50*time.Millisecond, 2)
	backoff.Jitter = false
	w, err := New(sub, Options{Dir: t.TempDir(), Settle: 20 * time.Millisecond, MaxAttempts: 3, Backoff: backoff})
	require.NoError(t, err)
	return w
}

func run(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
}

func drop(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestNew_CreatesLayout(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "inbox")
	_, err := New(&fakeSubmitter{}, Options{Dir: dir})
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(dir, AcceptedDir))
	assert.DirExists(t, filepath.Join(dir, RejectedDir))

	_, err = New(&fakeSubmitter{}, Options{})
	assert.Error(t, err)
}

func TestWatcher_AcceptsDroppedJSON(t *testing.T) {
	sub := &fakeSubmitter{}
	w := newWatcher(t, sub)
	run(t, w)

	drop(t, w.dir, "tape.json", `{"input_source":"/v/tape.avi","resolution":"1080p","priority":2}`)

	require.Eventually(t, func() bool {
		return exists(filepath.Join(w.dir, AcceptedDir, "tape.json"))
	}, 3*time.Second, 10*time.Millisecond)

	got := sub.submitted()
	require.Len(t, got, 1)
	assert.Equal(t, "/v/tape.avi", got[0].InputSource)
	assert.Equal(t, domain.Resolution1080p, got[0].Resolution)
	assert.Equal(t, 2, got[0].Priority)
	assert.Equal(t, 18, got[0].CRF, "omitted fields keep defaults")
	assert.False(t, exists(filepath.Join(w.dir, "tape.json")))
}

func TestWatcher_YAMLJobList(t *testing.T) {
	sub := &fakeSubmitter{}
	w := newWatcher(t, sub)
	run(t, w)

	drop(t, w.dir, "batch.yaml", `
jobs:
  - input_source: /v/a.mp4
    face_restore: on
    denoise: true
  - input_source: /v/b.mp4
    audio_upmix: simple
    priority: 5
`)

	require.Eventually(t, func() bool {
		return exists(filepath.Join(w.dir, AcceptedDir, "batch.yaml"))
	}, 3*time.Second, 10*time.Millisecond)

	got := sub.submitted()
	require.Len(t, got, 2)
	assert.Equal(t, domain.ToggleOn, got[0].FaceRestore)
	assert.True(t, got[0].Denoise)
	assert.Equal(t, 0.5, got[0].DenoiseStrength)
	assert.Equal(t, "/v/a_restored.mkv", got[0].OutputPath)
	assert.Equal(t, domain.UpmixSimple, got[1].AudioUpmix)
	assert.Equal(t, 5, got[1].Priority)
	assert.False(t, exists(filepath.Join(w.dir, AcceptedDir, "batch.yaml.error")))
}

func TestWatcher_PicksUpExistingFiles(t *testing.T) {
	sub := &fakeSubmitter{}
	w := newWatcher(t, sub)
	drop(t, w.dir, "early.yml", "input_source: /v/early.mp4\n")

	run(t, w)

	require.Eventually(t, func() bool {
		return len(sub.submitted()) == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWatcher_RejectsInvalidFile(t *testing.T) {
	sub := &fakeSubmitter{}
	w := newWatcher(t, sub)
	run(t, w)

	drop(t, w.dir, "bad.json", `{"jobs":[{"input_source":"/v/a.mp4"},{"crf":80}]}`)

	note := filepath.Join(w.dir, RejectedDir, "bad.json.error")
	require.Eventually(t, func() bool { return exists(note) }, 3*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(note)
	require.NoError(t, err)
	assert.Contains(t, string(data), "jobs[1]")
	assert.Contains(t, string(data), "crf")
	assert.FileExists(t, filepath.Join(w.dir, RejectedDir, "bad.json"))
	assert.Empty(t, sub.submitted(), "nothing from a rejected file is queued")
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	sub := &fakeSubmitter{}
	w := newWatcher(t, sub)
	run(t, w)

	notes := drop(t, w.dir, "notes.txt", "not a job")
	hidden := drop(t, w.dir, ".partial.json", `{"input_source":"/v/x.mp4"}`)
	drop(t, w.dir, "real.json", `{"input_source":"/v/real.mp4"}`)

	require.Eventually(t, func() bool {
		return exists(filepath.Join(w.dir, AcceptedDir, "real.json"))
	}, 3*time.Second, 10*time.Millisecond)
	assert.FileExists(t, notes)
	assert.FileExists(t, hidden)
	assert.Len(t, sub.submitted(), 1)
}

func TestHandle_RetriesIncompleteThenAccepts(t *testing.T) {
	sub := &fakeSubmitter{}
	w := newWatcher(t, sub)
	ctx := context.Background()

	path := drop(t, w.dir, "slow.json", `{"input_source": "/v/sl`)
	assert.Equal(t, 10*time.Millisecond, w.handle(ctx, path))
	assert.Equal(t, 20*time.Millisecond, w.handle(ctx, path))
	assert.FileExists(t, path, "incomplete files stay in the inbox")

	require.NoError(t, os.WriteFile(path, []byte(`{"input_source": "/v/slow.mp4"}`), 0o600))
	assert.Zero(t, w.handle(ctx, path))
	assert.FileExists(t, filepath.Join(w.dir, AcceptedDir, "slow.json"))
	assert.Zero(t, w.attempts.Failures(path))
}

func TestHandle_RejectsAfterMaxAttempts(t *testing.T) {
	w := newWatcher(t, &fakeSubmitter{})
	ctx := context.Background()

	path := drop(t, w.dir, "empty.yaml", "")
	assert.Positive(t, w.handle(ctx, path))
	assert.Positive(t, w.handle(ctx, path))
	assert.Zero(t, w.handle(ctx, path))

	assert.FileExists(t, filepath.Join(w.dir, RejectedDir, "empty.yaml"))
	assert.FileExists(t, filepath.Join(w.dir, RejectedDir, "empty.yaml.error"))
}

func TestHandle_PartialSubmissionFailure(t *testing.T) {
	sub := &fakeSubmitter{fail: map[string]error{"/v/b.mp4": errors.New("persist new job: disk full")}}
	w := newWatcher(t, sub)

	path := drop(t, w.dir, "two.json", `{"jobs":[{"input_source":"/v/a.mp4"},{"input_source":"/v/b.mp4"}]}`)
	assert.Zero(t, w.handle(context.Background(), path))

	assert.Len(t, sub.submitted(), 1)
	accepted := filepath.Join(w.dir, AcceptedDir, "two.json")
	assert.FileExists(t, accepted)
	data, err := os.ReadFile(accepted + ".error")
	require.NoError(t, err)
	assert.Contains(t, string(data), "jobs[1]: persist new job: disk full")
}

func TestHandle_AllSubmissionsFail(t *testing.T) {
	sub := &fakeSubmitter{fail: map[string]error{"/v/a.mp4": errors.New("persist new job: disk full")}}
	w := newWatcher(t, sub)

	path := drop(t, w.dir, "one.json", `{"input_source":"/v/a.mp4"}`)
	w.handle(context.Background(), path)

	assert.FileExists(t, filepath.Join(w.dir, RejectedDir, "one.json.error"))
}

func TestMove_KeepsEarlierFiles(t *testing.T) {
	w := newWatcher(t, &fakeSubmitter{})

	first := drop(t, w.dir, "same.json", "{}")
	dest1, err := w.move(first, AcceptedDir)
	require.NoError(t, err)

	second := drop(t, w.dir, "same.json", "{}")
	dest2, err := w.move(second, AcceptedDir)
	require.NoError(t, err)

	assert.NotEqual(t, dest1, dest2)
	assert.FileExists(t, dest1)
	assert.FileExists(t, dest2)
}

func TestParseJobs(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		data       string
		wantCount  int
		incomplete bool
		wantErr    bool
	}{
		{name: "json single", path: "a.json", data: `{"input_source":"x.mp4"}`, wantCount: 1},
		{name: "json list", path: "a.json", data: `{"jobs":[{"input_source":"x.mp4"},{"input_source":"y.mp4"}]}`, wantCount: 2},
		{name: "json truncated", path: "a.json", data: `{"jobs":[`, incomplete: true},
		{name: "blank", path: "a.yml", data: "  \n", incomplete: true},
		{name: "yaml single", path: "a.yml", data: "input_source: x.mp4\nfps: 25\n", wantCount: 1},
		{name: "yaml empty list", path: "a.yaml", data: "jobs: []\n", wantErr: true},
		{name: "yaml wrong type", path: "a.yaml", data: "input_source: x.mp4\ncrf: [1]\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := parseJobs(tt.path, []byte(tt.data))
			switch {
			case tt.incomplete:
				assert.True(t, errors.Is(err, errIncomplete), "got %v", err)
			case tt.wantErr:
				require.Error(t, err)
				assert.False(t, errors.Is(err, errIncomplete), "got %v", err)
			default:
				require.NoError(t, err)
				assert.Len(t, params, tt.wantCount)
				for _, p := range params {
					assert.NotEmpty(t, p.OutputPath, "normalized")
				}
			}
		})
	}
}

func TestSupported(t *testing.T) {
	assert.True(t, supported("/in/a.json"))
	assert.True(t, supported("/in/a.YAML"))
	assert.True(t, supported("b.yml"))
	assert.False(t, supported("/in/.a.json"))
	assert.False(t, supported("/in/a.txt"))
	assert.False(t, supported("/in/a.json.error"))
}
