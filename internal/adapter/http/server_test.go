package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bnema/restora/internal/domain"
	"github.com/bnema/restora/internal/port"
	"github.com/bnema/restora/internal/port/mocks"
	"github.com/bnema/restora/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memStore struct {
	mu   sync.Mutex
	jobs []*domain.Job
}

func (s *memStore) SaveAll(jobs []*domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = jobs
	return nil
}

func (s *memStore) LoadAll() ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs, nil
}

func (s *memStore) Close() error { return nil }

// gatedProcessor reports half progress, then waits for release or cancellation.
type gatedProcessor struct {
	release chan struct{}
}

func (p *gatedProcessor) Process(ctx context.Context, req domain.ProcessRequest, progress port.ProgressFunc) (domain.ProcessResult, error) {
	progress(0.5)
	select {
	case <-p.release:
		return domain.ProcessResult{OutputPath: req.Job.OutputPath, Duration: time.Millisecond}, nil
	case <-ctx.Done():
		return domain.ProcessResult{}, ctx.Err()
	}
}

type testEnv struct {
	server  *Server
	jobs    *service.JobService
	proc    *gatedProcessor
	dispose []func()
}

func cpuHost() domain.Snapshot {
	s := domain.CPUOnlySnapshot()
	s.CPUThreads = 16
	s.Source = "test"
	return s
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	prober := mocks.NewHardwareProberMock(t)
	prober.On("Probe", mock.Anything).Return(cpuHost(), nil).Maybe()

	bus := service.NewEventBus()
	proc := &gatedProcessor{release: make(chan struct{})}
	coord := service.NewCoordinator(&memStore{}, proc, service.CoordinatorOptions{
		CancelGrace: 200 * time.Millisecond,
		Events:      bus,
	})
	jobs := service.NewJobService(service.NewDetector(prober, time.Second), domain.DefaultThresholds(), coord)

	if opts.Version == "" {
		opts.Version = "test"
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 50 * time.Millisecond
	}
	return &testEnv{server: NewServer(jobs, bus, opts), jobs: jobs, proc: proc}
}

// startDispatcher runs the queue until the test ends.
func (e *testEnv) startDispatcher(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.jobs.Queue().Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (e *testEnv) submit(t *testing.T, input string) *domain.Job {
	t.Helper()
	rec := e.do(http.MethodPost, "/api/jobs", `{"input_source":"`+input+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[*domain.Job](t, rec)
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t, Options{Version: "1.2.3"})
	env.submit(t, "/v/a.mp4")

	rec := env.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "1.2.3", health.Version)
	assert.Equal(t, 1, health.Jobs[domain.JobStatusPending])

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_CapabilitiesAndRecommendation(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(http.MethodGet, "/api/capabilities", "")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[domain.Snapshot](t, rec)
	assert.Equal(t, domain.VendorCPUOnly, snap.Vendor)
	assert.Equal(t, 16, snap.CPUThreads)

	rec = env.do(http.MethodGet, "/api/recommendation", "")
	require.Equal(t, http.StatusOK, rec.Code)
	recommendation := decode[domain.Recommendation](t, rec)
	assert.Equal(t, domain.QualityGood, recommendation.QualityTier)
	assert.False(t, recommendation.Encoder.Hardware())
	assert.False(t, recommendation.FaceRestoreEnabled)
}

func TestServer_SubmitJob(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(http.MethodPost, "/api/jobs", `{"input_source":"/v/tape.avi","priority":3,"encoder":"hw-hevc"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	job := decode[*domain.Job](t, rec)
	assert.Equal(t, "/api/jobs/"+job.ID, rec.Header().Get("Location"))
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, "/v/tape_restored.mkv", job.OutputPath)
	assert.Equal(t, 3, job.Priority)
	assert.Equal(t, 18, job.CRF, "omitted fields keep their defaults")
	assert.Equal(t, domain.EncoderHWHEVC, job.Encoder, "explicit choice kept")
	assert.NotEqual(t, domain.UpscaleAuto, job.UpscaleEngine, "auto resolved at submission")
	assert.NotEmpty(t, job.Warnings, "hardware encoder on a cpu host is flagged")
}

func TestServer_SubmitJobRejects(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		contains string
	}{
		{"missing input", `{"priority":1}`, "input_source"},
		{"malformed json", `{"input_source":`, "decode parameters"},
		{"unknown enum", `{"input_source":"/v/a.mp4","resolution":"8k"}`, "resolution"},
		{"out of range", `{"input_source":"/v/a.mp4","crf":99}`, "crf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Options{})
			rec := env.do(http.MethodPost, "/api/jobs", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)

			resp := decode[ErrorResponse](t, rec)
			assert.Contains(t, resp.Error+resp.Detail, tt.contains)
			assert.NotEmpty(t, resp.RequestID)
			assert.Empty(t, env.jobs.Jobs(), "rejected submissions never become jobs")
		})
	}
}

func TestServer_GetAndListJobs(t *testing.T) {
	env := newTestEnv(t, Options{})
	a := env.submit(t, "/v/a.mp4")
	b := env.submit(t, "/v/b.mp4")
	_, err := env.jobs.Cancel(b.ID)
	require.NoError(t, err)

	rec := env.do(http.MethodGet, "/api/jobs/"+a.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, a.ID, decode[*domain.Job](t, rec).ID)

	rec = env.do(http.MethodGet, "/api/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	list := decode[ListResponse](t, env.do(http.MethodGet, "/api/jobs", ""))
	require.Len(t, list.Jobs, 2)
	assert.Equal(t, a.ID, list.Jobs[0].ID)
	assert.Equal(t, 1, list.Counts[domain.JobStatusCancelled])

	list = decode[ListResponse](t, env.do(http.MethodGet, "/api/jobs?status=cancelled", ""))
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, b.ID, list.Jobs[0].ID)

	list = decode[ListResponse](t, env.do(http.MethodGet, "/api/jobs?status=completed", ""))
	assert.NotNil(t, list.Jobs)
	assert.Empty(t, list.Jobs)

	rec = env.do(http.MethodGet, "/api/jobs?status=exploded", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, decode[ErrorResponse](t, rec).Hint)
}

func TestServer_CancelAndDelete(t *testing.T) {
	env := newTestEnv(t, Options{})
	job := env.submit(t, "/v/a.mp4")

	rec := env.do(http.MethodDelete, "/api/jobs/"+job.ID, "")
	assert.Equal(t, http.StatusConflict, rec.Code, "pending jobs must be cancelled first")
	assert.Contains(t, decode[ErrorResponse](t, rec).Hint, "cancel")

	rec = env.do(http.MethodPost, "/api/jobs/"+job.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.JobStatusCancelled, decode[*domain.Job](t, rec).Status)

	rec = env.do(http.MethodPost, "/api/jobs/"+job.ID+"/cancel", "")
	assert.Equal(t, http.StatusOK, rec.Code, "cancelling a finished job is a no-op")

	rec = env.do(http.MethodDelete, "/api/jobs/"+job.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/jobs/"+job.ID, "").Code)

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodPost, "/api/jobs/nope/cancel", "").Code)
}

func TestServer_CancelRunningJobIsAccepted(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.startDispatcher(t)
	job := env.submit(t, "/v/a.mp4")

	require.Eventually(t, func() bool {
		j, err := env.jobs.Job(job.ID)
		return err == nil && j.Status == domain.JobStatusProcessing
	}, 2*time.Second, 5*time.Millisecond)

	rec := env.do(http.MethodPost, "/api/jobs/"+job.ID+"/cancel", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		j, err := env.jobs.Job(job.ID)
		return err == nil && j.Status == domain.JobStatusCancelled
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServer_SubmitRateLimit(t *testing.T) {
	env := newTestEnv(t, Options{SubmitRate: 0.1, SubmitBurst: 1})

	env.submit(t, "/v/a.mp4")
	rec := env.do(http.MethodPost, "/api/jobs", `{"input_source":"/v/b.mp4"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/jobs", "").Code, "reads are not limited")
}

func TestServer_RejectsCrossSiteWrites(t *testing.T) {
	env := newTestEnv(t, Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`{"input_source":"/v/a.mp4"}`))
	req.Header.Set("Origin", "https://evil.test")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, env.jobs.Jobs())
}

func TestClient_RoundTrip(t *testing.T) {
	env := newTestEnv(t, Options{})
	ts := httptest.NewServer(env.server)
	defer ts.Close()
	client := NewClient(ts.URL+"/", time.Second)
	ctx := context.Background()

	job, err := client.Submit(ctx, []byte(`{"input_source":"/v/a.mp4"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)

	got, err := client.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	list, err := client.List(ctx, domain.JobStatusPending)
	require.NoError(t, err)
	assert.Len(t, list.Jobs, 1)

	err = client.Remove(ctx, job.ID)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition), "got %v", err)
	assert.Contains(t, errors.FlattenHints(err), "cancel")

	cancelled, err := client.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, cancelled.Status)
	require.NoError(t, client.Remove(ctx, job.ID))

	_, err = client.Job(ctx, job.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)

	_, err = client.Submit(ctx, []byte(`{}`))
	assert.True(t, errors.Is(err, domain.ErrInvalidParams), "got %v", err)

	snap, err := client.Capabilities(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.VendorCPUOnly, snap.Vendor)

	rec, err := client.Recommendation(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.QualityGood, rec.QualityTier)
}

func TestClient_APIToken(t *testing.T) {
	env := newTestEnv(t, Options{APIToken: "s3cret"})
	ts := httptest.NewServer(env.server)
	defer ts.Close()
	ctx := context.Background()

	_, err := NewClient(ts.URL, time.Second).List(ctx, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, errors.FlattenHints(err), "client.api_token")

	list, err := NewClient(ts.URL, time.Second).WithToken("s3cret").List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, list.Jobs)

	rec := env.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code, "health stays open")
}

func TestClient_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := NewClient(url, time.Second).Job(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, errors.FlattenHints(err), "restora serve")
}

func TestEvents_StreamsUntilTerminal(t *testing.T) {
	env := newTestEnv(t, Options{})
	ts := httptest.NewServer(env.server)
	defer ts.Close()
	client := NewClient(ts.URL, time.Second)

	job := env.submit(t, "/v/a.mp4")

	var mu sync.Mutex
	var events []service.Event
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- client.Watch(context.Background(), job.ID, func(ev service.Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		})
	}()

	// The first frame carries the current state.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) > 0
	}, 2*time.Second, 5*time.Millisecond)

	env.startDispatcher(t)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range events {
			if ev.Type == service.EventProgress {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	close(env.proc.release)

	select {
	case err := <-watchErr:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not end after the job completed")
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, service.EventStatus, events[0].Type)
	assert.Equal(t, domain.JobStatusPending, events[0].Status)
	last := events[len(events)-1]
	assert.Equal(t, service.EventStatus, last.Type)
	assert.Equal(t, domain.JobStatusCompleted, last.Status)
	for _, ev := range events {
		assert.Equal(t, job.ID, ev.JobID)
	}
}

func TestEvents_TerminalJobEndsImmediately(t *testing.T) {
	env := newTestEnv(t, Options{})
	job := env.submit(t, "/v/a.mp4")
	_, err := env.jobs.Cancel(job.ID)
	require.NoError(t, err)

	rec := env.do(http.MethodGet, "/api/jobs/"+job.ID+"/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event:status")
	assert.Contains(t, rec.Body.String(), `"status":"cancelled"`)

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/jobs/nope/events", "").Code)
}
