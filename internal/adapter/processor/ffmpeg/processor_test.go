package ffmpeg

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bnema/restora/internal/domain"
	"github.com/bnema/restora/internal/port/mocks"
)

// fakeFFmpeg writes an executable shell script standing in for ffmpeg.
func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

const writesOutput = `for last; do :; done
echo "frame=10"
echo "out_time_us=30000000"
echo "progress=continue"
echo "out_time_us=90000000"
echo "progress=end"
echo restored > "$last"
`

type recorder struct {
	mu        sync.Mutex
	fractions []float64
}

func (r *recorder) report(f float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fractions = append(r.fractions, f)
}

func (r *recorder) values() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.fractions...)
}

func request(t *testing.T, bin, output string) domain.ProcessRequest {
	t.Helper()
	p := resolvedParams()
	p.OutputPath = output
	return domain.ProcessRequest{
		Job:      domain.NewJob("0b6f1c2e-77aa-4d1e-9a51-3c1f0f5e2d10", p, time.Now()),
		Defaults: domain.EngineDefaults{FFmpegPath: bin, Vendor: domain.VendorCPUOnly},
	}
}

func TestProcessor_Success(t *testing.T) {
	bin := fakeFFmpeg(t, writesOutput)
	output := filepath.Join(t.TempDir(), "nested", "tape_restored.mkv")
	req := request(t, bin, output)

	media := mocks.NewMediaProberMock(t)
	media.On("ProbeMedia", mock.Anything, req.Job.InputSource).Return(sdSource(2), nil).Once()

	rec := &recorder{}
	res, err := New(Options{Media: media}).Process(context.Background(), req, rec.report)
	require.NoError(t, err)

	assert.Equal(t, output, res.OutputPath)
	assert.Positive(t, res.Duration)
	assert.Equal(t, []float64{0.25, 0.75, 1}, rec.values())

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "restored\n", string(data))

	entries, err := os.ReadDir(filepath.Dir(output))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "partial output renamed into place")
}

func TestProcessor_ProbeFailureIsNotFatal(t *testing.T) {
	bin := fakeFFmpeg(t, writesOutput)
	output := filepath.Join(t.TempDir(), "out.mkv")
	req := request(t, bin, output)

	media := mocks.NewMediaProberMock(t)
	media.On("ProbeMedia", mock.Anything, mock.Anything).Return(nil, errors.New("moov atom not found"))

	rec := &recorder{}
	_, err := New(Options{Media: media}).Process(context.Background(), req, rec.report)
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, rec.values(), "no duration, no intermediate progress")
	assert.FileExists(t, output)
}

func TestProcessor_FailureCarriesStderr(t *testing.T) {
	bin := fakeFFmpeg(t, `echo "Input #0, avi" >&2
echo "tape.avi: Invalid data found when processing input" >&2
exit 1
`)
	output := filepath.Join(t.TempDir(), "out.mkv")

	_, err := New(Options{}).Process(context.Background(), request(t, bin, output), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid data found when processing input")
	assert.Contains(t, errors.FlattenDetails(err), "Input #0, avi")

	entries, err := os.ReadDir(filepath.Dir(output))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcessor_MissingBinary(t *testing.T) {
	output := filepath.Join(t.TempDir(), "out.mkv")
	_, err := New(Options{}).Process(context.Background(), request(t, filepath.Join(t.TempDir(), "nope"), output), nil)
	require.Error(t, err)
	assert.NoFileExists(t, output)
}

func TestProcessor_Cancel(t *testing.T) {
	bin := fakeFFmpeg(t, `for last; do :; done
echo partial > "$last"
echo "out_time_us=1000000"
exec sleep 10
`)
	output := filepath.Join(t.TempDir(), "out.mkv")
	req := request(t, bin, output)

	media := mocks.NewMediaProberMock(t)
	media.On("ProbeMedia", mock.Anything, mock.Anything).Return(sdSource(2), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{})
	var once sync.Once
	progress := func(float64) { once.Do(func() { close(started) }) }

	errc := make(chan error, 1)
	go func() {
		_, err := New(Options{Media: media, WaitDelay: time.Second}).Process(ctx, req, progress)
		errc <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("ffmpeg never reported progress")
	}
	cancel()

	select {
	case err := <-errc:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Process did not return after cancel")
	}

	entries, err := os.ReadDir(filepath.Dir(output))
	require.NoError(t, err)
	assert.Empty(t, entries, "partial output removed")
}

func TestProcessor_RejectsBadLocators(t *testing.T) {
	req := request(t, "ffmpeg", "/tmp/out.mkv")
	req.Job.InputSource = ""
	_, err := New(Options{}).Process(context.Background(), req, nil)
	assert.ErrorIs(t, err, domain.ErrEmptyLocator)

	req = request(t, "ffmpeg", "/tmp/out\x00.mkv")
	_, err = New(Options{}).Process(context.Background(), req, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidLocator)
}

func TestProgressWriter(t *testing.T) {
	rec := &recorder{}
	w := &progressWriter{total: 10, report: rec.report}

	for _, chunk := range []string{"out_time_us=2", "500000\nprogress=continue\n", "out_time_us=N/A\n", "out_time_us=20000000\n"} {
		n, err := w.Write([]byte(chunk))
		require.NoError(t, err)
		assert.Equal(t, len(chunk), n)
	}
	assert.Equal(t, []float64{0.25, 0.99}, rec.values())
}

func TestPartialPath(t *testing.T) {
	assert.Equal(t, "/out/.tape_restored.0b6f1c2e.partial.mkv", partialPath("/out/tape_restored.mkv", "0b6f1c2e-77aa"))
	assert.Equal(t, ".x.ab.partial.mp4", partialPath("x.mp4", "ab"))
}

func TestParseProbe(t *testing.T) {
	info, err := parseProbe([]byte(`{
		"streams": [
			{"index": 0, "codec_type": "video", "codec_name": "mpeg2video", "width": 720, "height": 480, "field_order": "bb", "r_frame_rate": "30000/1001"},
			{"index": 1, "codec_type": "audio", "codec_name": "ac3", "channels": 2}
		],
		"format": {"format_name": "mpeg", "duration": "1800.5"}
	}`))
	require.NoError(t, err)
	assert.True(t, info.Interlaced())
	assert.InDelta(t, 1800.5, info.DurationSeconds(), 1e-9)
	assert.Equal(t, 2, info.AudioStream().Channels)

	_, err = parseProbe([]byte(`{"streams": [{"codec_type": "audio"}]}`))
	assert.ErrorContains(t, err, "no video stream")

	_, err = parseProbe([]byte(`not json`))
	assert.Error(t, err)
}
