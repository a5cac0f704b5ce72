package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJob(t *testing.T, input string) *Job {
	t.Helper()
	p := DefaultParams()
	p.InputSource = input
	p.Normalize()
	require.NoError(t, p.Validate())
	return NewJob("6f1c7a52-3d5e-4f0a-9b7e-2d3c4b5a6f70", p, time.Now())
}

func TestJob_RoundTrip(t *testing.T) {
	t.Run("minimal job keeps every default", func(t *testing.T) {
		job := newTestJob(t, "/videos/wedding.avi")

		data, err := json.Marshal(job)
		require.NoError(t, err)

		var got Job
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, *job, got)
		assert.Equal(t, "/videos/wedding_restored.mkv", got.OutputPath)
		assert.Equal(t, 18, got.CRF)
		assert.InDelta(t, 0.7, got.FaceRestoreFidelity, 1e-9)
	})

	t.Run("terminal job with timestamps and warnings", func(t *testing.T) {
		job := newTestJob(t, "rtsp://camera.local/stream")
		job.Seq = 42
		job.Priority = 5
		job.Warnings = []string{"vendor SDK not installed"}
		job.Explanation = "Upscaling uses the portable AI upscaler."
		now := time.Now()
		require.NoError(t, job.Start(now))
		require.NoError(t, job.Fail(now.Add(time.Minute), "decoder exploded"))

		data, err := json.Marshal(job)
		require.NoError(t, err)

		var got Job
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, *job, got)
	})

	t.Run("unnormalized params survive unchanged", func(t *testing.T) {
		job := NewJob("b", Params{InputSource: "/videos/raw.avi", CRF: 22}, time.Now())

		data, err := json.Marshal(job)
		require.NoError(t, err)

		var got Job
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, *job, got)
		assert.Empty(t, got.OutputPath)
		assert.Empty(t, got.Encoder)
		assert.Empty(t, got.AudioUpmix)
	})

	t.Run("every field is written", func(t *testing.T) {
		job := newTestJob(t, "/in.mp4")
		data, err := json.Marshal(job)
		require.NoError(t, err)

		var raw map[string]any
		require.NoError(t, json.Unmarshal(data, &raw))
		for _, key := range []string{"id", "seq", "input_source", "output_path", "resolution", "quality_tier",
			"crf", "fps", "encoder", "upscale_engine", "hdr_mode", "denoise", "denoise_strength", "lut_path",
			"lut_intensity", "face_restore", "face_restore_fidelity", "deinterlace", "audio_enhance",
			"audio_upmix", "priority", "status", "progress", "attempts", "warnings", "explanation",
			"error_message", "created_at", "started_at", "finished_at"} {
			assert.Contains(t, raw, key)
		}
	})
}

func TestJob_UnmarshalJSON(t *testing.T) {
	t.Run("missing fields receive defaults", func(t *testing.T) {
		var job Job
		require.NoError(t, json.Unmarshal([]byte(`{"id":"a","input_source":"/x/clip.mov"}`), &job))

		want := DefaultParams()
		want.InputSource = "/x/clip.mov"
		want.OutputPath = "/x/clip_restored.mkv"
		assert.Equal(t, want, job.Params)
		assert.Equal(t, JobStatusPending, job.Status)
		assert.Nil(t, job.Extra)
	})

	t.Run("unknown fields are preserved", func(t *testing.T) {
		in := `{"id":"a","input_source":"/x.mov","grain_synthesis":{"level":3},"tone_map":"reinhard"}`
		var job Job
		require.NoError(t, json.Unmarshal([]byte(in), &job))
		assert.JSONEq(t, `{"level":3}`, string(job.Extra["grain_synthesis"]))

		data, err := json.Marshal(job)
		require.NoError(t, err)

		var raw map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(data, &raw))
		assert.JSONEq(t, `"reinhard"`, string(raw["tone_map"]))
		assert.JSONEq(t, `{"level":3}`, string(raw["grain_synthesis"]))

		var again Job
		require.NoError(t, json.Unmarshal(data, &again))
		assert.Equal(t, job, again)
	})

	t.Run("known fields are matched case-insensitively", func(t *testing.T) {
		var job Job
		require.NoError(t, json.Unmarshal([]byte(`{"ID":"a","Input_Source":"/x.mov"}`), &job))
		assert.Equal(t, "/x.mov", job.InputSource)
		assert.Nil(t, job.Extra)
	})

	t.Run("unknown status is rejected", func(t *testing.T) {
		var job Job
		err := json.Unmarshal([]byte(`{"id":"a","input_source":"/x.mov","status":"exploded"}`), &job)
		assert.Error(t, err)
	})
}

func TestJob_Transitions(t *testing.T) {
	now := time.Now()

	t.Run("happy path", func(t *testing.T) {
		job := newTestJob(t, "/a.mp4")
		require.NoError(t, job.Start(now))
		assert.Equal(t, JobStatusProcessing, job.Status)
		require.NotNil(t, job.StartedAt)
		assert.Equal(t, 1, job.Attempts)

		require.NoError(t, job.Complete(now, "/out/a.mkv"))
		assert.Equal(t, JobStatusCompleted, job.Status)
		assert.Equal(t, "/out/a.mkv", job.OutputPath)
		assert.InDelta(t, 1.0, job.Progress, 1e-9)
		assert.NotNil(t, job.FinishedAt)
		assert.Empty(t, job.ErrorMessage)
	})

	t.Run("failure always carries a message", func(t *testing.T) {
		job := newTestJob(t, "/a.mp4")
		require.NoError(t, job.Start(now))
		require.NoError(t, job.Fail(now, "  "))
		assert.Equal(t, defaultFailureMessage, job.ErrorMessage)
	})

	t.Run("terminal states are sticky", func(t *testing.T) {
		for _, finish := range []func(*Job) error{
			func(j *Job) error { return j.Complete(now, "") },
			func(j *Job) error { return j.Fail(now, "x") },
			func(j *Job) error { return j.Cancel(now) },
		} {
			job := newTestJob(t, "/a.mp4")
			require.NoError(t, job.Start(now))
			require.NoError(t, finish(job))

			assert.ErrorIs(t, job.Start(now), ErrInvalidTransition)
			assert.ErrorIs(t, job.Cancel(now), ErrInvalidTransition)
			assert.ErrorIs(t, job.Complete(now, ""), ErrInvalidTransition)
			assert.ErrorIs(t, job.Requeue(), ErrInvalidTransition)
		}
	})

	t.Run("pending cannot complete", func(t *testing.T) {
		job := newTestJob(t, "/a.mp4")
		assert.ErrorIs(t, job.Complete(now, ""), ErrInvalidTransition)
		assert.ErrorIs(t, job.Fail(now, "x"), ErrInvalidTransition)
	})

	t.Run("requeue clears start", func(t *testing.T) {
		job := newTestJob(t, "/a.mp4")
		require.NoError(t, job.Start(now))
		job.Progress = 0.4
		require.NoError(t, job.Requeue())
		assert.Equal(t, JobStatusPending, job.Status)
		assert.Nil(t, job.StartedAt)
		assert.Zero(t, job.Progress)
		assert.Equal(t, 1, job.Attempts)
	})
}

func TestJob_Clone(t *testing.T) {
	job := newTestJob(t, "/a.mp4")
	job.Warnings = []string{"one"}
	require.NoError(t, job.Start(time.Now()))

	c := job.Clone()
	c.Warnings[0] = "changed"
	*c.StartedAt = time.Time{}

	assert.Equal(t, "one", job.Warnings[0])
	assert.False(t, job.StartedAt.IsZero())
}
