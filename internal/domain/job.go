package domain

import (
	"encoding/json"
	"maps"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

var transitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing, JobStatusCancelled},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether the state machine allows s -> next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	return slices.Contains(transitions[s], next)
}

const defaultFailureMessage = "processing failed"

// Job is one restoration request and its lifecycle.
type Job struct {
	ID  string `json:"id"`
	Seq int64  `json:"seq"`
	Params

	Status       JobStatus  `json:"status"`
	Progress     float64    `json:"progress"`
	Attempts     int        `json:"attempts"`
	Warnings     []string   `json:"warnings"`
	Explanation  string     `json:"explanation"`
	ErrorMessage string     `json:"error_message"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at"`

	// Extra holds fields written by newer versions; they are re-emitted verbatim.
	Extra map[string]json.RawMessage `json:"-"`
}

// NewJob builds a pending job from already validated params.
func NewJob(id string, params Params, now time.Time) *Job {
	return &Job{
		ID:        id,
		Params:    params,
		Status:    JobStatusPending,
		CreatedAt: now.UTC().Round(0),
	}
}

func (j *Job) transition(next JobStatus) error {
	if !j.Status.CanTransition(next) {
		return errors.Wrapf(ErrInvalidTransition, "job %s: %s -> %s", j.ID, j.Status, next)
	}
	j.Status = next
	return nil
}

// Start moves a pending job to processing.
func (j *Job) Start(now time.Time) error {
	if err := j.transition(JobStatusProcessing); err != nil {
		return err
	}
	t := now.UTC().Round(0)
	j.StartedAt = &t
	j.Progress = 0
	j.Attempts++
	return nil
}

// Complete records success. A non-empty output replaces the planned output path.
func (j *Job) Complete(now time.Time, output string) error {
	if err := j.transition(JobStatusCompleted); err != nil {
		return err
	}
	if output != "" {
		j.OutputPath = output
	}
	j.Progress = 1
	j.finish(now)
	return nil
}

func (j *Job) Fail(now time.Time, message string) error {
	if err := j.transition(JobStatusFailed); err != nil {
		return err
	}
	if strings.TrimSpace(message) == "" {
		message = defaultFailureMessage
	}
	j.ErrorMessage = message
	j.finish(now)
	return nil
}

func (j *Job) Cancel(now time.Time) error {
	if err := j.transition(JobStatusCancelled); err != nil {
		return err
	}
	j.finish(now)
	return nil
}

// Requeue returns a job interrupted mid-flight to pending. It is only legal
// when rebuilding the queue from storage.
func (j *Job) Requeue() error {
	if j.Status != JobStatusProcessing {
		return errors.Wrapf(ErrInvalidTransition, "job %s: requeue from %s", j.ID, j.Status)
	}
	j.Status = JobStatusPending
	j.StartedAt = nil
	j.Progress = 0
	return nil
}

func (j *Job) finish(now time.Time) {
	t := now.UTC().Round(0)
	j.FinishedAt = &t
}

// Clone returns a deep copy safe to hand to readers.
func (j *Job) Clone() *Job {
	c := *j
	c.Warnings = slices.Clone(j.Warnings)
	c.Extra = maps.Clone(j.Extra)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

type jobAlias Job

var knownJobFields = jsonFieldNames(reflect.TypeFor[jobAlias]())

func (j Job) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(jobAlias(j))
	if err != nil || len(j.Extra) == 0 {
		return data, err
	}

	merged := make(map[string]json.RawMessage, len(knownJobFields)+len(j.Extra))
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range j.Extra {
		if _, known := knownJobFields[strings.ToLower(k)]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes over the defaults so that missing fields take their
// default value, and keeps unknown fields in Extra. Anything Marshal wrote
// decodes back unchanged.
func (j *Job) UnmarshalJSON(data []byte) error {
	alias := jobAlias{Params: DefaultParams(), Status: JobStatusPending}
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var extra map[string]json.RawMessage
	hasOutput := false
	for k, v := range raw {
		if _, known := knownJobFields[strings.ToLower(k)]; known {
			hasOutput = hasOutput || strings.EqualFold(k, "output_path")
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = v
	}

	*j = Job(alias)
	j.Extra = extra
	// Only an absent output path is derived; decoded values are kept as written.
	if !hasOutput {
		j.OutputPath = DefaultOutputPath(j.InputSource)
	}
	if !j.Status.Valid() {
		return errors.Newf("job %s: unknown status %q", j.ID, j.Status)
	}
	return nil
}

func jsonFieldNames(t reflect.Type) map[string]struct{} {
	names := make(map[string]struct{})
	for i := range t.NumField() {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		if f.Anonymous && tag == "" {
			maps.Copy(names, jsonFieldNames(f.Type))
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		if name == "" {
			name = f.Name
		}
		names[strings.ToLower(name)] = struct{}{}
	}
	return names
}
