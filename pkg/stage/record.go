package stage

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/loykin/stagebuild/pkg/artifact"
	"github.com/loykin/stagebuild/pkg/builderr"
)

// Status is the lifecycle state of a stage within one run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// SkipReason says why a stage was skipped.
type SkipReason string

const (
	SkipUnchanged        SkipReason = "unchanged"
	SkipDependencyFailed SkipReason = "dependency-failed"
	SkipCanceled         SkipReason = "canceled"
)

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusSkipped},
	StatusRunning: {StatusSucceeded, StatusFailed},
}

// Record is the outcome of one stage in one run.
type Record struct {
	Stage       string              `json:"stage"`
	Status      Status              `json:"status"`
	SkipReason  SkipReason          `json:"skip_reason,omitempty"`
	Cause       builderr.Kind       `json:"cause,omitempty"`
	Err         error               `json:"-"`
	ExitCode    int                 `json:"exit_code"`
	Fingerprint string              `json:"fingerprint,omitempty"`
	StartedAt   time.Time           `json:"started_at,omitempty"`
	FinishedAt  time.Time           `json:"finished_at,omitempty"`
	Duration    time.Duration       `json:"duration"`
	Stdout      string              `json:"-"` // tail of captured stdout
	Stderr      string              `json:"-"` // tail of captured stderr
	StdoutLog   string              `json:"stdout_log,omitempty"`
	StderrLog   string              `json:"stderr_log,omitempty"`
	Artifacts   []artifact.Artifact `json:"artifacts,omitempty"`
}

// NewRecord returns a pending record. ExitCode is -1 until a process exits.
func NewRecord(name string) *Record {
	return &Record{Stage: name, Status: StatusPending, ExitCode: -1}
}

// Transition moves the record to another status, rejecting anything other
// than pending->running, pending->skipped, running->succeeded and running->failed.
func (r *Record) Transition(to Status) error {
	for _, allowed := range transitions[r.Status] {
		if allowed == to {
			r.Status = to
			return nil
		}
	}
	return errors.Newf("stage %s: invalid transition %s -> %s", r.Stage, r.Status, to)
}

// Start marks the record running.
func (r *Record) Start(now time.Time) error {
	if err := r.Transition(StatusRunning); err != nil {
		return err
	}
	r.StartedAt = now
	return nil
}

func (r *Record) finish(now time.Time) {
	r.FinishedAt = now
	if !r.StartedAt.IsZero() {
		r.Duration = now.Sub(r.StartedAt)
	}
}

// Succeed marks the record succeeded with the artifacts it registered.
func (r *Record) Succeed(now time.Time, arts []artifact.Artifact) error {
	if err := r.Transition(StatusSucceeded); err != nil {
		return err
	}
	r.finish(now)
	r.Artifacts = arts
	return nil
}

// Fail marks the record failed. Cause and exit code are taken from err.
func (r *Record) Fail(now time.Time, err error) error {
	if terr := r.Transition(StatusFailed); terr != nil {
		return terr
	}
	r.finish(now)
	r.Err = err
	r.Cause = builderr.KindOf(err)
	if code := builderr.ExitCode(err); code >= 0 {
		r.ExitCode = code
	}
	r.Artifacts = nil
	return nil
}

// Skip marks a pending record skipped.
func (r *Record) Skip(reason SkipReason) error {
	if err := r.Transition(StatusSkipped); err != nil {
		return err
	}
	r.SkipReason = reason
	return nil
}

// Failed reports whether the stage ran and failed.
func (r *Record) Failed() bool { return r.Status == StatusFailed }

// Blocking reports whether dependents of this record must not run.
func (r *Record) Blocking() bool {
	return r.Status == StatusFailed ||
		(r.Status == StatusSkipped && (r.SkipReason == SkipDependencyFailed || r.SkipReason == SkipCanceled))
}
