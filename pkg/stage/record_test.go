package stage

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/loykin/stagebuild/pkg/artifact"
	"github.com/loykin/stagebuild/pkg/builderr"
)

func TestRecord_Transitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusSkipped, true},
		{StatusRunning, StatusSucceeded, true},
		{StatusRunning, StatusFailed, true},
		{StatusPending, StatusSucceeded, false},
		{StatusPending, StatusFailed, false},
		{StatusRunning, StatusSkipped, false},
		{StatusSucceeded, StatusRunning, false},
		{StatusFailed, StatusSucceeded, false},
		{StatusSkipped, StatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			r := &Record{Stage: "s", Status: tt.from}
			err := r.Transition(tt.to)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("expected transition to be rejected")
				}
				if r.Status != tt.from {
					t.Fatalf("rejected transition changed status to %s", r.Status)
				}
			}
		})
	}
}

func TestRecord_Lifecycle(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := NewRecord("stage1")
	if r.ExitCode != -1 || r.Status != StatusPending {
		t.Fatalf("unexpected new record %+v", r)
	}
	if err := r.Start(start); err != nil {
		t.Fatal(err)
	}
	arts := []artifact.Artifact{{Stage: "stage1", Name: "bin/pd"}}
	if err := r.Succeed(start.Add(3*time.Second), arts); err != nil {
		t.Fatal(err)
	}
	if r.Duration != 3*time.Second || len(r.Artifacts) != 1 {
		t.Fatalf("unexpected record %+v", r)
	}
	if r.Blocking() {
		t.Error("succeeded record must not block dependents")
	}
}

func TestRecord_FailTakesCauseAndExitCode(t *testing.T) {
	r := NewRecord("stage2")
	_ = r.Start(time.Now())
	err := builderr.ProcessFailure("stage2", 3, errors.New("exit status 3"))
	if ferr := r.Fail(time.Now(), err); ferr != nil {
		t.Fatal(ferr)
	}
	if r.Cause != builderr.KindProcessFailure || r.ExitCode != 3 {
		t.Fatalf("cause=%s exit=%d", r.Cause, r.ExitCode)
	}
	if !r.Failed() || !r.Blocking() {
		t.Error("failed record must block dependents")
	}

	r = NewRecord("slow")
	_ = r.Start(time.Now())
	_ = r.Fail(time.Now(), builderr.Timeout("slow", time.Second))
	if r.Cause != builderr.KindTimeout || r.ExitCode != -1 {
		t.Fatalf("cause=%s exit=%d", r.Cause, r.ExitCode)
	}
}

func TestRecord_SkipReasons(t *testing.T) {
	for reason, blocking := range map[SkipReason]bool{
		SkipUnchanged:        false,
		SkipDependencyFailed: true,
		SkipCanceled:         true,
	} {
		r := NewRecord("s")
		if err := r.Skip(reason); err != nil {
			t.Fatal(err)
		}
		if r.Blocking() != blocking {
			t.Errorf("%s: Blocking() = %v, want %v", reason, r.Blocking(), blocking)
		}
	}
}
