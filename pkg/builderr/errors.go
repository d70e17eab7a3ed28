// Package builderr is the error taxonomy of stagebuild.
//
// Every failure the orchestrator reports carries a Kind. Errors are built on
// github.com/cockroachdb/errors so that wrapping keeps stack traces and user
// hints, while Is/As still match on Kind:
//
//	if errors.Is(err, builderr.ErrCycle) { ... }
//	kind := builderr.KindOf(err)
package builderr

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Kind classifies a failure.
type Kind string

const (
	KindConfiguration   Kind = "ConfigurationError"
	KindCycle           Kind = "CycleDetected"
	KindDuplicateStage  Kind = "DuplicateStage"
	KindUnresolvedInput Kind = "UnresolvedInput"
	KindNotFound        Kind = "NotFound"
	KindProcessFailure  Kind = "ProcessFailure"
	KindTimeout         Kind = "Timeout"
	KindIO              Kind = "IOError"
	KindCanceled        Kind = "Canceled"
)

// Fatal reports whether the kind aborts a run before any stage executes.
func (k Kind) Fatal() bool {
	return k == KindConfiguration || k == KindCycle || k == KindDuplicateStage
}

// Error is a classified stagebuild error.
type Error struct {
	Kind     Kind
	Stage    string
	Path     []string // cycle witness for KindCycle
	ExitCode int      // process exit code for KindProcessFailure, -1 when unknown
	msg      string
	cause    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Stage != "" {
		b.WriteString(" [")
		b.WriteString(e.Stage)
		b.WriteString("]")
	}
	if e.msg != "" {
		b.WriteString(": ")
		b.WriteString(e.msg)
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error with the same Kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrConfiguration   = &Error{Kind: KindConfiguration}
	ErrCycle           = &Error{Kind: KindCycle}
	ErrDuplicateStage  = &Error{Kind: KindDuplicateStage}
	ErrUnresolvedInput = &Error{Kind: KindUnresolvedInput}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrProcessFailure  = &Error{Kind: KindProcessFailure}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrIO              = &Error{Kind: KindIO}
	ErrCanceled        = &Error{Kind: KindCanceled}
)

// Configuration reports bad user input or a missing external tool.
func Configuration(format string, args ...any) error {
	return errors.WithStack(&Error{Kind: KindConfiguration, msg: fmt.Sprintf(format, args...)})
}

// MissingTool reports a required executable that is not on PATH.
func MissingTool(stage, tool string, cause error) error {
	err := &Error{Kind: KindConfiguration, Stage: stage, msg: fmt.Sprintf("required tool %q not found", tool), cause: cause}
	return errors.WithHintf(errors.WithStack(err), "install %s or add its directory to PATH", tool)
}

// Cycle reports a dependency cycle. path lists the stages with the first repeated at the end.
func Cycle(path []string) error {
	p := append([]string(nil), path...)
	return errors.WithStack(&Error{Kind: KindCycle, Path: p, msg: strings.Join(p, " -> ")})
}

// DuplicateStage reports a second stage with an existing name.
func DuplicateStage(name string) error {
	return errors.WithStack(&Error{Kind: KindDuplicateStage, Stage: name, msg: "stage already defined"})
}

// UnresolvedInput reports an input reference with no registered artifact or external.
func UnresolvedInput(stage, ref string, cause error) error {
	return errors.WithStack(&Error{Kind: KindUnresolvedInput, Stage: stage, msg: fmt.Sprintf("input %q is not available", ref), cause: cause})
}

// NotFound reports a lookup before the producing stage has run.
func NotFound(stage, name string) error {
	msg := "no artifacts registered"
	if name != "" {
		msg = fmt.Sprintf("artifact %q not registered", name)
	}
	return &Error{Kind: KindNotFound, Stage: stage, msg: msg}
}

// ProcessFailure reports a non-zero exit of the stage command.
func ProcessFailure(stage string, exitCode int, cause error) error {
	return errors.WithStack(&Error{Kind: KindProcessFailure, Stage: stage, ExitCode: exitCode, msg: fmt.Sprintf("command exited with code %d", exitCode), cause: cause})
}

// Timeout reports a stage command killed after exceeding its deadline.
func Timeout(stage string, after time.Duration) error {
	return errors.WithStack(&Error{Kind: KindTimeout, Stage: stage, ExitCode: -1, msg: fmt.Sprintf("command timed out after %s", after)})
}

// Canceled reports a stage interrupted by an external signal.
func Canceled(stage string, cause error) error {
	return errors.WithStack(&Error{Kind: KindCanceled, Stage: stage, ExitCode: -1, msg: "interrupted", cause: cause})
}

// IO reports a filesystem failure while preparing, fingerprinting, or committing a stage.
func IO(stage, op string, cause error) error {
	return errors.WithStack(&Error{Kind: KindIO, Stage: stage, msg: op, cause: cause})
}

// Wrapf adds context to err without changing its kind.
func Wrapf(err error, format string, args ...any) error {
	return errors.Wrapf(err, format, args...)
}

// KindOf returns the kind of the first classified error in err's chain, or
// the empty kind when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ExitCode returns the process exit code carried by err, or -1.
func ExitCode(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindProcessFailure {
		return e.ExitCode
	}
	return -1
}

// CyclePath returns the cycle witness carried by err, if any.
func CyclePath(err error) []string {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindCycle {
		return append([]string(nil), e.Path...)
	}
	return nil
}

// Hints returns the user-facing hints attached anywhere in err's chain.
func Hints(err error) []string {
	return errors.GetAllHints(err)
}

// Is is errors.Is from cockroachdb/errors, re-exported for callers of this package.
var Is = errors.Is
