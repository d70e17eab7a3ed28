package main

import (
	"os"
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/loykin/stagebuild/internal/common"
	"github.com/loykin/stagebuild/internal/constants"
	"github.com/loykin/stagebuild/pkg/builderr"
)

// ExitHandler provides a testable way to handle program termination
type ExitHandler interface {
	Exit(code int)
	LogFatalError(err error, msg string, keyvals ...any)
}

// DefaultExitHandler implements ExitHandler for production use
type DefaultExitHandler struct{}

// NewDefaultExitHandler creates a new default exit handler
func NewDefaultExitHandler() *DefaultExitHandler {
	return &DefaultExitHandler{}
}

// Exit terminates the program with the given exit code
func (h *DefaultExitHandler) Exit(code int) {
	os.Exit(code)
}

// LogFatalError logs err and exits with the code it maps to. A failed run
// has already printed its report, so only the code is propagated.
func (h *DefaultExitHandler) LogFatalError(err error, msg string, keyvals ...any) {
	var ee *exitError
	if errors.As(err, &ee) {
		h.Exit(ee.code)
		return
	}
	logger := common.GetLogger().WithComponent("main")
	allKeyvals := append([]any{"error", err.Error()}, keyvals...)
	if hints := builderr.Hints(err); len(hints) > 0 {
		allKeyvals = append(allKeyvals, "hint", hints)
	}
	logger.Error(msg, allKeyvals...)
	h.Exit(exitCodeFor(err))
}

// exitError carries a run's exit code out of cobra after the report is printed.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return "exit status " + strconv.Itoa(e.code)
}

// exitCodeFor maps an error that stopped the command before or outside a run.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	kind := builderr.KindOf(err)
	switch {
	case kind.Fatal(), kind == builderr.KindUnresolvedInput:
		return constants.ExitCodeConfiguration
	case kind == builderr.KindCanceled:
		return constants.ExitCodeCanceled
	}
	return 1
}

// Global exit handler (can be replaced for testing)
var exitHandler ExitHandler = NewDefaultExitHandler()
