package executor

import (
	"context"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

var (
	errTimedOut    = errors.New("process timed out")
	errInterrupted = errors.New("process interrupted")
)

// waitDelay bounds how long Wait keeps copying output after the process
// group was killed.
const waitDelay = 5 * time.Second

type process struct {
	argv    []string
	dir     string
	env     []string
	stdout  io.Writer
	stderr  io.Writer
	timeout time.Duration
}

// spawn runs one process in its own process group and waits for it. On
// timeout or cancellation the whole group is killed. The returned code is
// the exit status, or -1 when the process did not exit on its own.
func spawn(ctx context.Context, p process) (int, error) {
	runCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, p.argv[0], p.argv[1:]...) // #nosec G204 -- stage commands come from the pipeline definition
	cmd.Dir = p.dir
	cmd.Env = p.env
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		return -1, errors.Wrap(err, "start")
	}
	waitErr := cmd.Wait()

	// The command may exit on its own at the instant the deadline fires;
	// a clean exit wins.
	if waitErr != nil {
		switch {
		case ctx.Err() != nil:
			return -1, errors.Mark(waitErr, errInterrupted)
		case runCtx.Err() != nil:
			return -1, errors.Mark(waitErr, errTimedOut)
		}
	}
	if waitErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode(), waitErr
	}
	return -1, waitErr
}
