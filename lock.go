package stagebuild

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"github.com/loykin/stagebuild/internal/constants"
	"github.com/loykin/stagebuild/pkg/builderr"
)

// ErrBuildDirLocked is returned when another invocation holds the build directory.
var ErrBuildDirLocked = errors.New("build directory is in use by another stagebuild process")

type dirLock struct {
	f *os.File
}

// lockBuildDir takes an exclusive, non-blocking flock on <dir>/.stagebuild.lock.
func lockBuildDir(dir string) (*dirLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, builderr.IO("", "create build directory", err)
	}
	path := filepath.Join(dir, constants.LockFileName)
	// #nosec G304 -- path is derived from the configured build directory
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, builderr.IO("", "open lock file", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errors.WithHintf(errors.Mark(builderr.Configuration("%s is locked", dir), ErrBuildDirLocked),
				"wait for the other run to finish or use a different --build directory")
		}
		return nil, builderr.IO("", "lock build directory", err)
	}
	return &dirLock{f: f}, nil
}

func (l *dirLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
