package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/tapeworks/shelf/pkg/xerr"
)

// Lockfile is the startup mutual-exclusion file: a flock-ed regular
// file that guarantees a single daemon instance per host.
type Lockfile struct {
	path string
	file *os.File
}

// AcquireLockfile takes the exclusive lock or fails: EEXIST when
// another daemon holds it, EINVAL when the directory does not exist.
func AcquireLockfile(path string) (*Lockfile, error) {
	dir := filepath.Dir(path)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, xerr.Wrapf(xerr.EINVAL, "lock file directory %s does not exist", dir)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, xerr.Wrap(xerr.EEXIST, fmt.Errorf("lock file %s is held by another daemon", path))
	}
	return &Lockfile{path: path, file: f}, nil
}

// Release drops the lock and removes the file
func (l *Lockfile) Release() error {
	if l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

// WritePidfile records the daemon pid as decimal text
func WritePidfile(path string, pid int) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0o644)
}

// RemovePidfile deletes the pidfile, tolerating its absence
func RemovePidfile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
