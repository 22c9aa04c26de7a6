package daemon

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ErrAlreadyRunning indicates another process holds the state directory
// lock.
var ErrAlreadyRunning = errors.New("another instance is already running")

// fileLock is an advisory flock on the state directory's lock file,
// making the state directory process-exclusive.
type fileLock struct {
	f    *os.File
	path string
}

func acquireLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: lock held on %s", ErrAlreadyRunning, path)
	}

	// Best-effort pid note for operators; the flock is what matters.
	_ = f.Truncate(0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())

	return &fileLock{f: f, path: path}, nil
}

func (l *fileLock) Release() {
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	_ = l.f.Close()
	_ = os.Remove(l.path)
}
