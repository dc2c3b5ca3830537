// Package filelock provides the process-wide singleton guard NodeSupervisor
// and FifoWorker each need: at most one active instance per host, enforced
// by a file lock on a well-known path. Built on golang.org/x/sys/unix's
// flock syscall wrapper.
package filelock

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock is a held, exclusive, non-blocking advisory file lock.
type Lock struct {
	f *os.File
}

// Acquire takes an exclusive non-blocking lock on path, creating it if
// necessary. Returns an error immediately if another process already holds
// it — callers (NodeSupervisor, FifoWorker startup) treat that as fatal per
// spec.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filelock: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("filelock: %s is already held: %w", path, err)
	}
	return &Lock{f: f}, nil
}

// Release unlocks and closes the underlying file. Calls after the first are
// no-ops that return nil.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
