// Package lock provides the two host-level exclusion primitives used by stackctl:
// a blocking advisory file lock guarding registry read-modify-write cycles, and
// a rejecting marker lock that keeps long-running utilities to one run at a time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// pollInterval is how often a contended FileLock retries.
const pollInterval = 50 * time.Millisecond

// FileLock is an exclusive advisory lock on a sidecar file.
type FileLock struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// NewFileLock returns a lock on the file at path. The file is created on
// first acquisition and never removed.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Path returns the sidecar file path.
func (l *FileLock) Path() string {
	return l.path
}

// Lock blocks until the lock is held or ctx is done. Contention is never an
// error; only cancellation or an I/O failure returns one.
func (l *FileLock) Lock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return errors.New("lock already held by this process")
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open lock file %s: %w", l.path, err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		acquired, err := tryLock(f)
		if err != nil {
			f.Close()
			return fmt.Errorf("failed to lock %s: %w", l.path, err)
		}
		if acquired {
			l.file = f
			return nil
		}

		select {
		case <-ctx.Done():
			f.Close()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Unlock releases the lock. Unlocking a lock that is not held is a no-op.
func (l *FileLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	err := unlock(l.file)
	if closeErr := l.file.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	l.file = nil
	return err
}

// WithLock runs fn while holding the lock.
func (l *FileLock) WithLock(ctx context.Context, fn func() error) error {
	if err := l.Lock(ctx); err != nil {
		return err
	}
	defer l.Unlock()
	return fn()
}
