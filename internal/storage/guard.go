package storage

import (
	"errors"
	"fmt"
	"os"

	"github.com/gofrs/flock"
)

// ErrWriterLockHeld is returned when another process already holds the
// single-writer lock for this database file.
var ErrWriterLockHeld = errors.New("another process is already writing to this database")

// WriterGuard is an OS-level advisory lock enforcing spec.md §4.2's
// single-writer invariant: at most one telemetryd process may hold an open
// write connection to a given database file at a time.
type WriterGuard struct {
	lock *flock.Flock
	path string
}

// AcquireWriterGuard attempts a non-blocking exclusive lock on path. If the
// lock is already held, it returns ErrWriterLockHeld naming the lock file.
// On success it writes the current PID into the lock file (best-effort);
// that PID is not read back or included in the error.
func AcquireWriterGuard(path string) (*WriterGuard, error) {
	lock := flock.New(path)

	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire writer lock %s: %w", path, err)
	}

	if !locked {
		return nil, fmt.Errorf("%w: lock file %s", ErrWriterLockHeld, path)
	}

	if f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600); err == nil {
		_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
		_ = f.Close()
	}

	return &WriterGuard{lock: lock, path: path}, nil
}

// Release unlocks and removes the lock file. Safe to call once; callers
// typically defer it right after a successful AcquireWriterGuard.
func (g *WriterGuard) Release() error {
	if err := g.lock.Unlock(); err != nil {
		return fmt.Errorf("failed to release writer lock %s: %w", g.path, err)
	}

	_ = os.Remove(g.path)

	return nil
}
