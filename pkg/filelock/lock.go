// Package filelock provides the read-modify-write-rename discipline
// required for every file concurrently written by multiple hook
// processes: rate-state, the trust ledger, and cache entries. The default
// backend is an OS-level exclusive lock via gofrs/flock; when
// AEGIS_REDIS_URL is configured, a Redis-backed lock is used instead so
// the same discipline holds across hosts sharing one budget (the
// filesystem remains the source of truth; Redis only serializes access to
// it).
package filelock

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

// Locker serializes a read-modify-write critical section against a named
// resource (typically a file path).
type Locker interface {
	// WithLock acquires the lock for name, runs fn, and releases the lock
	// even if fn panics or returns an error.
	WithLock(ctx context.Context, name string, fn func() error) error
}

// FileLocker is the default Locker: one flock-backed lock file per
// resource name, suffixed ".lock" so it never collides with the resource
// itself.
type FileLocker struct {
	retryDelay time.Duration
}

// NewFileLocker returns a FileLocker that polls for the lock every 20ms.
func NewFileLocker() *FileLocker {
	return &FileLocker{retryDelay: 20 * time.Millisecond}
}

func (l *FileLocker) WithLock(ctx context.Context, name string, fn func() error) error {
	fl := flock.New(name + ".lock")
	locked, err := fl.TryLockContext(ctx, l.retryDelay)
	if err != nil {
		return fmt.Errorf("filelock: acquire %s: %w", name, err)
	}
	if !locked {
		return fmt.Errorf("filelock: could not acquire %s", name)
	}
	defer func() { _ = fl.Unlock() }()

	return fn()
}
