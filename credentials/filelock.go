package credentials

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// Lock file tuning. A lock older than staleLockAge is assumed to belong to a
// crashed process and is removed.
const (
	lockRetryDelay = 100 * time.Millisecond
	lockMaxWait    = 5 * time.Second
	staleLockAge   = 30 * time.Second
)

// lockFile is an exclusive advisory lock implemented as a sibling "<path>.lock"
// file created with O_EXCL, so it works across processes without flock.
type lockFile struct {
	f    *os.File
	path string
}

// acquireLock blocks until the lock for path is held, ctx is done, or
// lockMaxWait elapses.
func acquireLock(ctx context.Context, path string) (*lockFile, error) {
	lockPath := path + ".lock"
	deadline := time.Now().Add(lockMaxWait)

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// PID for whoever has to debug a leftover lock.
			fmt.Fprintf(f, "%d", os.Getpid())
			return &lockFile{f: f, path: lockPath}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("failed to acquire file lock: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil &&
			time.Since(info.ModTime()) > staleLockAge {
			if rmErr := os.Remove(lockPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to remove stale lock file %s: %w", lockPath, rmErr)
			}
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timeout waiting for file lock after %v", lockMaxWait)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}
}

// release removes the lock file. Calling it twice returns the os.Remove error.
func (l *lockFile) release() error {
	if l.f != nil {
		l.f.Close()
		l.f = nil
	}
	return os.Remove(l.path)
}
