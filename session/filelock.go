package session

import (
	"fmt"
	"os"
	"time"
)

const (
	lockAttempts   = 50
	lockRetryDelay = 100 * time.Millisecond
	lockStaleAfter = 30 * time.Second
)

// fileLock is an advisory cross-process lock held as a sibling ".lock" file.
type fileLock struct {
	f    *os.File
	path string
}

// lockSessionFile acquires the lock guarding writes to path.
// A lock file older than lockStaleAfter is treated as abandoned and removed.
func lockSessionFile(path string) (*fileLock, error) {
	lockPath := path + ".lock"

	for range lockAttempts {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d", os.Getpid())
			return &fileLock{f: f, path: lockPath}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil &&
			time.Since(info.ModTime()) > lockStaleAfter {
			if rmErr := os.Remove(lockPath); rmErr != nil && !os.IsNotExist(rmErr) {
				return nil, fmt.Errorf("failed to remove stale lock %s: %w", lockPath, rmErr)
			}
			continue
		}

		time.Sleep(lockRetryDelay)
	}

	return nil, fmt.Errorf("timed out after %v waiting for %s", lockAttempts*lockRetryDelay, lockPath)
}

func (l *fileLock) release() error {
	if l.f != nil {
		l.f.Close()
	}
	return os.Remove(l.path)
}
