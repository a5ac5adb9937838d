// Package lock provides the cross-instance advisory file lock that protects
// a data directory from concurrent Aggregator runs (spec §6).
package lock

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// DataDirLock wraps an advisory, cross-process exclusive lock over a single
// file inside a data directory. It is safe to call Release on a lock that was
// never successfully acquired, including a nil *DataDirLock.
type DataDirLock struct {
	fl *flock.Flock
}

// Acquire tries to take an exclusive, non-blocking lock on "<dataDir>/.lock".
// It returns ok=false (no error) if another instance currently holds it.
func Acquire(dataDir string) (*DataDirLock, bool, error) {
	path := filepath.Join(dataDir, ".lock")
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &DataDirLock{fl: fl}, true, nil
}

// Release drops the lock. Safe to call multiple times.
func (l *DataDirLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
