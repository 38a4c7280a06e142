package main

import (
	"fmt"

	"github.com/gofrs/flock"
)

// singleInstanceLock keeps a single agentd running per lock file,
// grounded on surge's AcquireLock/ReleaseLock pair in cmd/server.go
// (there declared but never wired to a real lock implementation).
type singleInstanceLock struct {
	fl *flock.Flock
}

// acquireLock takes an exclusive, non-blocking lock on path. A false
// acquired return means another agentd instance already holds it.
func acquireLock(path string) (*singleInstanceLock, bool, error) {
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !locked {
		return nil, false, nil
	}
	return &singleInstanceLock{fl: fl}, true, nil
}

func (l *singleInstanceLock) release() error {
	return l.fl.Unlock()
}
