//go:build !unix

package project

import (
	"context"
	"errors"
)

// fileLock is a no-op where flock is unavailable; the in-process
// semaphore is the only guard.
type fileLock struct{}

var errLockBusy = errors.New("held by another process")

func lockFilePath(store string) string { return store + ".lock" }

func lockFile(context.Context, string, bool) (*fileLock, error) { return nil, nil }

func (l *fileLock) release() {}
