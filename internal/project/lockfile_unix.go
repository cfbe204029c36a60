//go:build unix

package project

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// lockPollInterval is how often a waiting open retries the file lock.
const lockPollInterval = 100 * time.Millisecond

// fileLock is an advisory flock on <store>.lock held for the length of an
// open, create or recovery. It keeps separate cpd processes off the same
// store.
type fileLock struct {
	path string
	f    *os.File
}

func lockFilePath(store string) string { return store + ".lock" }

// lockFile takes the flock beside store. It returns a nil lock when the
// store's directory does not exist yet, since there is then nothing on
// disk for another process to contend over.
func lockFile(ctx context.Context, store string, wait bool) (*fileLock, error) {
	path := lockFilePath(store)
	if _, err := os.Stat(filepath.Dir(path)); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	for {
		l, held, err := tryLockFile(path)
		if err != nil || !held {
			return l, err
		}
		if !wait {
			return nil, errLockBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

var errLockBusy = errors.New("held by another process")

// tryLockFile makes one non-blocking attempt. held reports that another
// process owns the lock.
func tryLockFile(path string) (l *fileLock, held bool, err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, false, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("flock: %w", err)
	}
	// The previous holder removes the file on release; a lock on an
	// unlinked inode guards nothing, so start over on the new file.
	if !sameFile(f, path) {
		f.Close()
		return tryLockFile(path)
	}
	_ = f.Truncate(0)
	_, _ = fmt.Fprintf(f, "%d %d\n", os.Getpid(), time.Now().Unix())
	return &fileLock{path: path, f: f}, false, nil
}

func sameFile(f *os.File, path string) bool {
	held, err := f.Stat()
	if err != nil {
		return false
	}
	onDisk, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(held, onDisk)
}

func (l *fileLock) release() {
	if l == nil {
		return
	}
	_ = os.Remove(l.path)
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	_ = l.f.Close()
}
