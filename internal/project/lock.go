package project

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/mesh-intelligence/cpd/pkg/types"
)

// LockPolicy decides what a second open or migrate of a busy project does.
type LockPolicy string

// Lock policies.
const (
	// LockWait queues behind the holder until it finishes or ctx ends.
	LockWait LockPolicy = "wait"
	// LockReject fails at once with a ConflictError.
	LockReject LockPolicy = "reject"
)

// ParseLockPolicy validates a lock policy name.
func ParseLockPolicy(s string) (LockPolicy, error) {
	switch p := LockPolicy(strings.ToLower(s)); p {
	case LockWait, LockReject:
		return p, nil
	}
	return "", types.NewError(types.KindValidation, "parse lock policy", s,
		fmt.Errorf("want %q or %q", LockWait, LockReject))
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// locks hands out one semaphore per project path. A holder also takes the
// advisory file lock beside the store so other processes queue or refuse
// the same way.
type locks struct {
	mu sync.Mutex
	m  map[string]*lockEntry
}

func newLocks() *locks {
	return &locks{m: map[string]*lockEntry{}}
}

func lockKey(path string) string {
	key := filepath.Clean(path)
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		key = strings.ToLower(key)
	}
	return key
}

func (l *locks) acquire(ctx context.Context, path string, policy LockPolicy) (func(), error) {
	key := lockKey(path)
	l.mu.Lock()
	e, ok := l.m[key]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		l.m[key] = e
	}
	e.refs++
	l.mu.Unlock()

	var err error
	if policy == LockReject {
		if !e.sem.TryAcquire(1) {
			err = types.ErrLockHeld
		}
	} else if werr := e.sem.Acquire(ctx, 1); werr != nil {
		err = fmt.Errorf("%w: %w", types.ErrLockHeld, werr)
	}
	if err != nil {
		l.drop(key, e)
		return nil, types.NewError(types.KindConflict, "lock project", path, err)
	}

	fl, err := lockFile(ctx, path, policy != LockReject)
	if err != nil {
		e.sem.Release(1)
		l.drop(key, e)
		return nil, types.NewError(types.KindConflict, "lock project", path, fmt.Errorf("%w: %w", types.ErrLockHeld, err))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			fl.release()
			e.sem.Release(1)
			l.drop(key, e)
		})
	}, nil
}

func (l *locks) drop(key string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.m, key)
	}
}
