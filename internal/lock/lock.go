// Package lock serializes settlement cycles per group.
//
// Two cycles for the same group must never overlap. Locks are try-locks:
// a caller that finds the group busy gets ErrHeld immediately instead of
// queueing behind the running cycle.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrHeld is returned when the key is already locked.
var ErrHeld = errors.New("lock already held")

// ErrEmptyKey is returned for an empty lock key.
var ErrEmptyKey = errors.New("lock key cannot be empty")

// Unlock releases a held lock.
type Unlock func(ctx context.Context) error

// Locker acquires per-key locks.
type Locker interface {
	TryLock(ctx context.Context, key string) (Unlock, error)
}

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal returns an empty in-process locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

// TryLock implements Locker.
func (l *Local) TryLock(_ context.Context, key string) (Unlock, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, ErrHeld
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
		return nil
	}, nil
}
