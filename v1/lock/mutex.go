package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	concorderrors "github.com/mirkobrombin/go-concord/v1/errors"
)

// Mutex binds a single key of a Locker. It is the handle workers hold on to
// for the lifetime of a run.
type Mutex struct {
	locker Locker
	key    string
	ttl    time.Duration
}

// NewMutex returns a handle on key. ttl is passed to every TryLock.
func NewMutex(l Locker, key string, ttl time.Duration) *Mutex {
	return &Mutex{locker: l, key: key, ttl: ttl}
}

// Key returns the lock name.
func (m *Mutex) Key() string { return m.key }

// TryAcquire attempts to take the lock without waiting.
func (m *Mutex) TryAcquire(ctx context.Context) (bool, error) {
	return m.locker.TryLock(ctx, m.key, m.ttl)
}

// Release frees the lock.
func (m *Mutex) Release(ctx context.Context) error {
	return m.locker.Release(ctx, m.key)
}

// Local is a process-local mutex. It satisfies sync.Locker as well as the
// TryAcquire/Release handle shape used by Mutex.
type Local struct {
	key  string
	mu   sync.Mutex
	held atomic.Bool
}

// NewLocal returns an unlocked Local named key.
func NewLocal(key string) *Local {
	return &Local{key: key}
}

// Key returns the lock name.
func (l *Local) Key() string { return l.key }

// TryAcquire never blocks and never fails.
func (l *Local) TryAcquire(context.Context) (bool, error) {
	if !l.mu.TryLock() {
		return false, nil
	}
	l.held.Store(true)
	return true, nil
}

// Release returns ErrNotHeld instead of panicking on an unlocked mutex.
func (l *Local) Release(context.Context) error {
	if !l.held.CompareAndSwap(true, false) {
		return concorderrors.ErrNotHeld
	}
	l.mu.Unlock()
	return nil
}

// Lock blocks until the mutex is held.
func (l *Local) Lock() {
	l.mu.Lock()
	l.held.Store(true)
}

// Unlock releases the mutex.
func (l *Local) Unlock() {
	l.held.Store(false)
	l.mu.Unlock()
}

// Held reports whether the mutex is currently locked.
func (l *Local) Held() bool { return l.held.Load() }
