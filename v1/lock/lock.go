package lock

import (
	"context"
	"time"
)

// Locker hands out exclusive locks identified by key. A ttl of zero means the
// lock never expires on its own.
type Locker interface {
	// TryLock attempts to obtain the lock without waiting. It returns true on
	// success and false, with no side effects, if the lock is held.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Acquire blocks until the lock is obtained or ctx is done.
	Acquire(ctx context.Context, key string, ttl time.Duration) error
	// Release frees a lock obtained through this Locker.
	Release(ctx context.Context, key string) error
}
