package ring

import (
	"context"
	"errors"
	"fmt"
)

// Resource is an exclusive resource that can be taken without blocking.
// lock.Local and lock.Mutex implement it.
type Resource interface {
	Key() string
	// TryAcquire takes the resource and returns true, or returns false
	// without side effects.
	TryAcquire(ctx context.Context) (bool, error)
	// Release frees a resource taken by the caller.
	Release(ctx context.Context) error
}

// Attempt is the outcome of one AttemptPair call.
type Attempt struct {
	// Acquired reports that both resources are now held.
	Acquired bool
	// HeldLeftOnly reports that left was taken and put back because right
	// was busy. Nothing is held afterwards.
	HeldLeftOnly bool
}

// LeftIndex returns the index of the left resource of worker id in a ring of n.
func LeftIndex(id, n int) int {
	return id % n
}

// RightIndex returns the index of the right resource of worker id in a ring
// of n. Worker 0 shares its right resource with worker n-1's left one.
func RightIndex(id, n int) int {
	return (id - 1 + n) % n
}

// AttemptPair tries to take left and then right without blocking. Unless
// both are acquired, AttemptPair returns with neither held; that includes
// backend errors, after which it releases whatever it took.
func AttemptPair(ctx context.Context, left, right Resource) (Attempt, error) {
	return attemptPair(ctx, left, right, pairHooks{})
}

// pairHooks observe the intermediate states of an attempt.
type pairHooks struct {
	leftTaken  func()
	rollback   func()
	rightTaken func()
}

func attemptPair(ctx context.Context, left, right Resource, h pairHooks) (Attempt, error) {
	ok, err := left.TryAcquire(ctx)
	if err != nil {
		return Attempt{}, fmt.Errorf("ring: acquire %s: %w", left.Key(), err)
	}
	if !ok {
		return Attempt{}, nil
	}
	if h.leftTaken != nil {
		h.leftTaken()
	}

	ok, err = right.TryAcquire(ctx)
	if err != nil {
		err = fmt.Errorf("ring: acquire %s: %w", right.Key(), err)
		if rerr := left.Release(ctx); rerr != nil {
			err = errors.Join(err, fmt.Errorf("ring: release %s: %w", left.Key(), rerr))
		}
		return Attempt{HeldLeftOnly: true}, err
	}
	if !ok {
		if h.rollback != nil {
			h.rollback()
		}
		if err := left.Release(ctx); err != nil {
			return Attempt{HeldLeftOnly: true}, fmt.Errorf("ring: release %s: %w", left.Key(), err)
		}
		return Attempt{HeldLeftOnly: true}, nil
	}
	if h.rightTaken != nil {
		h.rightTaken()
	}
	return Attempt{Acquired: true}, nil
}
