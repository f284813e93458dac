// Package cond provides a condition variable whose Wait can be interrupted
// through a context. Signals are never queued: a Signal with no waiter is
// lost, exactly like sync.Cond.
package cond

import (
	"context"
	"fmt"
	"sync"

	concorderrors "github.com/mirkobrombin/go-concord/v1/errors"
)

// Cond is bound to a single Locker for its whole life. Callers must hold L
// when calling Wait, Signal or Broadcast.
type Cond struct {
	L sync.Locker

	mu      sync.Mutex
	waiters []chan struct{}
}

// New returns a Cond bound to l.
func New(l sync.Locker) *Cond {
	return &Cond{L: l}
}

// Wait atomically unlocks L and suspends the caller until Signal or
// Broadcast wakes it. L is locked again before Wait returns, on every path.
//
// If ctx is done first Wait returns ErrInterrupted. A wake-up racing with
// the interruption wins: the signal is consumed and Wait returns nil.
func (c *Cond) Wait(ctx context.Context) error {
	ch := make(chan struct{})
	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	c.L.Unlock()
	var err error
	select {
	case <-ch:
	case <-ctx.Done():
		if c.remove(ch) {
			err = fmt.Errorf("%w: %w", concorderrors.ErrInterrupted, ctx.Err())
		}
	}
	c.L.Lock()
	return err
}

// Signal wakes the longest-waiting goroutine, if any.
func (c *Cond) Signal() {
	c.mu.Lock()
	if len(c.waiters) > 0 {
		ch := c.waiters[0]
		c.waiters[0] = nil
		c.waiters = c.waiters[1:]
		close(ch)
	}
	c.mu.Unlock()
}

// Broadcast wakes every waiting goroutine.
func (c *Cond) Broadcast() {
	c.mu.Lock()
	for _, ch := range c.waiters {
		close(ch)
	}
	c.waiters = nil
	c.mu.Unlock()
}

// Waiters reports how many goroutines are suspended in Wait.
func (c *Cond) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// remove drops ch from the wait list. It reports false when ch was already
// taken by Signal or Broadcast.
func (c *Cond) remove(ch chan struct{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		if w == ch {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return true
		}
	}
	return false
}
