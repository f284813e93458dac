// Package backoff provides the delay policies used by workers that retry a
// non-blocking acquisition, and an interruptible sleep to wait them out.
package backoff

import (
	"context"
	"fmt"
	"math"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"

	concorderrors "github.com/mirkobrombin/go-concord/v1/errors"
)

// DefaultBase is the first delay handed out after a Reset.
const DefaultBase = 10 * time.Millisecond

// Policy hands out successive retry delays.
type Policy interface {
	// Next returns the delay to wait before the next attempt.
	Next() time.Duration
	// Reset rewinds the policy to its first delay.
	Reset()
}

// Sleeper waits for d or until ctx is done. A Sleeper returns
// ErrInterrupted when the wait was cut short.
type Sleeper func(ctx context.Context, d time.Duration) error

// Option configures an Exponential policy.
type Option func(*Exponential)

// WithMax caps every delay to max. Zero leaves delays uncapped.
func WithMax(max time.Duration) Option {
	return func(e *Exponential) {
		e.max = max
	}
}

// WithJitter randomizes each delay within [d/2, 3d/2]. The underlying
// delay still doubles exactly.
func WithJitter() Option {
	return func(e *Exponential) {
		e.jitter = true
	}
}

// Exponential doubles its delay on every call to Next.
// It is not safe for concurrent use; give each worker its own.
type Exponential struct {
	base   time.Duration
	max    time.Duration
	jitter bool
	b      *cbackoff.ExponentialBackOff
}

var _ Policy = (*Exponential)(nil)

// NewExponential builds an exponential policy starting at base.
func NewExponential(base time.Duration, opts ...Option) (*Exponential, error) {
	e := &Exponential{base: base}
	for _, opt := range opts {
		opt(e)
	}
	if base <= 0 {
		return nil, fmt.Errorf("backoff: base delay %v: %w", base, concorderrors.ErrInvalidArg)
	}
	if e.max < 0 || (e.max > 0 && e.max < base) {
		return nil, fmt.Errorf("backoff: max delay %v: %w", e.max, concorderrors.ErrInvalidArg)
	}

	b := cbackoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	if e.jitter {
		b.RandomizationFactor = 0.5
	}
	b.MaxInterval = time.Duration(math.MaxInt64)
	if e.max > 0 {
		b.MaxInterval = e.max
	}
	// retry forever; the caller decides when to stop
	b.MaxElapsedTime = 0
	b.Reset()
	e.b = b
	return e, nil
}

// Next implements Policy.
func (e *Exponential) Next() time.Duration {
	return e.b.NextBackOff()
}

// Reset implements Policy.
func (e *Exponential) Reset() {
	e.b.Reset()
}

// Sleep blocks for d. It returns ErrInterrupted if ctx is done first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", concorderrors.ErrInterrupted, ctx.Err())
	}
}
