package ring

import (
	"fmt"
	"time"

	"github.com/mirkobrombin/go-concord/v1/backoff"
	concorderrors "github.com/mirkobrombin/go-concord/v1/errors"
	"github.com/mirkobrombin/go-concord/v1/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Options configures a Ring.
type Options struct {
	// Workers is the number of seats. Zero takes the number of resources.
	Workers int
	// Meals is how many acquire, use, release cycles each worker completes.
	Meals int
	// BaseDelay is the first backoff delay of every cycle.
	BaseDelay time.Duration
	// MaxDelay caps backoff delays. Zero leaves them uncapped.
	MaxDelay time.Duration
	// Jitter randomizes backoff delays within [d/2, 3d/2].
	Jitter bool
	// EatDuration is how long both resources are held per cycle.
	EatDuration time.Duration
}

// DefaultWorkers is the number of seats of the classic dinner.
const DefaultWorkers = 5

// DefaultOptions returns five meals per worker. Workers is left at zero so
// the options fit a ring of any size.
func DefaultOptions() Options {
	return Options{
		Meals:     5,
		BaseDelay: backoff.DefaultBase,
	}
}

// Validate reports options the ring cannot run with.
func (o Options) Validate() error {
	switch {
	case o.Workers != 0 && o.Workers < 2:
		return fmt.Errorf("ring: %d workers: %w", o.Workers, concorderrors.ErrInvalidArg)
	case o.Meals < 0:
		return fmt.Errorf("ring: %d meals: %w", o.Meals, concorderrors.ErrInvalidArg)
	case o.BaseDelay <= 0:
		return fmt.Errorf("ring: base delay %v: %w", o.BaseDelay, concorderrors.ErrInvalidArg)
	case o.MaxDelay < 0 || (o.MaxDelay > 0 && o.MaxDelay < o.BaseDelay):
		return fmt.Errorf("ring: max delay %v: %w", o.MaxDelay, concorderrors.ErrInvalidArg)
	case o.EatDuration < 0:
		return fmt.Errorf("ring: eat duration %v: %w", o.EatDuration, concorderrors.ErrInvalidArg)
	}
	return nil
}

func (o Options) policy() (backoff.Policy, error) {
	var opts []backoff.Option
	if o.MaxDelay > 0 {
		opts = append(opts, backoff.WithMax(o.MaxDelay))
	}
	if o.Jitter {
		opts = append(opts, backoff.WithJitter())
	}
	return backoff.NewExponential(o.BaseDelay, opts...)
}

// Option configures optional Ring behaviour.
type Option func(*Ring)

// WithSleeper replaces backoff.Sleep, e.g. to run without real delays.
func WithSleeper(s backoff.Sleeper) Option {
	return func(r *Ring) {
		r.sleep = s
	}
}

// WithBackoff replaces the exponential policy built from Options. newPolicy
// is called once per worker.
func WithBackoff(newPolicy func() backoff.Policy) Option {
	return func(r *Ring) {
		r.newPolicy = newPolicy
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(r *Ring) {
		r.metrics = metrics.NewRing(reg)
	}
}

// WithTracing enables OpenTelemetry spans for every cycle.
func WithTracing() Option {
	return func(r *Ring) {
		r.traceEnabled = true
	}
}
