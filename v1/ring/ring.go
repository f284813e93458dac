package ring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-concord/v1/backoff"
	concorderrors "github.com/mirkobrombin/go-concord/v1/errors"
	"github.com/mirkobrombin/go-concord/v1/journal"
	"github.com/mirkobrombin/go-concord/v1/lock"
	"github.com/mirkobrombin/go-concord/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-concord/v1/ring")

// Component names ring events in the journal and in metrics.
const Component = "ring"

// Worker is one seat of the ring.
type Worker struct {
	// ID is the 0 based seat index. Events show ID+1.
	ID    int
	Left  Resource
	Right Resource
}

// Name returns the display name of the worker.
func (w Worker) Name() string {
	return fmt.Sprintf("Philosopher %d", w.ID+1)
}

// Ring owns the resources and workers of one run.
type Ring struct {
	opts      Options
	resources []Resource
	workers   []Worker
	journal   *journal.Journal

	sleep        backoff.Sleeper
	newPolicy    func() backoff.Policy
	metrics      *metrics.Ring
	traceEnabled bool
}

// New seats one worker per resource. Worker i uses resources[LeftIndex(i, n)]
// and resources[RightIndex(i, n)].
func New(resources []Resource, opts Options, j *journal.Journal, extra ...Option) (*Ring, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	n := len(resources)
	if n < 2 {
		return nil, fmt.Errorf("ring: %d resources: %w", n, concorderrors.ErrInvalidArg)
	}
	if opts.Workers != 0 && opts.Workers != n {
		return nil, fmt.Errorf("ring: %d workers for %d resources: %w", opts.Workers, n, concorderrors.ErrInvalidArg)
	}
	opts.Workers = n
	if _, err := opts.policy(); err != nil {
		return nil, err
	}

	r := &Ring{
		opts:      opts,
		resources: resources,
		journal:   j,
		sleep:     backoff.Sleep,
	}
	for _, opt := range extra {
		opt(r)
	}
	if r.newPolicy == nil {
		r.newPolicy = func() backoff.Policy {
			p, _ := opts.policy()
			return p
		}
	}
	r.workers = make([]Worker, n)
	for i := range r.workers {
		r.workers[i] = Worker{
			ID:    i,
			Left:  resources[LeftIndex(i, n)],
			Right: resources[RightIndex(i, n)],
		}
	}
	return r, nil
}

// NewLocal builds a ring of n process-local resources.
func NewLocal(n int, opts Options, j *journal.Journal, extra ...Option) (*Ring, error) {
	if n < 0 {
		n = 0
	}
	resources := make([]Resource, n)
	for i := range resources {
		resources[i] = lock.NewLocal(fmt.Sprintf("chopstick-%d", i+1))
	}
	return New(resources, opts, j, extra...)
}

// Workers returns the seats of the ring.
func (r *Ring) Workers() []Worker {
	out := make([]Worker, len(r.workers))
	copy(out, r.workers)
	return out
}

// Resources returns the resources of the ring in seat order.
func (r *Ring) Resources() []Resource {
	out := make([]Resource, len(r.resources))
	copy(out, r.resources)
	return out
}

// Options returns the options the ring runs with.
func (r *Ring) Options() Options {
	return r.opts
}

// Run starts every worker and waits until all of them completed their
// meals. Cancelling ctx only interrupts backoff sleeps; a worker returns
// early only on a backend error, which Run reports.
func (r *Ring) Run(ctx context.Context) error {
	metrics.RunsCounter.WithLabelValues(Component).Inc()
	r.journal.Emitf(ctx, Component, 0, journal.KindStart, "Dinner is starting!")

	var g errgroup.Group
	for _, w := range r.workers {
		w := w
		policy := r.newPolicy()
		g.Go(func() error {
			metrics.WorkersGauge.WithLabelValues(Component).Inc()
			defer metrics.WorkersGauge.WithLabelValues(Component).Dec()
			return r.dine(ctx, w, policy)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	r.journal.Emitf(ctx, Component, 0, journal.KindDone, "Dinner is over!")
	return nil
}

func (r *Ring) dine(ctx context.Context, w Worker, policy backoff.Policy) error {
	for meal := 1; meal <= r.opts.Meals; meal++ {
		if err := r.meal(ctx, w, policy, meal); err != nil {
			return fmt.Errorf("%s meal %d: %w", w.Name(), meal, err)
		}
	}
	return nil
}

func (r *Ring) meal(ctx context.Context, w Worker, policy backoff.Policy, meal int) (err error) {
	if r.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "Ring.Meal", trace.WithAttributes(
			attribute.Int("concord.ring.worker", w.ID+1),
			attribute.Int("concord.ring.meal", meal),
			attribute.String("concord.ring.left", w.Left.Key()),
			attribute.String("concord.ring.right", w.Right.Key()),
		))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}

	name := w.Name()
	hooks := pairHooks{
		leftTaken: func() {
			r.journal.Emitf(ctx, Component, w.ID+1, journal.KindPickLeft, "%s picks up left chopstick.", name)
		},
		rollback: func() {
			r.journal.Emitf(ctx, Component, w.ID+1, journal.KindRollback, "%s puts down left chopstick because the right one is taken.", name)
		},
		rightTaken: func() {
			r.journal.Emitf(ctx, Component, w.ID+1, journal.KindPickRight, "%s picks up right chopstick.", name)
		},
	}

	policy.Reset()
	attempts := 0
	for {
		attempts++
		att, err := attemptPair(ctx, w.Left, w.Right, hooks)
		if err != nil {
			return err
		}
		if att.Acquired {
			r.metrics.ObserveAttempt(metrics.ResultAcquired)
			break
		}
		if att.HeldLeftOnly {
			r.metrics.ObserveAttempt(metrics.ResultRollback)
		} else {
			r.metrics.ObserveAttempt(metrics.ResultLeftBusy)
		}

		d := policy.Next()
		r.metrics.ObserveBackoff(d)
		r.journal.Emit(ctx, journal.Event{
			Component: Component,
			Worker:    w.ID + 1,
			Kind:      journal.KindBackoff,
			Text:      fmt.Sprintf("%s failed to get both chopsticks and is waiting for %d ms", name, d.Milliseconds()),
			Delay:     d,
		})
		slog.Debug("ring backoff", "worker", w.ID+1, "meal", meal, "attempt", attempts, "delay", d)
		r.pause(ctx, w, d)
	}

	start := time.Now()
	r.journal.Emitf(ctx, Component, w.ID+1, journal.KindUse, "%s eats.", name)
	r.pause(ctx, w, r.opts.EatDuration)

	r.journal.Emitf(ctx, Component, w.ID+1, journal.KindPutRight, "%s puts down right chopstick.", name)
	rerr := w.Right.Release(ctx)
	if rerr != nil {
		rerr = fmt.Errorf("ring: release %s: %w", w.Right.Key(), rerr)
	}
	r.journal.Emitf(ctx, Component, w.ID+1, journal.KindPutLeft, "%s puts down left chopstick.", name)
	if err := w.Left.Release(ctx); err != nil {
		rerr = errors.Join(rerr, fmt.Errorf("ring: release %s: %w", w.Left.Key(), err))
	}
	if rerr != nil {
		return rerr
	}
	r.metrics.ObserveCycle(time.Since(start))
	return nil
}

// pause sleeps for d. An interrupted sleep counts as elapsed.
func (r *Ring) pause(ctx context.Context, w Worker, d time.Duration) {
	if d <= 0 {
		return
	}
	if err := r.sleep(ctx, d); err != nil {
		slog.Warn("ring sleep interrupted", "worker", w.ID+1, "delay", d, "error", err)
		metrics.InterruptionsCounter.WithLabelValues(Component).Inc()
		r.journal.Emitf(ctx, Component, w.ID+1, journal.KindInterrupted, "%s was interrupted while waiting.", w.Name())
	}
}
