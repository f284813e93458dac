// Package turn makes two workers take strict turns on a shared mutex and
// condition variable: each worker emits its message, signals its peer and
// waits to be signaled back.
package turn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-concord/v1/cond"
	concorderrors "github.com/mirkobrombin/go-concord/v1/errors"
	"github.com/mirkobrombin/go-concord/v1/journal"
	"github.com/mirkobrombin/go-concord/v1/lock"
	"github.com/mirkobrombin/go-concord/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-concord/v1/turn")

// Component names turn events in the journal and in metrics.
const Component = "turn"

// Options configures an Alternator.
type Options struct {
	// Iterations is how many turns each worker takes.
	Iterations int
	// Messages holds the message of each worker.
	Messages [2]string
}

// DefaultOptions returns three rounds of ping pong.
func DefaultOptions() Options {
	return Options{
		Iterations: 3,
		Messages:   [2]string{"Ping!", "Pong!"},
	}
}

// Validate reports options the alternator cannot run with.
func (o Options) Validate() error {
	if o.Iterations < 0 {
		return fmt.Errorf("turn: %d iterations: %w", o.Iterations, concorderrors.ErrInvalidArg)
	}
	for i, m := range o.Messages {
		if m == "" {
			return fmt.Errorf("turn: empty message for worker %d: %w", i+1, concorderrors.ErrInvalidArg)
		}
	}
	return nil
}

// Option configures optional Alternator behaviour.
type Option func(*Alternator)

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(a *Alternator) {
		a.metrics = metrics.NewTurn(reg)
	}
}

// WithTracing enables OpenTelemetry spans for every turn.
func WithTracing() Option {
	return func(a *Alternator) {
		a.traceEnabled = true
	}
}

// Worker is one of the two players.
type Worker struct {
	// ID is 0 or 1. Events show ID+1.
	ID         int
	Message    string
	Iterations int
}

// Alternator runs two workers over one mutex and one condition variable.
type Alternator struct {
	opts    Options
	mu      sync.Locker
	cond    *cond.Cond
	journal *journal.Journal
	workers [2]Worker

	metrics      *metrics.Turn
	traceEnabled bool
}

// New builds an Alternator over mu and c. c must be bound to mu.
func New(opts Options, mu sync.Locker, c *cond.Cond, j *journal.Journal, extra ...Option) (*Alternator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if mu == nil || c == nil {
		return nil, fmt.Errorf("turn: mutex and condition are required: %w", concorderrors.ErrInvalidArg)
	}
	if c.L != mu {
		return nil, fmt.Errorf("turn: condition bound to another mutex: %w", concorderrors.ErrInvalidArg)
	}
	return newAlternator(opts, mu, c, j, extra), nil
}

// NewPingPong builds the classic "Ping!" / "Pong!" alternator over a fresh
// process-local mutex. Negative iteration counts are treated as zero.
func NewPingPong(iterations int, j *journal.Journal, extra ...Option) *Alternator {
	opts := DefaultOptions()
	opts.Iterations = max(iterations, 0)
	mu := lock.NewLocal("pingpong")
	return newAlternator(opts, mu, cond.New(mu), j, extra)
}

func newAlternator(opts Options, mu sync.Locker, c *cond.Cond, j *journal.Journal, extra []Option) *Alternator {
	a := &Alternator{opts: opts, mu: mu, cond: c, journal: j}
	for i := range a.workers {
		a.workers[i] = Worker{ID: i, Message: opts.Messages[i], Iterations: opts.Iterations}
	}
	for _, opt := range extra {
		opt(a)
	}
	return a
}

// Workers returns both players.
func (a *Alternator) Workers() []Worker {
	return []Worker{a.workers[0], a.workers[1]}
}

// Run starts both workers, waits for them and emits "Done!". Cancelling ctx
// interrupts waits; interrupted turns still count.
func (a *Alternator) Run(ctx context.Context) error {
	metrics.RunsCounter.WithLabelValues(Component).Inc()
	var g errgroup.Group
	for _, w := range a.workers {
		w := w
		g.Go(func() error {
			metrics.WorkersGauge.WithLabelValues(Component).Inc()
			defer metrics.WorkersGauge.WithLabelValues(Component).Dec()
			a.play(ctx, w)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	a.journal.Emitf(ctx, Component, 0, journal.KindDone, "Done!")
	return nil
}

func (a *Alternator) play(ctx context.Context, w Worker) {
	for i := 1; i <= w.Iterations; i++ {
		a.turn(ctx, w, i)
	}
	// release a peer still waiting for our next turn
	a.mu.Lock()
	a.cond.Signal()
	a.mu.Unlock()
}

func (a *Alternator) turn(ctx context.Context, w Worker, iteration int) {
	if a.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "Alternator.Turn", trace.WithAttributes(
			attribute.Int("concord.turn.worker", w.ID+1),
			attribute.String("concord.turn.message", w.Message),
			attribute.Int("concord.turn.iteration", iteration),
		))
		defer span.End()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.journal.Emitf(ctx, Component, w.ID+1, journal.KindMessage, "%s", w.Message)
	a.metrics.ObserveTurn(w.Message)
	a.cond.Signal()
	if err := a.cond.Wait(ctx); err != nil {
		slog.Warn("turn wait interrupted", "worker", w.ID+1, "iteration", iteration, "error", err)
		metrics.InterruptionsCounter.WithLabelValues(Component).Inc()
		a.journal.Emitf(ctx, Component, w.ID+1, journal.KindInterrupted, "%s -- interrupted", w.Message)
	}
}
