// Package journal records the ordered event stream of a coordination run.
//
// A Journal stamps every event with the run id, a sequence number and a
// timestamp and hands it to its sinks. Emission is serialized, so every sink
// observes events in sequence order.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
)

// Kind classifies an event.
type Kind string

const (
	KindMessage     Kind = "message"
	KindPickLeft    Kind = "pick_left"
	KindPickRight   Kind = "pick_right"
	KindRollback    Kind = "rollback"
	KindBackoff     Kind = "backoff"
	KindUse         Kind = "use"
	KindPutRight    Kind = "put_right"
	KindPutLeft     Kind = "put_left"
	KindInterrupted Kind = "interrupted"
	KindStart       Kind = "start"
	KindDone        Kind = "done"
)

// Event is a single observable step of a run.
type Event struct {
	RunID     string        `json:"run_id"`
	Seq       uint64        `json:"seq"`
	Time      time.Time     `json:"time"`
	Component string        `json:"component"`
	Worker    int           `json:"worker,omitempty"`
	Kind      Kind          `json:"kind"`
	Text      string        `json:"text"`
	Delay     time.Duration `json:"delay,omitempty"`
}

// String returns the text line of the event.
func (e Event) String() string {
	return e.Text
}

// Sink receives stamped events.
type Sink interface {
	Write(ctx context.Context, ev Event) error
}

// Journal sequences events and fans them out to sinks. A nil *Journal drops
// every event.
type Journal struct {
	runID string
	now   func() time.Time

	mu    sync.Mutex
	seq   uint64
	sinks []Sink
}

// Option configures a Journal.
type Option func(*Journal)

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(j *Journal) {
		j.runID = id
	}
}

// WithClock overrides the clock used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) {
		j.now = now
	}
}

// New creates a Journal writing to sinks.
func New(sinks []Sink, opts ...Option) (*Journal, error) {
	j := &Journal{now: time.Now, sinks: sinks}
	for _, opt := range opts {
		opt(j)
	}
	if j.runID == "" {
		id, err := uuid.GenerateUUID()
		if err != nil {
			return nil, fmt.Errorf("journal: generate run id: %w", err)
		}
		j.runID = id
	}
	return j, nil
}

// RunID returns the identifier stamped on every event.
func (j *Journal) RunID() string {
	if j == nil {
		return ""
	}
	return j.runID
}

// Emit stamps ev and writes it to every sink. Sink failures are logged and
// do not stop the run.
func (j *Journal) Emit(ctx context.Context, ev Event) Event {
	if j == nil {
		return ev
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq++
	ev.RunID = j.runID
	ev.Seq = j.seq
	ev.Time = j.now()
	for _, s := range j.sinks {
		if err := s.Write(ctx, ev); err != nil {
			slog.Warn("journal sink write failed", "run", j.runID, "seq", ev.Seq, "error", err)
		}
	}
	return ev
}

// Emitf emits an event whose text is built from format and args.
func (j *Journal) Emitf(ctx context.Context, component string, worker int, kind Kind, format string, args ...any) Event {
	return j.Emit(ctx, Event{
		Component: component,
		Worker:    worker,
		Kind:      kind,
		Text:      fmt.Sprintf(format, args...),
	})
}
