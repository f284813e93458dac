package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/mirkobrombin/go-concord/v1/watchbus"
)

// WriterSink writes one text line per event.
type WriterSink struct {
	w io.Writer
}

// NewWriterSink returns a sink printing event text to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Write implements Sink.
func (s *WriterSink) Write(_ context.Context, ev Event) error {
	_, err := fmt.Fprintln(s.w, ev.Text)
	return err
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Write implements Sink.
func (r *Recorder) Write(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Filter returns the recorded events of the given kinds, in order.
func (r *Recorder) Filter(kinds ...Kind) []Event {
	var out []Event
	for _, ev := range r.Events() {
		for _, k := range kinds {
			if ev.Kind == k {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}

// BusSink publishes events as JSON on a watch bus key.
type BusSink struct {
	bus watchbus.WatchBus
	key string
}

// NewBusSink returns a sink publishing to key on bus.
func NewBusSink(bus watchbus.WatchBus, key string) *BusSink {
	return &BusSink{bus: bus, key: key}
}

// Key returns the stream key events are published under.
func (s *BusSink) Key() string {
	return s.key
}

// Write implements Sink.
func (s *BusSink) Write(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, s.key, data)
}
