package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mirkobrombin/go-concord/v1/watchbus"
)

func TestJournalStampsEvents(t *testing.T) {
	rec := &Recorder{}
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	j, err := New([]Sink{rec}, WithRunID("run-1"), WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	j.Emitf(ctx, "turn", 1, KindMessage, "Ping!")
	j.Emitf(ctx, "turn", 2, KindMessage, "Pong!")

	evs := rec.Events()
	if len(evs) != 2 {
		t.Fatalf("expected 2 events got %d", len(evs))
	}
	for i, ev := range evs {
		if ev.RunID != "run-1" || ev.Seq != uint64(i+1) || !ev.Time.Equal(fixed) {
			t.Fatalf("unexpected stamp %+v", ev)
		}
	}
	if evs[1].Text != "Pong!" || evs[1].Worker != 2 {
		t.Fatalf("unexpected event %+v", evs[1])
	}
}

func TestJournalGeneratesRunID(t *testing.T) {
	a, err := New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b, err := New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if a.RunID() == "" || a.RunID() == b.RunID() {
		t.Fatalf("expected distinct run ids, got %q and %q", a.RunID(), b.RunID())
	}
}

func TestJournalConcurrentEmitKeepsOrder(t *testing.T) {
	rec := &Recorder{}
	j, err := New([]Sink{rec})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				j.Emitf(context.Background(), "ring", w, KindUse, "step")
			}
		}(w)
	}
	wg.Wait()
	evs := rec.Events()
	if len(evs) != 400 {
		t.Fatalf("expected 400 events got %d", len(evs))
	}
	for i, ev := range evs {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
	}
}

func TestNilJournal(t *testing.T) {
	var j *Journal
	ev := j.Emitf(context.Background(), "turn", 1, KindMessage, "x")
	if ev.Text != "x" || j.RunID() != "" {
		t.Fatalf("unexpected nil journal behaviour %+v", ev)
	}
}

type failingSink struct{}

func (failingSink) Write(context.Context, Event) error { return errors.New("boom") }

func TestSinkFailureDoesNotStopOthers(t *testing.T) {
	rec := &Recorder{}
	j, err := New([]Sink{failingSink{}, rec})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	j.Emitf(context.Background(), "ring", 1, KindUse, "Philosopher 1 eats.")
	if len(rec.Events()) != 1 {
		t.Fatalf("expected recorder to receive the event")
	}
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	j, err := New([]Sink{NewWriterSink(&buf)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	j.Emitf(context.Background(), "turn", 1, KindMessage, "Ping!")
	j.Emitf(context.Background(), "turn", 0, KindDone, "Done!")
	if got := buf.String(); got != "Ping!\nDone!\n" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestRecorderFilter(t *testing.T) {
	rec := &Recorder{}
	ctx := context.Background()
	_ = rec.Write(ctx, Event{Kind: KindMessage, Text: "a"})
	_ = rec.Write(ctx, Event{Kind: KindDone, Text: "b"})
	_ = rec.Write(ctx, Event{Kind: KindMessage, Text: "c"})
	got := rec.Filter(KindMessage)
	if len(got) != 2 || got[0].Text != "a" || got[1].Text != "c" {
		t.Fatalf("unexpected filter result %+v", got)
	}
}

func TestBusSink(t *testing.T) {
	bus := watchbus.NewInMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus.Watch(ctx, "dinner")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	j, err := New([]Sink{NewBusSink(bus, "dinner")}, WithRunID("run-7"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	j.Emitf(ctx, "ring", 3, KindBackoff, "Philosopher 3 failed to get both sticks and is waiting for %d ms", 10)

	select {
	case data := <-ch:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if ev.RunID != "run-7" || ev.Worker != 3 || ev.Kind != KindBackoff {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for bus event")
	}
}
