// Package validator checks a live event stream against the coordination
// rules of the ring and turn protocols.
package validator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	concorderrors "github.com/mirkobrombin/go-concord/v1/errors"
	"github.com/mirkobrombin/go-concord/v1/journal"
	"github.com/mirkobrombin/go-concord/v1/ring"
	"github.com/mirkobrombin/go-concord/v1/turn"
)

// Mode defines validator behaviour.
type Mode int

const (
	// ModeNoop only counts violations.
	ModeNoop Mode = iota
	// ModeAlert also logs every violation.
	ModeAlert
)

// Validator is a journal.Sink replaying ownership of every ring resource
// and the order of turns.
type Validator struct {
	mode  Mode
	seats int

	mu         sync.Mutex
	holder     []int
	lastWorker int
	lastBroken bool
	first      error

	violations uint64
}

var _ journal.Sink = (*Validator)(nil)

// New creates a Validator for a ring of seats resources. Turn events are
// checked regardless of seats.
func New(seats int, mode Mode) *Validator {
	return &Validator{mode: mode, seats: seats, holder: make([]int, max(seats, 0))}
}

// Write implements journal.Sink. It never fails so other sinks keep going.
func (v *Validator) Write(_ context.Context, ev journal.Event) error {
	if ev.Worker == 0 {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	switch ev.Component {
	case ring.Component:
		v.ringEvent(ev)
	case turn.Component:
		v.turnEvent(ev)
	}
	return nil
}

func (v *Validator) ringEvent(ev journal.Event) {
	if v.seats < 2 || ev.Worker > v.seats {
		v.violate(ev, "worker outside a ring of %d seats", v.seats)
		return
	}
	w := ev.Worker
	l, r := ring.LeftIndex(w-1, v.seats), ring.RightIndex(w-1, v.seats)
	switch ev.Kind {
	case journal.KindPickLeft:
		if v.holder[l] != 0 {
			v.violate(ev, "took resource %d held by worker %d", l+1, v.holder[l])
		}
		v.holder[l] = w
	case journal.KindPickRight:
		if v.holder[l] != w {
			v.violate(ev, "took right without holding left")
		}
		if v.holder[r] != 0 {
			v.violate(ev, "took resource %d held by worker %d", r+1, v.holder[r])
		}
		v.holder[r] = w
	case journal.KindUse:
		if v.holder[l] != w || v.holder[r] != w {
			v.violate(ev, "used without holding both resources")
		}
	case journal.KindBackoff:
		if v.holder[l] == w || v.holder[r] == w {
			v.violate(ev, "backed off while holding a resource")
		}
	case journal.KindRollback, journal.KindPutLeft:
		if v.holder[l] != w {
			v.violate(ev, "released left it does not hold")
		}
		v.holder[l] = 0
	case journal.KindPutRight:
		if v.holder[r] != w {
			v.violate(ev, "released right it does not hold")
		}
		v.holder[r] = 0
	}
}

func (v *Validator) turnEvent(ev journal.Event) {
	switch ev.Kind {
	case journal.KindInterrupted:
		// an interrupted wait lets its worker go again
		if ev.Worker == v.lastWorker {
			v.lastBroken = true
		}
	case journal.KindMessage:
		if ev.Worker == v.lastWorker && !v.lastBroken {
			v.violate(ev, "took two turns in a row")
		}
		v.lastWorker = ev.Worker
		v.lastBroken = false
	}
}

func (v *Validator) violate(ev journal.Event, format string, args ...any) {
	atomic.AddUint64(&v.violations, 1)
	err := fmt.Errorf("%w: seq %d worker %d: %s", concorderrors.ErrViolation, ev.Seq, ev.Worker, fmt.Sprintf(format, args...))
	if v.first == nil {
		v.first = err
	}
	if v.mode == ModeAlert {
		slog.Error("coordination violation", "run", ev.RunID, "seq", ev.Seq, "worker", ev.Worker, "kind", ev.Kind, "error", err)
	}
}

// Err returns the first violation seen, or nil.
func (v *Validator) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.first
}

// Metrics returns number of violations detected.
func (v *Validator) Metrics() uint64 {
	return atomic.LoadUint64(&v.violations)
}
