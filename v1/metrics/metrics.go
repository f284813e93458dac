// Package metrics exposes Prometheus collectors for coordination runs.
// Collectors are registered on a caller supplied registry; every method is
// safe on a nil receiver so components can run without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RunsCounter tracks the number of started runs per component.
	RunsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "concord_runs_total",
		Help: "Total number of coordination runs started",
	}, []string{"component"})
	// WorkersGauge reports the number of live workers per component.
	WorkersGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "concord_workers",
		Help: "Current number of running workers",
	}, []string{"component"})
	// InterruptionsCounter tracks waits and sleeps cut short.
	InterruptionsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "concord_interruptions_total",
		Help: "Total number of interrupted waits and sleeps",
	}, []string{"component"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the run level metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(RunsCounter, WorkersGauge, InterruptionsCounter)
}

// Turn holds the collectors of a turn alternator.
type Turn struct {
	Turns *prometheus.CounterVec
}

// NewTurn creates and registers turn collectors.
func NewTurn(reg prometheus.Registerer) *Turn {
	m := &Turn{
		Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "concord_turn_events_total",
			Help: "Total number of turns taken per message",
		}, []string{"message"}),
	}
	reg.MustRegister(m.Turns)
	return m
}

// ObserveTurn counts one turn taken by the worker printing message.
func (m *Turn) ObserveTurn(message string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(message).Inc()
}

// Ring holds the collectors of a resource ring.
type Ring struct {
	Meals     prometheus.Counter
	Attempts  *prometheus.CounterVec
	Rollbacks prometheus.Counter
	Backoff   prometheus.Histogram
	Hold      prometheus.Histogram
}

// Attempt outcomes used as the "result" label.
const (
	ResultAcquired = "acquired"
	ResultLeftBusy = "left_busy"
	ResultRollback = "rollback"
)

// NewRing creates and registers ring collectors.
func NewRing(reg prometheus.Registerer) *Ring {
	m := &Ring{
		Meals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "concord_ring_cycles_total",
			Help: "Total number of completed acquire, use, release cycles",
		}),
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "concord_ring_attempts_total",
			Help: "Total number of pair acquisition attempts by outcome",
		}, []string{"result"}),
		Rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "concord_ring_rollbacks_total",
			Help: "Total number of left resources released because right was busy",
		}),
		Backoff: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "concord_ring_backoff_seconds",
			Help:    "Backoff delays entered by ring workers",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		Hold: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "concord_ring_hold_seconds",
			Help:    "Time both resources were held per cycle",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.Meals, m.Attempts, m.Rollbacks, m.Backoff, m.Hold)
	return m
}

// ObserveAttempt counts one acquisition attempt by result.
func (m *Ring) ObserveAttempt(result string) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(result).Inc()
	if result == ResultRollback {
		m.Rollbacks.Inc()
	}
}

// ObserveBackoff records a backoff delay.
func (m *Ring) ObserveBackoff(d time.Duration) {
	if m == nil {
		return
	}
	m.Backoff.Observe(d.Seconds())
}

// ObserveCycle records a completed cycle that held both resources for d.
func (m *Ring) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.Meals.Inc()
	m.Hold.Observe(d.Seconds())
}
