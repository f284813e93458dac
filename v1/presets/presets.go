// Package presets assembles ready to run components for the supported
// backends.
package presets

import (
	"fmt"
	"io"
	"time"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-concord/v1/journal"
	"github.com/mirkobrombin/go-concord/v1/lock"
	"github.com/mirkobrombin/go-concord/v1/ring"
	"github.com/mirkobrombin/go-concord/v1/syncbus"
	"github.com/mirkobrombin/go-concord/v1/turn"
	"github.com/mirkobrombin/go-concord/v1/watchbus"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects to Redis.
func NewRedisClient(opts RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// LockOptions names and bounds the resources of a locker backed ring.
type LockOptions struct {
	// Prefix is prepended to "chopstick-<n>" to build every lock key.
	Prefix string
	// TTL expires a lock left behind by a crashed worker. Zero never expires.
	TTL time.Duration
}

// Bus breaker settings used for networked buses.
const (
	breakerThreshold = 3
	breakerTimeout   = time.Second
)

// NewJournal builds a journal printing to w and, when bus is not nil,
// publishing every event under key. extra sinks receive every event too.
func NewJournal(w io.Writer, bus watchbus.WatchBus, key string, extra ...journal.Sink) (*journal.Journal, error) {
	sinks := append([]journal.Sink(nil), extra...)
	if w != nil {
		sinks = append(sinks, journal.NewWriterSink(w))
	}
	if bus != nil {
		sinks = append(sinks, journal.NewBusSink(bus, key))
	}
	return journal.New(sinks)
}

// NewPingPong returns the "Ping!" / "Pong!" alternator.
func NewPingPong(iterations int, j *journal.Journal, extra ...turn.Option) *turn.Alternator {
	return turn.NewPingPong(iterations, j, extra...)
}

// NewInMemoryRing creates a ring of process-local resources with no
// external dependencies.
func NewInMemoryRing(opts ring.Options, j *journal.Journal, extra ...ring.Option) (*ring.Ring, error) {
	return ring.NewLocal(Seats(opts), opts, j, extra...)
}

// NewLockerRing creates a ring whose resources are keys of l.
func NewLockerRing(l lock.Locker, lo LockOptions, opts ring.Options, j *journal.Journal, extra ...ring.Option) (*ring.Ring, error) {
	n := Seats(opts)
	resources := make([]ring.Resource, n)
	for i := range resources {
		resources[i] = lock.NewMutex(l, fmt.Sprintf("%schopstick-%d", lo.Prefix, i+1), lo.TTL)
	}
	return ring.New(resources, opts, j, extra...)
}

// NewRedisRing creates a ring whose resources are Redis locks. Lock and
// unlock events travel on an in-process bus.
func NewRedisRing(client *redis.Client, lo LockOptions, opts ring.Options, j *journal.Journal, extra ...ring.Option) (*ring.Ring, error) {
	l := lock.NewRedis(client, syncbus.NewInMemoryBus())
	return NewLockerRing(l, lo, opts, j, extra...)
}

// NewNATSRing creates a ring over an in-memory locker that mirrors lock
// state to other nodes through NATS. Close the returned locker when done.
func NewNATSRing(conn *nats.Conn, lo LockOptions, opts ring.Options, j *journal.Journal, extra ...ring.Option) (*ring.Ring, *lock.InMemory, error) {
	bus := syncbus.NewCircuitBreaker(syncbus.NewNATSBus(conn), breakerThreshold, breakerTimeout)
	l := lock.NewInMemory(bus)
	r, err := NewLockerRing(l, lo, opts, j, extra...)
	if err != nil {
		l.Close()
		return nil, nil, err
	}
	return r, l, nil
}

// NewKafkaRing creates a ring over an in-memory locker that mirrors lock
// state through Kafka. The returned function releases the locker and the
// Kafka clients.
func NewKafkaRing(brokers []string, lo LockOptions, opts ring.Options, j *journal.Journal, extra ...ring.Option) (*ring.Ring, func(), error) {
	kb, err := syncbus.NewKafkaBus(brokers, nil)
	if err != nil {
		return nil, nil, err
	}
	l := lock.NewInMemory(syncbus.NewCircuitBreaker(kb, breakerThreshold, breakerTimeout))
	closeFn := func() {
		l.Close()
		kb.Close()
	}
	r, err := NewLockerRing(l, lo, opts, j, extra...)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return r, closeFn, nil
}

// Seats returns the ring size the presets build for opts.
func Seats(opts ring.Options) int {
	if opts.Workers == 0 {
		return ring.DefaultWorkers
	}
	return opts.Workers
}
