package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/mirkobrombin/go-concord/v1/journal"
	"github.com/mirkobrombin/go-concord/v1/metrics"
	"github.com/mirkobrombin/go-concord/v1/presets"
	"github.com/mirkobrombin/go-concord/v1/ring"
	"github.com/mirkobrombin/go-concord/v1/telemetry"
	"github.com/mirkobrombin/go-concord/v1/validator"
	"github.com/mirkobrombin/go-concord/v1/watchbus"
)

type config struct {
	opts   ring.Options
	locker string
	events string
	listen string
	trace  bool
	verify bool
	b      backends
}

type backends struct {
	redisAddr    string
	natsURL      string
	kafkaBrokers []string
	lock         presets.LockOptions
}

func main() {
	defaults := ring.DefaultOptions()
	philosophers := flag.Int("philosophers", ring.DefaultWorkers, "Number of philosophers and chopsticks (0 = default)")
	meals := flag.Int("meals", defaults.Meals, "Meals eaten by each philosopher")
	baseDelay := flag.Duration("base-delay", defaults.BaseDelay, "First backoff delay of every meal")
	maxDelay := flag.Duration("max-delay", 0, "Backoff cap (0 = uncapped)")
	jitter := flag.Bool("jitter", false, "Randomize backoff delays")
	eat := flag.Duration("eat", 0, "Time spent eating")
	locker := flag.String("locker", "memory", "Chopstick backend: memory, redis, nats or kafka")
	redisAddr := flag.String("redis-addr", "localhost:6379", "Redis address")
	natsURL := flag.String("nats-url", nats.DefaultURL, "NATS server URL")
	kafkaBrokers := flag.String("kafka-brokers", "localhost:9092", "Comma-separated list of Kafka brokers")
	ttl := flag.Duration("ttl", time.Minute, "Lock TTL for distributed chopsticks")
	events := flag.String("events", "memory", "Event stream store for observers: memory or redis")
	listen := flag.String("listen", "", "Serve /metrics, /events and /ws on this address (e.g. :2112)")
	trace := flag.Bool("trace", false, "Export spans to stderr")
	verify := flag.Bool("verify", false, "Check the event stream for coordination violations")
	flag.Parse()

	cfg := config{
		opts: ring.Options{
			Workers:     *philosophers,
			Meals:       *meals,
			BaseDelay:   *baseDelay,
			MaxDelay:    *maxDelay,
			Jitter:      *jitter,
			EatDuration: *eat,
		},
		locker: *locker,
		events: *events,
		listen: *listen,
		trace:  *trace,
		verify: *verify,
		b: backends{
			redisAddr:    *redisAddr,
			natsURL:      *natsURL,
			kafkaBrokers: strings.Split(*kafkaBrokers, ","),
			lock:         presets.LockOptions{Prefix: "concord:", TTL: *ttl},
		},
	}
	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

func run(cfg config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var extra []ring.Option
	if cfg.trace {
		shutdown, err := telemetry.SetupTracing(os.Stderr)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
		extra = append(extra, ring.WithTracing())
	}

	var bus watchbus.WatchBus
	if cfg.listen != "" {
		reg := metrics.NewRegistry()
		metrics.RegisterCoreMetrics(reg)
		extra = append(extra, ring.WithMetrics(reg))
		switch cfg.events {
		case "memory":
			bus = watchbus.NewInMemory(watchbus.WithHistory(4096))
		case "redis":
			client := presets.NewRedisClient(presets.RedisOptions{Addr: cfg.b.redisAddr})
			defer client.Close()
			bus = watchbus.NewRedisWatchBus(client, 10000)
		default:
			return fmt.Errorf("unknown events store %q", cfg.events)
		}
		go func() {
			if err := telemetry.Serve(ctx, cfg.listen, telemetry.NewMux(reg, bus)); err != nil {
				log.Printf("telemetry server: %v", err)
			}
		}()
		log.Printf("Observing on %s (events key: dinner)", cfg.listen)
	}

	var sinks []journal.Sink
	var checker *validator.Validator
	if cfg.verify {
		checker = validator.New(presets.Seats(cfg.opts), validator.ModeAlert)
		sinks = append(sinks, checker)
	}
	j, err := presets.NewJournal(os.Stdout, bus, "dinner", sinks...)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}

	r, cleanup, err := buildRing(cfg.locker, cfg.opts, j, extra, cfg.b)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	defer cleanup()

	if err := r.Run(ctx); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	if checker != nil {
		if err := checker.Err(); err != nil {
			return fmt.Errorf("verify: %d violations, first: %w", checker.Metrics(), err)
		}
		log.Printf("verify: no violations")
	}
	return nil
}

func buildRing(kind string, opts ring.Options, j *journal.Journal, extra []ring.Option, b backends) (*ring.Ring, func(), error) {
	switch kind {
	case "memory":
		r, err := presets.NewInMemoryRing(opts, j, extra...)
		return r, func() {}, err
	case "redis":
		client := presets.NewRedisClient(presets.RedisOptions{Addr: b.redisAddr})
		r, err := presets.NewRedisRing(client, b.lock, opts, j, extra...)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return r, func() { _ = client.Close() }, nil
	case "nats":
		conn, err := nats.Connect(b.natsURL)
		if err != nil {
			return nil, nil, err
		}
		r, l, err := presets.NewNATSRing(conn, b.lock, opts, j, extra...)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return r, func() { l.Close(); conn.Close() }, nil
	case "kafka":
		return presets.NewKafkaRing(b.kafkaBrokers, b.lock, opts, j, extra...)
	default:
		return nil, nil, fmt.Errorf("unknown locker %q", kind)
	}
}
