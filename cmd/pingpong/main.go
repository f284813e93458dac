package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/mirkobrombin/go-concord/v1/journal"
	"github.com/mirkobrombin/go-concord/v1/metrics"
	"github.com/mirkobrombin/go-concord/v1/presets"
	"github.com/mirkobrombin/go-concord/v1/telemetry"
	"github.com/mirkobrombin/go-concord/v1/turn"
	"github.com/mirkobrombin/go-concord/v1/validator"
	"github.com/mirkobrombin/go-concord/v1/watchbus"
)

func main() {
	iterations := flag.Int("iterations", turn.DefaultOptions().Iterations, "Turns taken by each worker")
	listen := flag.String("listen", "", "Serve /metrics, /events and /ws on this address (e.g. :2112)")
	trace := flag.Bool("trace", false, "Export spans to stderr")
	verify := flag.Bool("verify", false, "Check the event stream for coordination violations")
	flag.Parse()

	if err := run(*iterations, *listen, *trace, *verify); err != nil {
		log.Fatal(err)
	}
}

func run(iterations int, listen string, trace, verify bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var opts []turn.Option
	if trace {
		shutdown, err := telemetry.SetupTracing(os.Stderr)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
		opts = append(opts, turn.WithTracing())
	}

	var bus watchbus.WatchBus
	if listen != "" {
		reg := metrics.NewRegistry()
		metrics.RegisterCoreMetrics(reg)
		opts = append(opts, turn.WithMetrics(reg))
		bus = watchbus.NewInMemory(watchbus.WithHistory(4096))
		go func() {
			if err := telemetry.Serve(ctx, listen, telemetry.NewMux(reg, bus)); err != nil {
				log.Printf("telemetry server: %v", err)
			}
		}()
		log.Printf("Observing on %s (events key: pingpong)", listen)
	}

	var sinks []journal.Sink
	var checker *validator.Validator
	if verify {
		checker = validator.New(0, validator.ModeAlert)
		sinks = append(sinks, checker)
	}
	j, err := presets.NewJournal(os.Stdout, bus, "pingpong", sinks...)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	if err := presets.NewPingPong(iterations, j, opts...).Run(ctx); err != nil {
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
