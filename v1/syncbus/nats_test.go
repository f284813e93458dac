package syncbus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
)

func newNATSBus(t *testing.T) (*NATSBus, context.Context) {
	t.Helper()
	addr := os.Getenv("CONCORD_TEST_NATS_ADDR")

	var conn *nats.Conn
	var s *server.Server
	var err error

	if addr != "" {
		t.Logf("TestNATSBus: using real NATS at %s", addr)
		conn, err = nats.Connect(addr)
	} else {
		t.Log("TestNATSBus: using embedded NATS server")
		s = natsserver.RunRandClientPortServer()
		conn, err = nats.Connect(s.ClientURL())
	}
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	bus := NewNATSBus(conn)
	t.Cleanup(func() {
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return bus, context.Background()
}

func TestNATSBusPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus, ctx := newNATSBus(t)
	ch, err := bus.Subscribe(ctx, UnlockTopic("fork-2"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, Event{Topic: UnlockTopic("fork-2"), Origin: "node-b"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case ev := <-ch:
		if ev.Origin != "node-b" {
			t.Fatalf("expected origin node-b got %q", ev.Origin)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}
	if metrics := bus.Metrics(); metrics.Published != 1 {
		t.Fatalf("expected published 1 got %d", metrics.Published)
	}
	deadline := time.Now().Add(time.Second)
	for bus.Metrics().Delivered != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected delivered 1 got %d", bus.Metrics().Delivered)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNATSBusContextBasedUnsubscribe(t *testing.T) {
	bus, _ := newNATSBus(t)
	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(subCtx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if _, ok := bus.subs["key"]; ok {
		t.Fatal("subscription still present after context cancel")
	}
}

func TestNATSBusSharedSubscription(t *testing.T) {
	bus, ctx := newNATSBus(t)
	ch1, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ch2, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, Event{Topic: "key", Origin: "n"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i, ch := range []chan Event{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d missed the event", i)
		}
	}
	if err := bus.Unsubscribe(ctx, "key", ch1); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	bus.mu.Lock()
	remaining := len(bus.subs["key"].chans)
	bus.mu.Unlock()
	if remaining != 1 {
		t.Fatalf("expected 1 remaining subscriber got %d", remaining)
	}
}
