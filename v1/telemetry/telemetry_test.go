package telemetry

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/mirkobrombin/go-concord/v1/metrics"
	"github.com/mirkobrombin/go-concord/v1/watchbus"
)

func TestNewMuxServesMetrics(t *testing.T) {
	reg := metrics.NewRegistry()
	m := metrics.NewRing(reg)
	m.ObserveCycle(time.Millisecond)

	srv := httptest.NewServer(NewMux(reg, watchbus.NewInMemory()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "concord_ring_cycles_total 1") {
		t.Fatalf("metrics not exposed: %s", body)
	}
}

func TestNewMuxStreamsRequireKey(t *testing.T) {
	srv := httptest.NewServer(NewMux(metrics.NewRegistry(), watchbus.NewInMemory()))
	defer srv.Close()
	for _, path := range []string{"/events", "/ws"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400 got %d", path, resp.StatusCode)
		}
	}
}

func TestSetupTracing(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := SetupTracing(&buf)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "Test.Span")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "Test.Span") {
		t.Fatalf("span not exported: %s", buf.String())
	}
}

func TestServeStopsOnContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Serve(ctx, addr, http.NotFoundHandler()) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not start: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
