package watchbus

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

func waitWatchers(t *testing.T, bus *InMemoryWatchBus, key string, n int) {
	t.Helper()
	for i := 0; i < 100; i++ {
		bus.mu.Lock()
		got := 0
		if s := bus.streams[key]; s != nil {
			got = len(s.watchers)
		}
		bus.mu.Unlock()
		if got == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d watchers on %s", n, key)
}

func TestSSEHandlerStream(t *testing.T) {
	bus := NewInMemory()
	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()

	respCh := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Get(srv.URL + "?key=foo")
		if err != nil {
			t.Errorf("get: %v", err)
			return
		}
		respCh <- resp
	}()

	waitWatchers(t, bus, "foo", 1)
	if err := bus.Publish(context.Background(), "foo", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var resp *http.Response
	select {
	case resp = <-respCh:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for response")
	}
	defer resp.Body.Close()

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimSpace(line) != "data: hello" {
		t.Fatalf("unexpected line %q", line)
	}
}

func TestSSEHandlerReplay(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	bus := NewRedisWatchBus(client, 0)
	ctx := context.Background()
	for _, s := range []string{"one", "two"} {
		if err := bus.Publish(ctx, "run", []byte(s)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "?key=run&replay=true")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	var got []string
	for len(got) < 2 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if line = strings.TrimSpace(line); line != "" {
			got = append(got, line)
		}
	}
	if got[0] != "data: one" || got[1] != "data: two" {
		t.Fatalf("unexpected replay %q", got)
	}
}

func TestSSEHandlerMissingKey(t *testing.T) {
	bus := NewInMemory()
	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

type failingWriter struct {
	header http.Header
}

func (w *failingWriter) Header() http.Header       { return w.header }
func (w *failingWriter) Write([]byte) (int, error) { return 0, errors.New("write failed") }
func (w *failingWriter) WriteHeader(int)           {}
func (w *failingWriter) Flush()                    {}

func TestSSEHandlerWriteErrorUnwatches(t *testing.T) {
	bus := NewInMemory()
	handler := SSEHandler(bus)
	req := httptest.NewRequest(http.MethodGet, "/?key=foo", nil)
	resp := &failingWriter{header: make(http.Header)}

	done := make(chan struct{})
	go func() {
		handler(resp, req)
		close(done)
	}()

	waitWatchers(t, bus, "foo", 1)
	if err := bus.Publish(context.Background(), "foo", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not exit on write error")
	}
	waitWatchers(t, bus, "foo", 0)
}

func TestWebSocketHandlerStream(t *testing.T) {
	bus := NewInMemory()
	srv := httptest.NewServer(WebSocketHandler(bus))
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "?key=foo"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitWatchers(t, bus, "foo", 1)
	if err := bus.Publish(context.Background(), "foo", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != "hello" {
		t.Fatalf("unexpected %s", msg)
	}
}

func TestWebSocketHandlerMissingKey(t *testing.T) {
	bus := NewInMemory()
	srv := httptest.NewServer(WebSocketHandler(bus))
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", resp)
	}
}

func TestWebSocketHandlerClientClose(t *testing.T) {
	bus := NewInMemory()
	srv := httptest.NewServer(WebSocketHandler(bus))
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "?key=foo"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitWatchers(t, bus, "foo", 1)
	conn.Close()
	waitWatchers(t, bus, "foo", 0)
}
