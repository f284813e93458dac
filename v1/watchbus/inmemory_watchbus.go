package watchbus

import (
	"context"
	"slices"
	"sync"
)

// stream is the per-key state: live watchers and the retained tail.
type stream struct {
	watchers []chan []byte
	history  [][]byte
}

// InMemoryWatchBus is an in-memory implementation of WatchBus. With
// WithHistory it also retains the last messages of every key for Replay.
type InMemoryWatchBus struct {
	mu      sync.Mutex
	streams map[string]*stream
	keep    int
}

var (
	_ WatchBus = (*InMemoryWatchBus)(nil)
	_ Replayer = (*InMemoryWatchBus)(nil)
)

// InMemoryOption configures an InMemoryWatchBus.
type InMemoryOption func(*InMemoryWatchBus)

// WithHistory retains the last n messages of every key.
func WithHistory(n int) InMemoryOption {
	return func(b *InMemoryWatchBus) {
		b.keep = max(n, 0)
	}
}

// NewInMemory creates a new InMemoryWatchBus.
func NewInMemory(opts ...InMemoryOption) *InMemoryWatchBus {
	b := &InMemoryWatchBus{streams: make(map[string]*stream)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *InMemoryWatchBus) stream(key string) *stream {
	s := b.streams[key]
	if s == nil {
		s = &stream{}
		b.streams[key] = s
	}
	return s
}

// Publish sends data to all watchers of key. Watchers that fell too far
// behind miss the message; the retained history never does.
func (b *InMemoryWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.keep == 0 && b.streams[key] == nil {
		return nil
	}
	s := b.stream(key)
	if b.keep > 0 {
		if len(s.history) == b.keep {
			s.history = slices.Delete(s.history, 0, 1)
		}
		s.history = append(s.history, data)
	}
	for _, ch := range s.watchers {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

// Watch subscribes to key and returns a channel receiving messages.
func (b *InMemoryWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, watchBuffer)
	b.mu.Lock()
	s := b.stream(key)
	s.watchers = append(s.watchers, ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unwatch removes the channel from key watchers and closes it.
func (b *InMemoryWatchBus) Unwatch(_ context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.streams[key]
	if s == nil {
		return nil
	}
	if i := slices.Index(s.watchers, ch); i >= 0 {
		s.watchers = slices.Delete(s.watchers, i, i+1)
		close(ch)
	}
	if len(s.watchers) == 0 && len(s.history) == 0 {
		delete(b.streams, key)
	}
	return nil
}

// Replay implements Replayer.
func (b *InMemoryWatchBus) Replay(ctx context.Context, key string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.streams[key]
	if s == nil {
		return nil, nil
	}
	return slices.Clone(s.history), nil
}
