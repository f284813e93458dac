package watchbus

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWatchBus uses Redis Streams to implement WatchBus. Every published
// message is appended to the stream named by key, so a finished run can be
// replayed.
type RedisWatchBus struct {
	client *redis.Client
	maxLen int64

	mu      sync.Mutex
	cancels map[string]map[chan []byte]context.CancelFunc
}

var (
	_ WatchBus = (*RedisWatchBus)(nil)
	_ Replayer = (*RedisWatchBus)(nil)
)

// NewRedisWatchBus creates a new RedisWatchBus using the provided client.
// Streams are trimmed to roughly maxLen entries; zero keeps everything.
func NewRedisWatchBus(client *redis.Client, maxLen int64) *RedisWatchBus {
	return &RedisWatchBus{
		client:  client,
		maxLen:  maxLen,
		cancels: make(map[string]map[chan []byte]context.CancelFunc),
	}
}

// Publish adds a new message to the Redis stream identified by key.
func (b *RedisWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	args := &redis.XAddArgs{Stream: key, Values: map[string]any{"data": data}}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	return b.client.XAdd(ctx, args).Err()
}

// Watch reads messages appended to the stream after the call.
func (b *RedisWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan []byte, watchBuffer)

	b.mu.Lock()
	m := b.cancels[key]
	if m == nil {
		m = make(map[chan []byte]context.CancelFunc)
		b.cancels[key] = m
	}
	m[ch] = cancel
	b.mu.Unlock()

	go func() {
		defer close(ch)
		lastID := "$"
		for {
			res, err := b.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Block:   0,
				Count:   16,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
				continue
			}
			for _, s := range res {
				for _, msg := range s.Messages {
					lastID = msg.ID
					if v, ok := msg.Values["data"].(string); ok {
						select {
						case ch <- []byte(v):
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}
	}()

	return ch, nil
}

// Replay implements Replayer.
func (b *RedisWatchBus) Replay(ctx context.Context, key string) ([][]byte, error) {
	msgs, err := b.client.XRange(ctx, key, "-", "+").Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(msgs))
	for _, msg := range msgs {
		if v, ok := msg.Values["data"].(string); ok {
			out = append(out, []byte(v))
		}
	}
	return out, nil
}

// Unwatch stops watching the given key and channel. The channel is closed
// by the reader goroutine once it notices.
func (b *RedisWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	m, ok := b.cancels[key]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	cancel, ok := m[ch]
	if ok {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.cancels, key)
		}
	}
	b.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}
