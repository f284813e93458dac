package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	concorderrors "github.com/mirkobrombin/go-concord/v1/errors"
	"github.com/mirkobrombin/go-concord/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-concord/v1/lock")

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// DefaultPollInterval bounds how long Acquire waits between attempts when no
// unlock event arrives, e.g. because the holder's ttl ran out.
const DefaultPollInterval = 50 * time.Millisecond

// Redis implements Locker using a Redis backend. Each held key stores a
// random token so only the holder can delete it.
type Redis struct {
	client *redis.Client
	bus    syncbus.Bus
	id     string
	prefix string
	poll   time.Duration

	mu     sync.Mutex
	tokens map[string]string
}

var _ Locker = (*Redis)(nil)

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithKeyPrefix namespaces every lock key stored in Redis.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// WithPollInterval sets the fallback retry period of Acquire.
func WithPollInterval(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.poll = d
		}
	}
}

// NewRedis returns a new Redis locker using the provided client.
func NewRedis(client *redis.Client, bus syncbus.Bus, opts ...RedisOption) *Redis {
	if bus == nil {
		bus = syncbus.NewInMemoryBus()
	}
	r := &Redis{
		client: client,
		bus:    bus,
		id:     uuid.NewString(),
		poll:   DefaultPollInterval,
		tokens: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TryLock implements Locker.
func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, span := tracer.Start(ctx, "Redis.TryLock", trace.WithAttributes(attribute.String("concord.lock.key", key)))
	defer span.End()

	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("lock: redis setnx %q: %w", key, err)
	}
	span.SetAttributes(attribute.Bool("concord.lock.acquired", ok))
	if ok {
		r.mu.Lock()
		r.tokens[key] = token
		r.mu.Unlock()
		_ = r.bus.Publish(ctx, syncbus.Event{Topic: syncbus.LockTopic(key), Origin: r.id})
	}
	return ok, nil
}

// Acquire implements Locker.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) error {
	ch, err := r.bus.Subscribe(ctx, syncbus.UnlockTopic(key))
	if err != nil {
		return err
	}
	defer func() { _ = r.bus.Unsubscribe(context.Background(), syncbus.UnlockTopic(key), ch) }()

	t := time.NewTicker(r.poll)
	defer t.Stop()
	for {
		ok, err := r.TryLock(ctx, key, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ch:
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release implements Locker. It returns ErrNotHeld when this locker has no
// token for key or the key expired and was taken by someone else.
func (r *Redis) Release(ctx context.Context, key string) error {
	r.mu.Lock()
	token, ok := r.tokens[key]
	delete(r.tokens, key)
	r.mu.Unlock()
	if !ok {
		return concorderrors.ErrNotHeld
	}
	n, err := delScript.Run(ctx, r.client, []string{r.prefix + key}, token).Int()
	if err == redis.Nil {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("lock: redis release %q: %w", key, err)
	}
	if n == 0 {
		return concorderrors.ErrNotHeld
	}
	_ = r.bus.Publish(ctx, syncbus.Event{Topic: syncbus.UnlockTopic(key), Origin: r.id})
	return nil
}
