// Package syncbus propagates lock and unlock notifications between lockers,
// either inside one process or across nodes through NATS or Kafka.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Event is a notification published on a topic. Origin identifies the
// node that produced it so subscribers can skip their own events.
type Event struct {
	Topic  string
	Origin string
}

// Bus provides a simple pub/sub mechanism for lock notifications.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, topic string) (chan Event, error)
	Unsubscribe(ctx context.Context, topic string, ch chan Event) error
}

// LockTopic is the topic announcing that key was locked.
func LockTopic(key string) string { return "lock." + key }

// UnlockTopic is the topic announcing that key was released.
func UnlockTopic(key string) string { return "unlock." + key }

// subscriberBuffer bounds how far a slow subscriber may fall behind before
// deliveries to it are dropped.
const subscriberBuffer = 64

type Metrics struct {
	Published uint64
	Delivered uint64
}

// InMemoryBus is a local implementation of Bus shared by lockers living in
// the same process.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan Event
	published uint64
	delivered uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan Event)}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// deliver under mu so Unsubscribe cannot close a channel mid-send
	b.mu.Lock()
	n := fanOut(b.subs[ev.Topic], ev)
	b.mu.Unlock()
	atomic.AddUint64(&b.published, 1)
	atomic.AddUint64(&b.delivered, n)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is done.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe. It closes ch.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch chan Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[topic] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, topic)
	}
	return nil
}

func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}

// fanOut delivers ev to chans without blocking and returns how many
// subscribers received it.
func fanOut(chans []chan Event, ev Event) uint64 {
	var n uint64
	for _, ch := range chans {
		select {
		case ch <- ev:
			n++
		default:
		}
	}
	return n
}
