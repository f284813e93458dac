package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"
)

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan Event
}

// NATSBus implements Bus using a NATS backend. Topics map to subjects and
// the message body carries the origin.
type NATSBus struct {
	conn      *nats.Conn
	mu        sync.Mutex
	subs      map[string]*natsSubscription
	published uint64
	delivered uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn: conn,
		subs: make(map[string]*natsSubscription),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(ev.Topic, []byte(ev.Origin)); err != nil {
		return err
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (chan Event, error) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		ns, err := b.conn.Subscribe(topic, func(m *nats.Msg) {
			ev := Event{Topic: topic, Origin: string(m.Data)}
			b.mu.Lock()
			if s := b.subs[topic]; s != nil {
				atomic.AddUint64(&b.delivered, fanOut(s.chans, ev))
			}
			b.mu.Unlock()
		})
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		// the subscription must be registered server side before Subscribe
		// returns, otherwise an immediate Publish can be missed
		if err := b.conn.Flush(); err != nil {
			_ = ns.Unsubscribe()
			b.mu.Unlock()
			return nil, err
		}
		sub = &natsSubscription{sub: ns}
		b.subs[topic] = sub
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, topic string, ch chan Event) error {
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, topic)
		b.mu.Unlock()
		return sub.sub.Unsubscribe()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
