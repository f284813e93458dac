package syncbus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

type kafkaSubscription struct {
	pc    sarama.PartitionConsumer
	chans []chan Event
}

// KafkaBus implements Bus using a Kafka backend. Each bus topic maps to a
// Kafka topic with the dots replaced, read from partition zero.
type KafkaBus struct {
	producer  sarama.SyncProducer
	consumer  sarama.Consumer
	mu        sync.Mutex
	subs      map[string]*kafkaSubscription
	published uint64
	delivered uint64
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return newKafkaBus(producer, consumer), nil
}

func newKafkaBus(producer sarama.SyncProducer, consumer sarama.Consumer) *KafkaBus {
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]*kafkaSubscription),
	}
}

// kafkaTopic maps a bus topic onto the Kafka topic naming rules.
func kafkaTopic(topic string) string {
	return "concord-" + strings.NewReplacer(".", "-", ":", "-", "/", "-").Replace(topic)
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: kafkaTopic(ev.Topic),
		Key:   sarama.StringEncoder(ev.Topic),
		Value: sarama.StringEncoder(ev.Origin),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string) (chan Event, error) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		pc, err := b.consumer.ConsumePartition(kafkaTopic(topic), 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &kafkaSubscription{pc: pc}
		b.subs[topic] = sub
		go b.dispatch(sub, topic)
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

func (b *KafkaBus) dispatch(sub *kafkaSubscription, topic string) {
	for msg := range sub.pc.Messages() {
		ev := Event{Topic: topic, Origin: string(msg.Value)}
		b.mu.Lock()
		atomic.AddUint64(&b.delivered, fanOut(sub.chans, ev))
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, topic string, ch chan Event) error {
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
		return sub.pc.Close()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() {
	_ = b.producer.Close()
	_ = b.consumer.Close()
}
