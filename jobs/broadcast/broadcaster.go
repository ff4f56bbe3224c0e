package broadcast

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"

	"meridian/infra/outbox"
)

// Broadcaster drains the outbox onto a Kafka topic. Delivery is
// at-least-once: entries are marked SENT before the publish and ACKED
// only after the broker confirms, so a crash replays instead of
// dropping.
type Broadcaster struct {
	outbox   *outbox.Outbox
	producer sarama.SyncProducer
	topic    string
	interval time.Duration
}

func New(ob *outbox.Outbox, brokers []string, topic string) (*Broadcaster, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("broadcast: connect: %w", err)
	}

	return &Broadcaster{
		outbox:   ob,
		producer: producer,
		topic:    topic,
		interval: 250 * time.Millisecond,
	}, nil
}

func (b *Broadcaster) Start(ctx context.Context) {
	log.Println("[broadcast] started")
	go func() {
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.drainOnce()
			}
		}
	}()
}

func (b *Broadcaster) drainOnce() {
	err := b.outbox.ScanPending(func(rec *outbox.Record) error {
		if err := b.outbox.MarkSent(rec.Seq); err != nil {
			return err
		}

		msg := &sarama.ProducerMessage{
			Topic: b.topic,
			Key:   sarama.StringEncoder(fmt.Sprintf("%d", rec.OrderID)),
			Value: sarama.ByteEncoder(rec.Payload),
		}
		if _, _, err := b.producer.SendMessage(msg); err != nil {
			_ = b.outbox.MarkFailed(rec.Seq, rec.Retries+1)
			return nil // leave pending, retry next drain
		}

		return b.outbox.MarkAcked(rec.Seq)
	})
	if err != nil {
		log.Printf("[broadcast] drain: %v", err)
	}
}

func (b *Broadcaster) Close() error {
	return b.producer.Close()
}
