package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/keelpay/core/pkg/contracts"
)

// Relay mirrors every journal event onto a Kafka topic for downstream
// audit and reconciliation consumers. Messages are keyed by intent ID so
// one intent's events land on one partition, in order.
type Relay struct {
	producer sarama.SyncProducer
	topic    string
}

// NewRelay connects a synchronous producer to the brokers.
func NewRelay(brokers []string, topic string) (*Relay, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("eventbus: kafka producer: %w", err)
	}
	return &Relay{producer: producer, topic: topic}, nil
}

// NewRelayWithProducer wraps an existing producer (used by tests).
func NewRelayWithProducer(producer sarama.SyncProducer, topic string) *Relay {
	return &Relay{producer: producer, topic: topic}
}

// Handle is the journal Handler: one event, one keyed message. An error
// keeps the cursor in place, so the relay inherits the journal's
// at-least-once guarantee.
func (r *Relay) Handle(ctx context.Context, ev *contracts.LifecycleEvent) error {
	_ = ctx
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventbus: relay marshal: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: r.topic,
		Key:   sarama.StringEncoder(ev.IntentID),
		Value: sarama.ByteEncoder(body),
	}
	if _, _, err := r.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("eventbus: relay send: %w", err)
	}
	return nil
}

// Close shuts the producer down.
func (r *Relay) Close() error {
	return r.producer.Close()
}
