// Package kafka publishes monitor events to a Kafka topic.
package kafka

import (
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/willx33/sol-tools/lib/monitor"
)

// Kafka implements msg.Publisher over a synchronous producer.
type Kafka struct {
	topic string
	p     sarama.SyncProducer
}

// New connects a producer to brokers.
func New(brokers []string, topic string) (*Kafka, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to kafka %v: %w", brokers, err)
	}
	log.Info().Strs("brokers", brokers).Str("topic", topic).Msg("Connected to kafka")

	return NewWithProducer(p, topic), nil
}

// NewWithProducer wraps an existing producer.
func NewWithProducer(p sarama.SyncProducer, topic string) *Kafka {
	return &Kafka{topic: topic, p: p}
}

// Close closes the producer.
func (k *Kafka) Close() error {
	if k.p != nil {
		return k.p.Close()
	}
	return nil
}

// SendEvents publishes each event keyed by module and target so that events of a target keep their order.
func (k *Kafka) SendEvents(module string, evs []monitor.Event) error {
	for _, ev := range evs {
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		m := &sarama.ProducerMessage{
			Topic: k.topic,
			Key:   sarama.StringEncoder(module + "." + ev.Target),
			Value: sarama.ByteEncoder(b),
			Headers: []sarama.RecordHeader{
				{Key: []byte("module"), Value: []byte(module)},
				{Key: []byte("kind"), Value: []byte(ev.Kind)},
			},
		}
		if _, _, err = k.p.SendMessage(m); err != nil {
			return fmt.Errorf("kafka publish failed: %w", err)
		}
	}
	return nil
}
