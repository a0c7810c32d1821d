// Package kafka publishes terminal delivery outcomes to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/bissquit/notifyq/internal/queue"
)

// Config contains producer configuration.
type Config struct {
	Brokers []string
	Topic   string
}

// Publisher implements queue.EventPublisher with a synchronous producer.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewProducerConfig returns an idempotent, fully acknowledged producer config.
func NewProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	return cfg
}

// NewPublisher connects a producer to the brokers.
func NewPublisher(config Config) (*Publisher, error) {
	if len(config.Brokers) == 0 {
		return nil, errors.New("kafka publisher: at least one broker is required")
	}
	if config.Topic == "" {
		return nil, errors.New("kafka publisher: topic is required")
	}

	producer, err := sarama.NewSyncProducer(config.Brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	slog.Info("kafka publisher configured", "brokers", config.Brokers, "topic", config.Topic)
	return NewPublisherWithProducer(producer, config.Topic), nil
}

// NewPublisherWithProducer wraps an existing producer.
func NewPublisherWithProducer(producer sarama.SyncProducer, topic string) *Publisher {
	return &Publisher{producer: producer, topic: topic}
}

// Publish sends event keyed by item id, so events of one item stay ordered.
func (p *Publisher) Publish(ctx context.Context, event queue.DeliveryEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal delivery event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.ItemID),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte("delivery." + string(event.Status))},
		},
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := p.producer.SendMessage(msg)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("publish delivery event: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes and closes the producer.
func (p *Publisher) Close() error {
	return p.producer.Close()
}
