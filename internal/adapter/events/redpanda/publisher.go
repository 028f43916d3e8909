// Package redpanda publishes job lifecycle events to a Redpanda/Kafka topic.
//
// The jobs table is the system of record; the stream is an audit feed for
// downstream consumers. Delivery is at-least-once and callers only log
// publish failures.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
)

// Publisher writes lifecycle events to one topic, keyed by job id so each
// job's events stay ordered within a partition.
type Publisher struct {
	client *kgo.Client
	topic  string
}

// NewPublisher connects to the brokers and makes sure the topic exists.
func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}

	if err := ensureTopic(context.Background(), client, topic, 1, 1); err != nil {
		slog.Warn("failed to create events topic, it may already exist",
			slog.String("topic", topic), slog.Any("error", err))
	}

	slog.Info("event publisher ready", slog.Any("brokers", brokers), slog.String("topic", topic))
	return &Publisher{client: client, topic: topic}, nil
}

// Publish produces one event and waits for the broker ack.
func (p *Publisher) Publish(ctx domain.Context, ev domain.JobEvent) error {
	rec, err := record(p.topic, ev)
	if err != nil {
		return err
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce: %w", err)
	}
	return nil
}

func record(topic string, ev domain.JobEvent) (*kgo.Record, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(ev.JobID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "type", Value: []byte(ev.Type)},
			{Key: "user_id", Value: []byte(ev.UserID)},
		},
	}, nil
}

// Close flushes buffered records and releases the client.
func (p *Publisher) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
