// Package events publishes stored results to a message broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IItheshadowII/LatencyLens/internal/store"
	"github.com/segmentio/kafka-go"
)

type Publisher interface {
	Publish(ctx context.Context, rec store.Record) error
	Close() error
}

// Nop discards every record.
type Nop struct{}

func (Nop) Publish(context.Context, store.Record) error { return nil }
func (Nop) Close() error                                { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes each record as a JSON message keyed by cloud, so
// results of one cloud stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
		topic: topic,
	}
}

func (k *KafkaPublisher) Publish(ctx context.Context, rec store.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %d: %w", rec.ID, err)
	}
	msg := kafka.Message{
		Key:   []byte(rec.Cloud),
		Value: data,
		Time:  rec.CreatedAt,
		Headers: []kafka.Header{
			{Key: "classification", Value: []byte(rec.Classification)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", k.topic, err)
	}
	return nil
}

func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}
