package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IItheshadowII/LatencyLens/internal/result"
	"github.com/IItheshadowII/LatencyLens/internal/store"
	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublisherKeysByCloud(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, topic: "results"}
	rec := store.Record{
		ID: 7,
		TestResult: result.TestResult{
			Cloud:          "https://cloud.example.com",
			Timestamp:      time.Unix(1700000000, 0).UTC(),
			Download:       result.ThroughputStats{Bytes: 1},
			Upload:         result.ThroughputStats{Bytes: 1},
			Classification: result.Good,
		},
		CreatedAt: time.Unix(1700000001, 0).UTC(),
	}
	if err := p.Publish(context.Background(), rec); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != rec.Cloud {
		t.Fatalf("unexpected key %q", msg.Key)
	}
	var decoded store.Record
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if decoded.ID != 7 || decoded.Classification != result.Good {
		t.Fatalf("unexpected payload %+v", decoded)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != "GOOD" {
		t.Fatalf("unexpected headers %+v", msg.Headers)
	}

	if err := p.Close(); err != nil || !w.closed {
		t.Fatalf("expected writer closed")
	}
}

func TestKafkaPublisherWrapsError(t *testing.T) {
	boom := errors.New("broker down")
	p := &KafkaPublisher{writer: &fakeWriter{err: boom}, topic: "results"}
	err := p.Publish(context.Background(), store.Record{TestResult: result.TestResult{Classification: result.Poor}})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped broker error, got %v", err)
	}
}
