package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/vtc-dispatch/internal/models"
)

// Publisher streams course lifecycle events to Kafka for ops and analytics.
// A nil *Publisher is valid and publishes nothing, so callers never need a
// configured broker to run.
type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(brokers []string, topic string) *Publisher {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &Publisher{writer: w}
}

// Publish writes one event keyed by course id. Best-effort: the caller
// logs the error and moves on.
func (p *Publisher) Publish(ev models.CourseEvent) error {
	if p == nil || p.writer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.CourseID), Value: b})
}

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
