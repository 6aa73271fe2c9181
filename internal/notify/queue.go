package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is one queued notification, consumed by the mail worker.
type Message struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
	SentAt  time.Time      `json:"sent_at"`
}

// QueueNotifier publishes persistent notification messages to a durable
// RabbitMQ queue. The connection is established lazily and reused; any
// failure is logged and the message dropped, never surfaced to the caller.
type QueueNotifier struct {
	URL   string
	Queue string
	Log   *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewQueueNotifier(url, queue string, log *slog.Logger) *QueueNotifier {
	return &QueueNotifier{URL: url, Queue: queue, Log: log}
}

func (n *QueueNotifier) Notify(ctx context.Context, event string, payload map[string]any) {
	body, err := json.Marshal(Message{Event: event, Payload: payload, SentAt: time.Now().UTC()})
	if err != nil {
		n.Log.Error("notify marshal failed", "event", event, "error", err)
		return
	}
	if err := n.publish(ctx, body); err != nil {
		n.Log.Error("notify publish failed", "event", event, "error", err)
	}
}

func (n *QueueNotifier) publish(ctx context.Context, body []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, err := n.channel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, "", n.Queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		// Broken channel; force a reconnect on the next publish.
		n.reset()
	}
	return err
}

func (n *QueueNotifier) channel() (*amqp.Channel, error) {
	if n.ch != nil {
		return n.ch, nil
	}
	conn, err := amqp.Dial(n.URL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(n.Queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	n.conn, n.ch = conn, ch
	return ch, nil
}

func (n *QueueNotifier) reset() {
	if n.ch != nil {
		_ = n.ch.Close()
		n.ch = nil
	}
	if n.conn != nil {
		_ = n.conn.Close()
		n.conn = nil
	}
}

func (n *QueueNotifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reset()
}
