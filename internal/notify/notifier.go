package notify

import (
	"context"
	"log/slog"
)

// Notifier delivers a named notification event with a structured payload.
// Delivery is best-effort: implementations log failures and callers never
// let a failed notification fail the underlying business operation.
type Notifier interface {
	Notify(ctx context.Context, event string, payload map[string]any)
}

// LogNotifier is the fallback when no mail queue is configured; it records
// the event in the structured log so nothing is silently dropped.
type LogNotifier struct {
	Log *slog.Logger
}

func (n *LogNotifier) Notify(ctx context.Context, event string, payload map[string]any) {
	n.Log.Info("notification", "event", event, "payload", payload)
}

// Nop discards notifications. Used in tests.
type Nop struct{}

func (Nop) Notify(ctx context.Context, event string, payload map[string]any) {}
