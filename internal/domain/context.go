package domain

import "context"

type ctxKey string

const jobCtxKey ctxKey = "job_id"

// ContextWithJobID returns a new context carrying the job ID (ULID).
func ContextWithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobCtxKey, jobID)
}

// JobIDFromContext extracts the job ID from the context.
// Returns empty string if not set.
func JobIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(jobCtxKey).(string); ok {
		return v
	}
	return ""
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
