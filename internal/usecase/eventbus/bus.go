// Package eventbus is the in-process fan-out for job progress events.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"aivis/internal/domain"
)

// DefaultBuffer is the per-subscriber queue depth.
const DefaultBuffer = 64

type delivery struct {
	ctx   context.Context
	event domain.Event
}

// Each subscriber owns a queue and a goroutine, so events reach a given
// handler in publish order.
type subscription struct {
	id      uint64
	match   func(domain.Event) bool
	handler domain.EventHandler
	queue   chan delivery
}

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	closed  bool
	nextID  atomic.Uint64
	dropped atomic.Uint64
	buffer  int
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// New creates an event bus with DefaultBuffer-deep subscriber queues.
func New(logger *slog.Logger) *Bus {
	return NewWithBuffer(logger, DefaultBuffer)
}

// NewWithBuffer creates an event bus with the given subscriber queue depth.
func NewWithBuffer(logger *slog.Logger, buffer int) *Bus {
	if buffer < 1 {
		buffer = 1
	}
	return &Bus{
		subs:   make(map[uint64]*subscription),
		buffer: buffer,
		logger: logger,
	}
}

// Publish queues event for every matching subscriber. A subscriber whose
// queue is full misses the event; Publish never blocks on a slow handler.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	// Handlers outlive the publisher's request scope.
	ctx = context.WithoutCancel(ctx)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.match(event) {
			continue
		}
		select {
		case sub.queue <- delivery{ctx: ctx, event: event}:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped, subscriber queue full",
				"event", string(event.Type),
				"job_id", event.JobID,
				"subscriber", sub.id,
			)
		}
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(func(e domain.Event) bool { return e.Type == eventType }, handler)
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add(func(domain.Event) bool { return true }, handler)
}

// SubscribeJob registers a handler for every event of one job.
func (b *Bus) SubscribeJob(jobID string, handler domain.EventHandler) func() {
	return b.add(func(e domain.Event) bool { return e.JobID == jobID }, handler)
}

// Dropped returns how many deliveries were discarded because a queue was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

func (b *Bus) add(match func(domain.Event) bool, handler domain.EventHandler) func() {
	sub := &subscription{
		id:      b.nextID.Add(1),
		match:   match,
		handler: handler,
		queue:   make(chan delivery, b.buffer),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[sub.id] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	go b.loop(sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub.id]; ok {
			delete(b.subs, sub.id)
			close(sub.queue)
		}
	}
}

func (b *Bus) loop(sub *subscription) {
	defer b.wg.Done()
	for d := range sub.queue {
		b.invoke(sub, d)
	}
}

func (b *Bus) invoke(sub *subscription, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(d.ctx, d.event)
}

// Close prevents new publishes and waits for queued events to be handled.
// Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.queue)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
