package eventbus

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"aivis/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

func newEvent(t domain.EventType, jobID string) domain.Event {
	return domain.Event{Type: t, JobID: jobID}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventPhaseCompleted, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventPhaseCompleted {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventPhaseCompleted, "j1"))
	bus.Publish(context.Background(), newEvent(domain.EventPhaseStarted, "j1"))
	bus.Close() // drain
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventJobQueued, "j1"))
	bus.Publish(context.Background(), newEvent(domain.EventAgentSkipped, "j2"))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2, got %d", got.Load())
	}
}

func TestSubscribeJob(t *testing.T) {
	bus := newTestBus()

	var mu sync.Mutex
	var jobs []string
	bus.SubscribeJob("j1", func(_ context.Context, e domain.Event) {
		mu.Lock()
		jobs = append(jobs, e.JobID)
		mu.Unlock()
	})

	bus.Publish(context.Background(), newEvent(domain.EventJobStarted, "j1"))
	bus.Publish(context.Background(), newEvent(domain.EventJobStarted, "j2"))
	bus.Publish(context.Background(), newEvent(domain.EventJobCompleted, "j1"))
	bus.Close()

	if len(jobs) != 2 || jobs[0] != "j1" || jobs[1] != "j1" {
		t.Fatalf("unexpected deliveries: %v", jobs)
	}
}

func TestDeliveryOrderPerSubscriber(t *testing.T) {
	bus := newTestBus()

	var order []domain.EventType
	bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		order = append(order, e.Type)
	})

	want := []domain.EventType{
		domain.EventJobStarted,
		domain.EventPhaseStarted,
		domain.EventPhaseCompleted,
		domain.EventJobCompleted,
	}
	for _, et := range want {
		bus.Publish(context.Background(), newEvent(et, "j1"))
	}
	bus.Close()

	if len(order) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventJobQueued, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})
	unsub()
	unsub() // idempotent

	bus.Publish(context.Background(), newEvent(domain.EventJobQueued, "j1"))
	bus.Close()
	if got.Load() != 0 {
		t.Fatalf("expected 0 after unsubscribe, got %d", got.Load())
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventJobFailed, func(_ context.Context, _ domain.Event) {
		got.Add(1)
		panic("boom")
	})

	bus.Publish(context.Background(), newEvent(domain.EventJobFailed, "j1"))
	bus.Publish(context.Background(), newEvent(domain.EventJobFailed, "j1"))
	bus.Close()
	if got.Load() != 2 {
		t.Fatalf("expected handler to survive panic, got %d calls", got.Load())
	}
}

func TestFullQueueDrops(t *testing.T) {
	bus := NewWithBuffer(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})), 1)

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	})

	bus.Publish(context.Background(), newEvent(domain.EventJobStarted, "j1"))
	<-entered                                                                   // handler is busy with the first event
	bus.Publish(context.Background(), newEvent(domain.EventPhaseStarted, "j1")) // fills the queue
	bus.Publish(context.Background(), newEvent(domain.EventPhaseCompleted, "j1"))

	if bus.Dropped() != 1 {
		t.Fatalf("expected 1 dropped, got %d", bus.Dropped())
	}
	close(release)
	bus.Close()
}

func TestPublishAfterClose(t *testing.T) {
	bus := newTestBus()
	bus.Close()
	bus.Close()

	called := false
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) { called = true })
	bus.Publish(context.Background(), newEvent(domain.EventJobQueued, "j1"))
	if called {
		t.Fatal("handler must not run after Close")
	}
}

func TestPublishStampsTimestamp(t *testing.T) {
	bus := newTestBus()

	var stamped atomic.Bool
	bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		stamped.Store(!e.Timestamp.IsZero())
	})
	bus.Publish(context.Background(), newEvent(domain.EventJobQueued, "j1"))
	bus.Close()

	if !stamped.Load() {
		t.Fatal("expected timestamp to be set")
	}
}
