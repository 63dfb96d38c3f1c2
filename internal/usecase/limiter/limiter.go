// Package limiter gates calls to the generation service behind a fixed
// number of slots shared by every job in the process. Waiters are served
// strictly in arrival order and may give up after a per-wait timeout.
package limiter

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"aivis/internal/domain"
	"aivis/internal/infra/telemetry"
)

// Config holds limiter settings.
type Config struct {
	Capacity     int
	QueueTimeout time.Duration // default wait bound for Acquire; <= 0 waits until ctx is done
}

// Status is a point-in-time snapshot of the limiter.
type Status struct {
	Capacity int `json:"capacity"`
	Running  int `json:"running"`
	Queued   int `json:"queued"`
}

// Limiter is a counting semaphore with a FIFO wait queue.
// running, waiters and every waiter's promoted flag are guarded by mu.
type Limiter struct {
	mu       sync.Mutex
	capacity int
	running  int
	waiters  *list.List // of *waiter
	timeout  time.Duration
	logger   *slog.Logger
}

type waiter struct {
	ready    chan struct{}
	elem     *list.Element
	promoted bool
}

// New creates a limiter. Capacity below 1 is raised to 1.
func New(cfg Config, logger *slog.Logger) *Limiter {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	return &Limiter{
		capacity: cfg.Capacity,
		waiters:  list.New(),
		timeout:  cfg.QueueTimeout,
		logger:   logger,
	}
}

// Acquire waits for a slot using the configured queue timeout.
func (l *Limiter) Acquire(ctx context.Context) (*Token, error) {
	return l.AcquireTimeout(ctx, l.timeout)
}

// AcquireTimeout waits for a slot for at most timeout (<= 0 means no bound
// other than ctx). On timeout the caller is removed from the queue and a
// *domain.TimeoutError is returned; on cancellation ctx.Err() is returned.
func (l *Limiter) AcquireTimeout(ctx context.Context, timeout time.Duration) (*Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	if l.running < l.capacity {
		l.running++
		l.mu.Unlock()
		return l.newToken(), nil
	}
	w := &waiter{ready: make(chan struct{})}
	w.elem = l.waiters.PushBack(w)
	queued := l.waiters.Len()
	l.mu.Unlock()

	l.logger.Debug("limiter: queued", "position", queued, "capacity", l.capacity)

	start := time.Now()
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-w.ready:
		telemetry.RecordLimiterWait(ctx, time.Since(start), false)
		return l.newToken(), nil
	case <-expired:
		if tok, ok := l.abandon(w); ok {
			return tok, nil
		}
		remaining := l.Status().Queued
		waited := time.Since(start)
		telemetry.RecordLimiterWait(ctx, waited, true)
		l.logger.Warn("limiter: wait timed out", "waited", waited, "queued", remaining)
		return nil, &domain.TimeoutError{Waited: waited, QueueLength: remaining}
	case <-ctx.Done():
		if tok, ok := l.abandon(w); ok {
			// Promoted concurrently with cancellation: hand the slot back.
			tok.Release()
		}
		return nil, ctx.Err()
	}
}

// abandon removes w from the queue. If a Release promoted w before the lock
// was taken, the slot is already counted for it and a token is returned.
func (l *Limiter) abandon(w *waiter) (*Token, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w.promoted {
		return l.newToken(), true
	}
	l.waiters.Remove(w.elem)
	return nil, false
}

// Release frees one slot and, if anyone is waiting, hands it to the head of
// the queue in the same critical section.
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running > 0 {
		l.running--
	}
	front := l.waiters.Front()
	if front == nil || l.running >= l.capacity {
		return
	}
	w := l.waiters.Remove(front).(*waiter)
	w.promoted = true
	l.running++
	close(w.ready)
}

// Status returns a snapshot of the limiter counters.
func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{Capacity: l.capacity, Running: l.running, Queued: l.waiters.Len()}
}

// Capacity returns the fixed slot count.
func (l *Limiter) Capacity() int { return l.capacity }

func (l *Limiter) newToken() *Token { return &Token{l: l} }

// Token is a held slot. Release is idempotent, so `defer tok.Release()`
// is safe on every exit path.
type Token struct {
	l    *Limiter
	once sync.Once
}

// Release returns the slot to the limiter.
func (t *Token) Release() {
	if t == nil {
		return
	}
	t.once.Do(t.l.Release)
}

// Do runs fn while holding a slot.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	tok, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer tok.Release()
	return fn(ctx)
}
