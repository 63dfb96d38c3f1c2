package scheduling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aivis/internal/domain"
	"aivis/internal/usecase/job"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRunner struct {
	mu    sync.Mutex
	reqs  []job.Request
	count atomic.Int32
	block chan struct{}
	err   error
}

func (f *fakeRunner) Run(ctx context.Context, req job.Request, _ domain.PhaseCompleteFunc) (*domain.JobRecord, error) {
	f.count.Add(1)
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return &domain.JobRecord{ID: "j"}, ctx.Err()
		}
	}
	return &domain.JobRecord{ID: "j", Status: domain.JobCompleted}, f.err
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(&fakeRunner{}, 0, newTestLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestSchedulerRunsAnalysis(t *testing.T) {
	r := &fakeRunner{}
	s := NewScheduler(r, time.Second, newTestLogger())
	err := s.Add(Analysis{
		Name:         "frequent",
		Schedule:     "50ms",
		TenantID:     "acme",
		TargetDomain: "example.com",
		Options:      map[string]string{"profile": "quick"},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	s.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	if c := r.count.Load(); c < 1 {
		t.Fatalf("analysis ran %d times, expected at least 1", c)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	got := r.reqs[0]
	if got.TargetDomain != "example.com" || got.TenantID != "acme" || got.Options["profile"] != "quick" {
		t.Errorf("request = %+v", got)
	}
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	r := &fakeRunner{block: make(chan struct{})}
	s := NewScheduler(r, time.Second, newTestLogger())
	if err := s.Add(Analysis{Name: "slow", Schedule: "20ms", TargetDomain: "example.com"}); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	time.Sleep(150 * time.Millisecond)
	s.Stop()

	if c := r.count.Load(); c != 1 {
		t.Errorf("runs = %d, want 1 while the first run was still in progress", c)
	}
}

func TestSchedulerStopCancelsRunningAnalysis(t *testing.T) {
	r := &fakeRunner{block: make(chan struct{})}
	s := NewScheduler(r, time.Minute, newTestLogger())
	s.Add(Analysis{Name: "slow", Schedule: "10ms", TargetDomain: "example.com"})
	s.Start(context.Background())

	deadline := time.Now().Add(time.Second)
	for r.count.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not cancel the running analysis")
	}
}

func TestSchedulerFailureDoesNotStop(t *testing.T) {
	r := &fakeRunner{err: errors.New("boom")}
	s := NewScheduler(r, time.Second, newTestLogger())
	s.Add(Analysis{Name: "flaky", Schedule: "30ms", TargetDomain: "example.com"})
	s.Start(context.Background())
	time.Sleep(150 * time.Millisecond)
	s.Stop()

	if c := r.count.Load(); c < 2 {
		t.Errorf("runs = %d, expected the schedule to keep firing after failures", c)
	}
}

func TestSchedulerAddErrors(t *testing.T) {
	s := NewScheduler(&fakeRunner{}, 0, newTestLogger())

	tests := []struct {
		name string
		a    Analysis
	}{
		{"no domain", Analysis{Name: "a", Schedule: "1h"}},
		{"bad schedule", Analysis{Name: "b", Schedule: "sometimes", TargetDomain: "x.com"}},
		{"negative duration", Analysis{Name: "c", Schedule: "-5m", TargetDomain: "x.com"}},
	}
	for _, tt := range tests {
		if err := s.Add(tt.a); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}

	if err := s.Add(Analysis{Name: "dup", Schedule: "1h", TargetDomain: "x.com"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(Analysis{Name: "dup", Schedule: "2h", TargetDomain: "y.com"}); err == nil {
		t.Error("expected duplicate name error")
	}
}

func TestSchedulerEntriesAndRemove(t *testing.T) {
	s := NewScheduler(&fakeRunner{}, 0, newTestLogger())
	s.Add(Analysis{Name: "weekly", Schedule: "@weekly", TargetDomain: "a.com"})
	s.Add(Analysis{Name: "daily", Schedule: "0 3 * * *", TargetDomain: "b.com"})
	s.Start(context.Background())
	defer s.Stop()

	entries := s.Entries()
	if len(entries) != 2 || entries[0].Name != "daily" || entries[1].Name != "weekly" {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Next.IsZero() {
		t.Error("started scheduler should report the next run")
	}

	if err := s.Remove("daily"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove("daily"); err == nil {
		t.Error("expected error removing twice")
	}
	if len(s.Entries()) != 1 {
		t.Error("entry not removed")
	}
}

func TestParseSchedule(t *testing.T) {
	valid := []string{"*/5 * * * *", "@daily", "30m", "100ms"}
	for _, s := range valid {
		if err := ValidateSchedule(s); err != nil {
			t.Errorf("ValidateSchedule(%q): %v", s, err)
		}
	}
	invalid := []string{"", "0", "every day", "61 * * * *"}
	for _, s := range invalid {
		if err := ValidateSchedule(s); err == nil {
			t.Errorf("ValidateSchedule(%q): expected error", s)
		}
	}

	sched, _ := parseSchedule("90s")
	now := time.Now()
	if got := sched.Next(now); !got.Equal(now.Add(90 * time.Second)) {
		t.Errorf("Next = %v", got)
	}
}
