// Package scheduling runs recurring analyses on cron or fixed-interval
// schedules.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"aivis/internal/domain"
	"aivis/internal/usecase/job"
)

// DefaultRunTimeout bounds one scheduled analysis.
const DefaultRunTimeout = 30 * time.Minute

// JobRunner runs one analysis to completion. *job.Runner satisfies it.
type JobRunner interface {
	Run(ctx context.Context, req job.Request, onPhase domain.PhaseCompleteFunc) (*domain.JobRecord, error)
}

// Analysis defines a recurring analysis.
type Analysis struct {
	Name         string
	Schedule     string // cron expression "0 3 * * *" OR duration "6h"
	TenantID     string
	TargetDomain string
	Options      map[string]string
}

// Entry describes a registered analysis for status output.
type Entry struct {
	Name     string
	Schedule string
	Next     time.Time
	Prev     time.Time
}

// Scheduler triggers analyses on their schedules. An analysis whose
// previous run is still in progress is skipped rather than overlapped.
type Scheduler struct {
	cron       *cron.Cron
	runner     JobRunner
	runTimeout time.Duration
	entries    map[string]registered
	logger     *slog.Logger
	mu         sync.Mutex
	started    bool
	ctx        context.Context
	cancel     context.CancelFunc
}

type registered struct {
	id       cron.EntryID
	schedule string
}

// NewScheduler creates a scheduler. runTimeout <= 0 uses DefaultRunTimeout.
func NewScheduler(runner JobRunner, runTimeout time.Duration, logger *slog.Logger) *Scheduler {
	if runTimeout <= 0 {
		runTimeout = DefaultRunTimeout
	}
	cl := cronLogger{logger}
	return &Scheduler{
		cron:       cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		runner:     runner,
		runTimeout: runTimeout,
		entries:    make(map[string]registered),
		logger:     logger,
	}
}

// Add registers an analysis. Names must be unique.
func (s *Scheduler) Add(a Analysis) error {
	if a.TargetDomain == "" {
		return fmt.Errorf("scheduler: analysis %q has no target domain", a.Name)
	}
	schedule, err := parseSchedule(a.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for analysis %q: %w", a.Schedule, a.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[a.Name]; exists {
		return fmt.Errorf("scheduler: analysis %q already exists", a.Name)
	}

	req := job.Request{
		TenantID:     a.TenantID,
		TargetDomain: a.TargetDomain,
		Options:      maps.Clone(a.Options),
	}
	name := a.Name
	id := s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(name, req) }))
	s.entries[name] = registered{id: id, schedule: a.Schedule}

	s.logger.Info("analysis scheduled", "name", name, "schedule", a.Schedule, "domain", a.TargetDomain)
	return nil
}

func (s *Scheduler) fire(name string, req job.Request) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if ctx == nil {
		s.logger.Debug("scheduler stopped, skipping analysis", "name", name)
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	start := time.Now()
	rec, err := s.runner.Run(runCtx, req, nil)
	switch {
	case err != nil:
		attrs := []any{"name", name, "error", err, "duration", time.Since(start)}
		if rec != nil {
			attrs = append(attrs, "job_id", rec.ID)
		}
		s.logger.Warn("scheduled analysis failed", attrs...)
	default:
		s.logger.Info("scheduled analysis completed",
			"name", name,
			"job_id", rec.ID,
			"duration", time.Since(start))
	}
}

// Remove unregisters an analysis.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("scheduler: analysis %q not found", name)
	}
	s.cron.Remove(e.id)
	delete(s.entries, name)
	s.logger.Info("analysis removed", "name", name)
	return nil
}

// Entries lists registered analyses sorted by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for name, e := range s.entries {
		ce := s.cron.Entry(e.id)
		out = append(out, Entry{Name: name, Schedule: e.schedule, Next: ce.Next, Prev: ce.Prev})
	}
	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// Start begins running the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop cancels running analyses and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx = nil
	s.started = false
	s.mu.Unlock()

	// fire takes mu, so wait for running jobs without holding it.
	<-s.cron.Stop().Done()
	return nil
}

// parseSchedule tries to parse a schedule string as a cron expression first,
// then falls back to time.ParseDuration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return constantDelay{delay: dur}, nil
}

// ValidateSchedule reports whether schedule parses.
func ValidateSchedule(schedule string) error {
	_, err := parseSchedule(schedule)
	return err
}

// constantDelay implements cron.Schedule for a fixed interval.
// Unlike cron.Every(), it supports sub-second durations.
type constantDelay struct {
	delay time.Duration
}

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
