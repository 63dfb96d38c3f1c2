package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aivis/internal/domain"
	"aivis/internal/usecase/catalog"
	"aivis/internal/usecase/jobcontext"
	"aivis/internal/usecase/limiter"
	"aivis/internal/usecase/phase"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubRunner struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	big   int
}

func (s *stubRunner) Run(_ context.Context, in domain.AgentInput) (*domain.AgentResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, in.Agent.ID)
	err := s.fail[in.Agent.ID]
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	res := &domain.AgentResult{Summary: in.Agent.ID + " ok", KeyFindings: []string{in.Agent.ID}}
	if s.big > 0 {
		res.Payload, _ = json.Marshal(map[string]string{"raw": strings.Repeat("p", s.big)})
	}
	return res, nil
}

func (s *stubRunner) called(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c == id {
			return true
		}
	}
	return false
}

type stubReasoner struct {
	out   domain.ReasoningOutcome
	err   error
	block bool
	calls []string
}

func (r *stubReasoner) Reason(ctx context.Context, req domain.ReasoningRequest) (domain.ReasoningOutcome, error) {
	r.calls = append(r.calls, req.Phase)
	if r.block {
		<-ctx.Done()
		return domain.ReasoningOutcome{}, &domain.ReasoningError{Phase: req.Phase, Err: ctx.Err()}
	}
	return r.out, r.err
}

type harness struct {
	cat    *catalog.Catalog
	runner *stubRunner
	jc     *jobcontext.JobContext
	deps   Deps
	cfg    Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cat := catalog.Default()
	runner := &stubRunner{fail: make(map[string]error)}
	lim := limiter.New(limiter.Config{Capacity: 3, QueueTimeout: time.Second}, testLogger())
	exec := phase.New(cat, runner, lim, phase.Config{RetryAttempts: 2, RetryBackoff: time.Millisecond}, testLogger())
	return &harness{
		cat:    cat,
		runner: runner,
		jc:     jobcontext.New(jobcontext.Config{JobID: "job-1", TargetDomain: "example.com"}, cat, nil, testLogger()),
		deps:   Deps{Catalog: cat, Phases: exec},
		cfg: Config{
			ContextLimitBytes:      512 << 10,
			CompressionBudgetBytes: 384 << 10,
			ReasoningTimeout:       time.Second,
			CompressionTimeout:     time.Second,
			CallbackTimeout:        time.Second,
		},
	}
}

func (h *harness) orchestrator() *Orchestrator {
	return New(h.deps, h.jc, h.cfg, testLogger())
}

func threePhasePlan() domain.ExecutionPlan {
	return domain.ExecutionPlan{Phases: []domain.Phase{
		{Name: "discovery", AgentIDs: []string{"page-analysis"}},
		{Name: "research", AgentIDs: []string{"competitor-discovery", "tavily-research", "google-aio", "llm-mentions"}, RunInParallel: true},
		{Name: "analysis", AgentIDs: []string{"content-gap-analysis", "visibility-scoring"}},
	}}
}

type progress struct {
	mu     sync.Mutex
	phases []string
	last   map[string]domain.AgentSummary
}

func (p *progress) fn(_ context.Context, ph string, s map[string]domain.AgentSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phases = append(p.phases, ph)
	p.last = s
}

func TestExecuteEndToEndWithSkippedAgent(t *testing.T) {
	h := newHarness(t)
	h.runner.fail["google-aio"] = errors.New("serp quota exhausted")
	o := h.orchestrator()
	p := &progress{}

	err := o.Execute(context.Background(), threePhasePlan(), p.fn)
	require.NoError(t, err)

	st, _ := o.State()
	assert.Equal(t, StateCompleted, st)
	assert.Equal(t, []string{"discovery", "research", "analysis"}, p.phases)

	assert.Equal(t, domain.StatusSkipped, h.jc.Status("google-aio"))
	assert.Equal(t, domain.StatusCompleted, h.jc.Status("visibility-scoring"))
	assert.Equal(t, domain.StatusCompleted, h.jc.Status("content-gap-analysis"))
	assert.Equal(t, domain.StatusSkipped, p.last["google-aio"].Status)
	assert.Equal(t, "visibility-scoring ok", p.last["visibility-scoring"].Summary)
}

func TestExecuteFailCascadeStopsLaterPhases(t *testing.T) {
	h := newHarness(t)
	h.runner.fail["page-analysis"] = errors.New("site unreachable")
	o := h.orchestrator()
	p := &progress{}

	plan := domain.ExecutionPlan{Phases: []domain.Phase{
		{Name: "discovery", AgentIDs: []string{"page-analysis", "competitor-discovery"}},
		{Name: "research", AgentIDs: []string{"tavily-research", "google-aio"}, RunInParallel: true},
	}}
	err := o.Execute(context.Background(), plan, p.fn)

	var abort *domain.PhaseAbortError
	require.True(t, errors.As(err, &abort))
	assert.Equal(t, "discovery", abort.Phase)
	assert.Equal(t, "page-analysis", abort.Cause.AgentID)

	st, idx := o.State()
	assert.Equal(t, StatePhaseFailed, st)
	assert.Equal(t, 0, idx)
	assert.Equal(t, "phase_failed(0)", o.Describe())

	assert.Equal(t, domain.StatusFailed, h.jc.Status("page-analysis"))
	assert.Equal(t, domain.StatusFailed, h.jc.Status("competitor-discovery"))
	assert.Equal(t, domain.StatusPending, h.jc.Statuses()["tavily-research"])
	assert.Equal(t, domain.StatusPending, h.jc.Statuses()["google-aio"])
	assert.False(t, h.runner.called("tavily-research"))
	assert.Empty(t, p.phases)
}

func TestExecuteRejectsUnknownAgentBeforeRunning(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator()

	plan := domain.ExecutionPlan{Phases: []domain.Phase{
		{Name: "discovery", AgentIDs: []string{"page-analysis"}},
		{Name: "extra", AgentIDs: []string{"sentiment"}},
	}}
	err := o.Execute(context.Background(), plan, nil)

	var unknown *domain.UnknownAgentError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "sentiment", unknown.AgentID)
	assert.Equal(t, "extra", unknown.Phase)
	assert.False(t, h.runner.called("page-analysis"))
	assert.Empty(t, h.jc.Statuses())
}

func TestExecuteRejectsInvalidPlan(t *testing.T) {
	h := newHarness(t)
	err := h.orchestrator().Execute(context.Background(), domain.ExecutionPlan{}, nil)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestExecuteIsSingleUse(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator()
	plan := domain.ExecutionPlan{Phases: []domain.Phase{{Name: "discovery", AgentIDs: []string{"page-analysis"}}}}

	require.NoError(t, o.Execute(context.Background(), plan, nil))
	err := o.Execute(context.Background(), plan, nil)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestCallbackPanicIsAbsorbed(t *testing.T) {
	h := newHarness(t)
	calls := 0
	err := h.orchestrator().Execute(context.Background(), threePhasePlan(), func(context.Context, string, map[string]domain.AgentSummary) {
		calls++
		panic("sink exploded")
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestBlockingCallbackIsBounded(t *testing.T) {
	h := newHarness(t)
	h.cfg.CallbackTimeout = 20 * time.Millisecond

	var mu sync.Mutex
	var phases []string
	var abandoned int
	start := time.Now()
	err := h.orchestrator().Execute(context.Background(), threePhasePlan(), func(ctx context.Context, ph string, _ map[string]domain.AgentSummary) {
		mu.Lock()
		phases = append(phases, ph)
		mu.Unlock()
		<-ctx.Done()
		mu.Lock()
		abandoned++
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, domain.StatusCompleted, h.jc.Status("visibility-scoring"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return abandoned == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.ElementsMatch(t, []string{"discovery", "research", "analysis"}, phases)
	mu.Unlock()
}

func TestReasoningIsAdvisory(t *testing.T) {
	tests := []struct {
		name     string
		reasoner *stubReasoner
	}{
		{"stop suggested", &stubReasoner{out: domain.ReasoningOutcome{StopSuggested: true, Rationale: "nothing left"}}},
		{"failure", &stubReasoner{err: &domain.ReasoningError{Phase: "x", Err: domain.ErrRateLimit}}},
		{"no suggestion", &stubReasoner{out: domain.ReasoningOutcome{Continue: true}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.deps.Reasoner = tt.reasoner
			err := h.orchestrator().Execute(context.Background(), threePhasePlan(), nil)
			require.NoError(t, err)
			assert.Equal(t, []string{"discovery", "research", "analysis"}, tt.reasoner.calls)
			assert.Equal(t, domain.StatusCompleted, h.jc.Status("visibility-scoring"))
		})
	}
}

func TestReasoningIsBoundedByTimeout(t *testing.T) {
	h := newHarness(t)
	h.cfg.ReasoningTimeout = 10 * time.Millisecond
	h.deps.Reasoner = &stubReasoner{block: true}

	start := time.Now()
	err := h.orchestrator().Execute(context.Background(), threePhasePlan(), nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCompressionWhenApproachingLimit(t *testing.T) {
	h := newHarness(t)
	h.runner.big = 4000
	h.cfg.ContextLimitBytes = 8000
	h.cfg.CompressionBudgetBytes = 6000

	err := h.orchestrator().Execute(context.Background(), threePhasePlan(), nil)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, h.jc.CompressionCount(), 1)
	res, ok := h.jc.Result("page-analysis")
	require.True(t, ok)
	assert.Equal(t, "page-analysis ok", res.Summary)
}

func TestCompressionOverflowIsNonFatal(t *testing.T) {
	h := newHarness(t)
	h.runner.big = 4000
	h.cfg.ContextLimitBytes = 100
	h.cfg.CompressionBudgetBytes = 10

	err := h.orchestrator().Execute(context.Background(), threePhasePlan(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, h.jc.CompressionCount())
}

func TestCancellationSurfacesAsIs(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.orchestrator().Execute(ctx, threePhasePlan(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

type captureBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *captureBus) Publish(_ context.Context, ev domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}
func (b *captureBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *captureBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *captureBus) Close()                                                 {}

func TestPhaseEventsPublished(t *testing.T) {
	h := newHarness(t)
	bus := &captureBus{}
	h.deps.Bus = bus

	plan := domain.ExecutionPlan{Phases: []domain.Phase{{Name: "discovery", AgentIDs: []string{"page-analysis"}}}}
	require.NoError(t, h.orchestrator().Execute(context.Background(), plan, nil))

	require.Len(t, bus.events, 2)
	assert.Equal(t, domain.EventPhaseStarted, bus.events[0].Type)
	assert.Equal(t, domain.EventPhaseCompleted, bus.events[1].Type)
	assert.Equal(t, "job-1", bus.events[1].JobID)

	var payload domain.PhaseCompletedPayload
	require.NoError(t, json.Unmarshal(bus.events[1].Payload, &payload))
	assert.Equal(t, domain.OutcomeCompleted, payload.Outcome)
	assert.Equal(t, domain.StatusCompleted, payload.Summaries["page-analysis"].Status)
}
