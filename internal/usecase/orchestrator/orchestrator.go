// Package orchestrator drives one job's execution plan phase by phase.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"aivis/internal/domain"
	"aivis/internal/infra/logger"
	"aivis/internal/infra/tracer"
	"aivis/internal/usecase/catalog"
	"aivis/internal/usecase/jobcontext"
)

// State is the orchestrator lifecycle state.
type State string

const (
	StateInitialized State = "initialized"
	StateExecuting   State = "executing"
	StatePhaseFailed State = "phase_failed"
	StateCompleted   State = "completed"
)

// PhaseRunner executes a single phase. *phase.Executor satisfies it.
type PhaseRunner interface {
	Run(ctx context.Context, phase domain.Phase, jc *jobcontext.JobContext) (domain.PhaseOutcome, error)
}

// Config bounds the post-phase steps.
type Config struct {
	ContextLimitBytes      int
	CompressionBudgetBytes int
	ReasoningTimeout       time.Duration
	CompressionTimeout     time.Duration
	// CallbackTimeout bounds the progress callback. Zero waits for it.
	CallbackTimeout time.Duration
}

// Deps are the collaborators shared by every job.
type Deps struct {
	Catalog  *catalog.Catalog
	Phases   PhaseRunner
	Reasoner domain.Reasoner // optional
	Bus      domain.EventBus // optional
}

// Orchestrator runs one plan against one JobContext. It is single-use.
type Orchestrator struct {
	deps   Deps
	jc     *jobcontext.JobContext
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	state State
	phase int
}

// New creates an orchestrator for jc.
func New(deps Deps, jc *jobcontext.JobContext, cfg Config, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		deps:   deps,
		jc:     jc,
		cfg:    cfg,
		logger: logger.ForJob(log, jc.JobID(), jc.TenantID()),
		state:  StateInitialized,
	}
}

// State returns the current state and, while executing, the index of the
// running phase.
func (o *Orchestrator) State() (State, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state, o.phase
}

func (o *Orchestrator) setState(s State, phase int) {
	o.mu.Lock()
	o.state = s
	o.phase = phase
	o.mu.Unlock()
}

// Execute runs plan to completion. Only *domain.UnknownAgentError,
// *domain.PhaseAbortError, an invalid plan, or the context's own error are
// returned; agent skips, reasoning failures and compression overflows are
// logged and absorbed.
func (o *Orchestrator) Execute(ctx context.Context, plan domain.ExecutionPlan, onPhaseComplete domain.PhaseCompleteFunc) (err error) {
	o.mu.Lock()
	if o.state != StateInitialized {
		o.mu.Unlock()
		return domain.NewSubSystemError("plan", "Orchestrator.Execute", domain.ErrInvalidInput, "orchestrator already used")
	}
	o.state = StateExecuting
	o.mu.Unlock()

	ctx = domain.ContextWithJobID(ctx, o.jc.JobID())
	ctx, span := tracer.StartSpan(ctx, "orchestrator.execute")
	defer func() {
		if err != nil {
			tracer.RecordError(span, err)
		} else {
			tracer.SetOK(span)
		}
		span.End()
	}()
	span.SetAttributes(tracer.IntAttr("plan.phases", len(plan.Phases)))

	if err := plan.Validate(); err != nil {
		o.setState(StatePhaseFailed, 0)
		return err
	}
	if err := o.deps.Catalog.CheckPlan(plan); err != nil {
		o.setState(StatePhaseFailed, 0)
		return err
	}
	if err := o.jc.RecordPending(plan.AgentIDs()...); err != nil {
		o.setState(StatePhaseFailed, 0)
		return err
	}

	for i, ph := range plan.Phases {
		o.setState(StateExecuting, i)
		o.logger.Info("phase started",
			"phase", ph.Name,
			"index", i,
			"agents", ph.AgentIDs,
			"parallel", ph.RunInParallel,
		)
		o.publish(ctx, domain.EventPhaseStarted, map[string]any{"phase": ph.Name, "index": i})

		for _, id := range ph.AgentIDs {
			_ = o.jc.RecordRunning(id)
		}
		start := time.Now()
		outcome, runErr := o.deps.Phases.Run(ctx, ph, o.jc)
		if runErr != nil {
			o.setState(StatePhaseFailed, i)
			o.logger.Warn("job cancelled", "phase", ph.Name, "error", runErr)
			return runErr
		}
		if outcome.Kind == domain.OutcomeAborted {
			o.setState(StatePhaseFailed, i)
			o.logger.Error("phase aborted", "phase", ph.Name, "error", outcome.Err)
			o.publish(ctx, domain.EventPhaseAborted, map[string]any{"phase": ph.Name, "error": outcome.Err.Error()})
			return outcome.Err
		}
		o.logger.Info("phase completed",
			"phase", ph.Name,
			"outcome", outcome.Kind,
			"skipped", outcome.Skipped,
			"duration", time.Since(start),
		)

		summaries := o.jc.AllSummaries()
		o.notify(ctx, onPhaseComplete, ph.Name, summaries)
		o.publish(ctx, domain.EventPhaseCompleted, domain.PhaseCompletedPayload{
			Phase:     ph.Name,
			Outcome:   outcome.Kind,
			Skipped:   outcome.Skipped,
			Summaries: summaries,
		})

		o.reason(ctx, plan, i, summaries)
		o.maybeCompress(ctx)

		if err := ctx.Err(); err != nil {
			o.setState(StatePhaseFailed, i)
			return err
		}
	}

	o.setState(StateCompleted, len(plan.Phases))
	return nil
}

// notify invokes the progress callback, absorbing panics. A callback still
// running after CallbackTimeout is abandoned with a cancelled context.
func (o *Orchestrator) notify(ctx context.Context, fn domain.PhaseCompleteFunc, phase string, summaries map[string]domain.AgentSummary) {
	if fn == nil {
		return
	}
	if o.cfg.CallbackTimeout <= 0 {
		o.callback(ctx, fn, phase, summaries)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, o.cfg.CallbackTimeout)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.callback(cctx, fn, phase, maps.Clone(summaries))
	}()
	select {
	case <-done:
	case <-cctx.Done():
		o.logger.Warn("progress callback abandoned",
			"phase", phase,
			"timeout", o.cfg.CallbackTimeout,
			"error", cctx.Err(),
		)
	}
}

func (o *Orchestrator) callback(ctx context.Context, fn domain.PhaseCompleteFunc, phase string, summaries map[string]domain.AgentSummary) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("progress callback panicked", "phase", phase, "panic", r)
		}
	}()
	fn(ctx, phase, summaries)
}

type reasoningPayload struct {
	Phase   string                   `json:"phase"`
	Outcome *domain.ReasoningOutcome `json:"outcome,omitempty"`
	Error   string                   `json:"error,omitempty"`
}

// reason runs the advisory step. Its result never alters the plan.
func (o *Orchestrator) reason(ctx context.Context, plan domain.ExecutionPlan, idx int, summaries map[string]domain.AgentSummary) {
	if o.deps.Reasoner == nil {
		return
	}
	ph := plan.Phases[idx]
	remaining := make([]string, 0, len(plan.Phases)-idx-1)
	for _, p := range plan.Phases[idx+1:] {
		remaining = append(remaining, p.Name)
	}

	rctx := ctx
	if o.cfg.ReasoningTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, o.cfg.ReasoningTimeout)
		defer cancel()
	}
	out, err := o.deps.Reasoner.Reason(rctx, domain.ReasoningRequest{
		JobID:        o.jc.JobID(),
		TargetDomain: o.jc.TargetDomain(),
		Phase:        ph.Name,
		Summaries:    summaries,
		Remaining:    remaining,
	})
	if err != nil {
		o.logger.Warn("reasoning failed, continuing", "phase", ph.Name, "error", err)
		o.publish(ctx, domain.EventReasoning, reasoningPayload{Phase: ph.Name, Error: err.Error()})
		return
	}
	switch {
	case out.StopSuggested:
		o.logger.Info("reasoning suggested stopping; plan continues",
			"phase", ph.Name,
			"rationale", out.Rationale,
		)
	case out.HasSuggestion():
		o.logger.Info("reasoning adjustments",
			"phase", ph.Name,
			"adjustments", out.Adjustments,
			"rationale", out.Rationale,
		)
	default:
		o.logger.Debug("reasoning: no suggestion", "phase", ph.Name)
	}
	o.publish(ctx, domain.EventReasoning, reasoningPayload{Phase: ph.Name, Outcome: &out})
}

// maybeCompress shrinks the context when it approaches the limit.
func (o *Orchestrator) maybeCompress(ctx context.Context) {
	if !o.jc.IsApproachingLimit(o.cfg.ContextLimitBytes) {
		return
	}
	before := o.jc.SizeEstimate()
	budget := o.cfg.CompressionBudgetBytes
	if budget <= 0 {
		budget = o.cfg.ContextLimitBytes
	}

	cctx := ctx
	if o.cfg.CompressionTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, o.cfg.CompressionTimeout)
		defer cancel()
	}
	err := o.jc.Compress(cctx, budget)
	payload := map[string]any{
		"size_before": before,
		"size_after":  o.jc.SizeEstimate(),
		"budget":      budget,
	}
	if err != nil {
		var overflow *domain.ContextOverflowError
		if errors.As(err, &overflow) {
			o.logger.Warn("context still over budget after compression",
				"size", overflow.SizeBytes,
				"budget", overflow.BudgetBytes,
			)
		} else {
			o.logger.Warn("compression failed", "error", err)
		}
		payload["error"] = err.Error()
	}
	o.publish(ctx, domain.EventCompression, payload)
}

func (o *Orchestrator) publish(ctx context.Context, t domain.EventType, payload any) {
	if o.deps.Bus == nil {
		return
	}
	o.deps.Bus.Publish(ctx, domain.NewEvent(t, o.jc.JobID(), payload))
}

// Describe returns a one-line status for operators.
func (o *Orchestrator) Describe() string {
	st, idx := o.State()
	if st == StateExecuting || st == StatePhaseFailed {
		return fmt.Sprintf("%s(%d)", st, idx)
	}
	return string(st)
}
