// Package phase runs the agents of one execution-plan phase under the
// shared concurrency limiter and applies their failure policies.
package phase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"aivis/internal/domain"
	"aivis/internal/infra/telemetry"
	"aivis/internal/infra/tracer"
	"aivis/internal/usecase/catalog"
	"aivis/internal/usecase/jobcontext"
	"aivis/internal/usecase/limiter"
)

// Config controls agent execution.
type Config struct {
	// RetryAttempts is the number of extra attempts for retry-policy agents.
	RetryAttempts int
	// RetryBackoff is the initial backoff between attempts.
	RetryBackoff time.Duration
	// AgentTimeout bounds one attempt. Zero means no bound besides ctx.
	AgentTimeout time.Duration
}

// Slots hands out concurrency slots. *limiter.Limiter satisfies it.
type Slots interface {
	Acquire(ctx context.Context) (*limiter.Token, error)
}

// Executor runs phases. It is safe for concurrent use by multiple jobs.
type Executor struct {
	catalog *catalog.Catalog
	runner  domain.Runner
	slots   Slots
	bus     domain.EventBus
	cfg     Config
	logger  *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithEventBus publishes agent skip and retry events on bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(e *Executor) { e.bus = bus }
}

// New creates an executor.
func New(cat *catalog.Catalog, runner domain.Runner, slots Slots, cfg Config, logger *slog.Logger, opts ...Option) *Executor {
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	e := &Executor{
		catalog: cat,
		runner:  runner,
		slots:   slots,
		cfg:     cfg,
		logger:  logger,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// run tracks the agents of one phase invocation.
type run struct {
	phase domain.Phase
	jc    *jobcontext.JobContext

	mu      sync.Mutex
	results map[string]*domain.AgentResult
	abort   *domain.PhaseAbortError
}

func (r *run) setResult(id string, res *domain.AgentResult) {
	r.mu.Lock()
	r.results[id] = res
	r.mu.Unlock()
}

func (r *run) setAbort(err *domain.PhaseAbortError) {
	r.mu.Lock()
	if r.abort == nil {
		r.abort = err
	}
	r.mu.Unlock()
}

// Run executes phase against jc and returns its outcome. The error is
// non-nil only when ctx was cancelled, in which case unfinished agents are
// recorded as failed.
func (e *Executor) Run(ctx context.Context, phase domain.Phase, jc *jobcontext.JobContext) (domain.PhaseOutcome, error) {
	ctx, span := tracer.StartSpan(ctx, "phase.run")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("phase.name", phase.Name),
		tracer.IntAttr("phase.agents", len(phase.AgentIDs)),
	)

	r := &run{phase: phase, jc: jc, results: make(map[string]*domain.AgentResult)}
	if phase.RunInParallel {
		e.runParallel(ctx, r)
	} else {
		e.runSequential(ctx, r)
	}

	if err := ctx.Err(); err != nil {
		e.failUnfinished(r, "job cancelled: "+err.Error())
		tracer.RecordError(span, err)
		return domain.PhaseOutcome{}, err
	}

	outcome := e.outcome(r)
	telemetry.RecordPhase(ctx, phase.Name, string(outcome.Kind))
	if outcome.Err != nil {
		tracer.RecordError(span, outcome.Err)
	} else {
		tracer.SetOK(span)
	}
	return outcome, nil
}

func (e *Executor) outcome(r *run) domain.PhaseOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.abort != nil {
		return domain.Aborted(r.abort)
	}
	var skipped []string
	for _, id := range r.phase.AgentIDs {
		if r.jc.Status(id) == domain.StatusSkipped {
			skipped = append(skipped, id)
		}
	}
	if len(skipped) > 0 {
		return domain.CompletedWithSkips(r.results, skipped)
	}
	return domain.Completed(r.results)
}

func (e *Executor) runSequential(ctx context.Context, r *run) {
	for i, id := range r.phase.AgentIDs {
		if ctx.Err() != nil {
			return
		}
		desc, _ := e.catalog.Get(id)
		if err := e.unmet(desc, r.jc); err != nil {
			if abort := e.applyPolicy(ctx, r, desc, err); abort != nil {
				e.failRest(r, r.phase.AgentIDs[i+1:], abort)
				return
			}
			continue
		}
		if abort := e.runAgent(ctx, r, desc); abort != nil {
			e.failRest(r, r.phase.AgentIDs[i+1:], abort)
			return
		}
	}
}

// runParallel runs the phase in waves. Each wave starts every agent whose
// dependencies are complete; agents waiting on same-phase dependencies move
// to the next wave, and agents that can never become ready are resolved by
// their own failure policy.
func (e *Executor) runParallel(ctx context.Context, r *run) {
	remaining := append([]string(nil), r.phase.AgentIDs...)
	for wave := 1; len(remaining) > 0; wave++ {
		if ctx.Err() != nil {
			return
		}
		completed := r.jc.Completed()
		var ready, waiting []string
		for i, id := range remaining {
			desc, _ := e.catalog.Get(id)
			if err := e.blocked(desc, r.jc); err != nil {
				if abort := e.applyPolicy(ctx, r, desc, err); abort != nil {
					e.failRest(r, slices.Concat(ready, waiting, remaining[i+1:]), abort)
					return
				}
				continue
			}
			if e.catalog.DependenciesSatisfied(id, completed) {
				ready = append(ready, id)
			} else {
				waiting = append(waiting, id)
			}
		}
		if len(ready) == 0 {
			for i, id := range waiting {
				desc, _ := e.catalog.Get(id)
				err := e.unmet(desc, r.jc)
				if err == nil {
					continue
				}
				if abort := e.applyPolicy(ctx, r, desc, err); abort != nil {
					e.failRest(r, waiting[i+1:], abort)
					return
				}
			}
			return
		}

		concurrent := e.catalog.EligibleForParallelRun(ready, completed)
		solo := difference(ready, concurrent)
		e.logger.Debug("phase wave",
			"phase", r.phase.Name,
			"wave", wave,
			"concurrent", concurrent,
			"solo", solo,
			"waiting", waiting,
		)

		if abort := e.runWave(ctx, r, concurrent); abort != nil {
			e.failRest(r, append(solo, waiting...), abort)
			return
		}
		for i, id := range solo {
			desc, _ := e.catalog.Get(id)
			if abort := e.runAgent(ctx, r, desc); abort != nil {
				e.failRest(r, append(solo[i+1:], waiting...), abort)
				return
			}
		}
		remaining = waiting
	}
}

// runWave runs ids concurrently. The first fail-policy error cancels the
// others; agents interrupted that way are recorded as failed.
func (e *Executor) runWave(ctx context.Context, r *run, ids []string) *domain.PhaseAbortError {
	if len(ids) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		desc, _ := e.catalog.Get(id)
		g.Go(func() error {
			if abort := e.runAgent(gctx, r, desc); abort != nil {
				return abort
			}
			return nil
		})
	}
	var abort *domain.PhaseAbortError
	if err := g.Wait(); err != nil && !errors.As(err, &abort) {
		e.logger.Error("unexpected wave error", "phase", r.phase.Name, "error", err)
	}
	return abort
}

// runAgent executes one agent with its retry budget and applies the
// resulting policy. It returns non-nil only for a fail-policy error.
func (e *Executor) runAgent(ctx context.Context, r *run, desc domain.AgentDescriptor) *domain.PhaseAbortError {
	start := time.Now()
	res, execErr := e.execute(ctx, r, desc)
	if execErr == nil {
		if err := r.jc.RecordResult(desc.ID, *res); err != nil {
			e.logger.Error("record result failed", "agent", desc.ID, "error", err)
		}
		r.setResult(desc.ID, res)
		telemetry.RecordAgent(ctx, telemetry.AgentMetrics{
			AgentID:  desc.ID,
			Phase:    r.phase.Name,
			Outcome:  string(domain.StatusCompleted),
			Duration: time.Since(start),
		})
		return nil
	}

	if ctx.Err() != nil {
		// Cancelled from outside the agent: the job or a sibling's abort.
		_ = r.jc.RecordFailed(desc.ID, "cancelled: "+ctx.Err().Error())
		return nil
	}
	abort := e.applyPolicy(ctx, r, desc, execErr)
	outcome := domain.StatusSkipped
	if abort != nil {
		outcome = domain.StatusFailed
	}
	telemetry.RecordAgent(ctx, telemetry.AgentMetrics{
		AgentID:  desc.ID,
		Phase:    r.phase.Name,
		Outcome:  string(outcome),
		Attempts: execErr.Attempts,
		Duration: time.Since(start),
	})
	return abort
}

func (e *Executor) execute(ctx context.Context, r *run, desc domain.AgentDescriptor) (*domain.AgentResult, *domain.AgentExecutionError) {
	ctx, span := tracer.StartSpan(ctx, "agent.run")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("agent.id", desc.ID))

	tries := 1
	if desc.EffectivePolicy() == domain.PolicyRetry {
		tries += e.cfg.RetryAttempts
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryBackoff
	b.MaxInterval = 8 * e.cfg.RetryBackoff

	attempt := 0
	res, err := backoff.Retry(ctx, func() (*domain.AgentResult, error) {
		attempt++
		res, err := e.attempt(ctx, r, desc, attempt)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(tries)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			e.logger.Warn("agent attempt failed, retrying",
				"agent", desc.ID,
				"phase", r.phase.Name,
				"attempt", attempt,
				"backoff", wait,
				"error", err,
			)
			e.publish(ctx, domain.EventAgentRetried, r, domain.AgentEventPayload{
				AgentID: desc.ID,
				Phase:   r.phase.Name,
				Reason:  err.Error(),
				Attempt: attempt,
			})
		}),
	)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, &domain.AgentExecutionError{AgentID: desc.ID, Attempts: attempt, Err: err}
	}
	tracer.SetOK(span)
	return res, nil
}

func (e *Executor) attempt(ctx context.Context, r *run, desc domain.AgentDescriptor, n int) (*domain.AgentResult, error) {
	tok, err := e.slots.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer tok.Release()

	if e.cfg.AgentTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.AgentTimeout)
		defer cancel()
	}
	res, err := e.runner.Run(ctx, domain.AgentInput{
		JobID:        r.jc.JobID(),
		TenantID:     r.jc.TenantID(),
		TargetDomain: r.jc.TargetDomain(),
		Options:      r.jc.Options(),
		Agent:        desc,
		Dependencies: r.jc.Summaries(desc.Inputs),
		Attempt:      n,
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("agent %q returned no result", desc.ID)
	}
	return res, nil
}

// applyPolicy records a failed agent according to its policy and returns
// the abort error when the policy is fail.
func (e *Executor) applyPolicy(ctx context.Context, r *run, desc domain.AgentDescriptor, execErr *domain.AgentExecutionError) *domain.PhaseAbortError {
	policy := desc.EffectivePolicy()
	if policy == domain.PolicyRetry {
		policy = desc.ExhaustedPolicy()
	}
	if policy == domain.PolicyFail {
		_ = r.jc.RecordFailed(desc.ID, execErr.Error())
		e.logger.Error("agent failed, aborting phase",
			"agent", desc.ID,
			"phase", r.phase.Name,
			"attempts", execErr.Attempts,
			"error", execErr.Err,
		)
		abort := &domain.PhaseAbortError{Phase: r.phase.Name, Cause: execErr}
		r.setAbort(abort)
		return abort
	}
	e.skip(ctx, r, desc.ID, execErr.Error())
	return nil
}

func (e *Executor) skip(ctx context.Context, r *run, id, reason string) {
	_ = r.jc.RecordSkipped(id, reason)
	e.logger.Warn("agent skipped", "agent", id, "phase", r.phase.Name, "reason", reason)
	e.publish(ctx, domain.EventAgentSkipped, r, domain.AgentEventPayload{
		AgentID: id,
		Phase:   r.phase.Name,
		Reason:  reason,
	})
}

// failRest marks agents that never started once the phase aborted.
func (e *Executor) failRest(r *run, ids []string, abort *domain.PhaseAbortError) {
	reason := fmt.Sprintf("phase aborted: agent %q failed", abort.Cause.AgentID)
	for _, id := range ids {
		_ = r.jc.RecordFailed(id, reason)
	}
}

func (e *Executor) failUnfinished(r *run, reason string) {
	for _, id := range r.phase.AgentIDs {
		if !r.jc.Status(id).Terminal() {
			_ = r.jc.RecordFailed(id, reason)
		}
	}
}

// blocked reports the first input that ended failed or skipped. Such a
// dependency can never complete within this job.
func (e *Executor) blocked(desc domain.AgentDescriptor, jc *jobcontext.JobContext) *domain.AgentExecutionError {
	for _, in := range desc.Inputs {
		switch st := jc.Status(in); st {
		case domain.StatusFailed, domain.StatusSkipped:
			return &domain.AgentExecutionError{
				AgentID: desc.ID,
				Err:     fmt.Errorf("%w: dependency %q %s", domain.ErrDependencyUnmet, in, st),
			}
		}
	}
	return nil
}

// unmet returns the error for an agent that cannot start, or nil when all
// of its inputs are complete.
func (e *Executor) unmet(desc domain.AgentDescriptor, jc *jobcontext.JobContext) *domain.AgentExecutionError {
	if err := e.blocked(desc, jc); err != nil {
		return err
	}
	completed := jc.Completed()
	if e.catalog.DependenciesSatisfied(desc.ID, completed) {
		return nil
	}
	return &domain.AgentExecutionError{
		AgentID: desc.ID,
		Err:     fmt.Errorf("%w: missing %v", domain.ErrDependencyUnmet, e.catalog.MissingInputs(desc.ID, completed)),
	}
}

func (e *Executor) publish(ctx context.Context, t domain.EventType, r *run, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, domain.NewEvent(t, r.jc.JobID(), payload))
}

func difference(all, remove []string) []string {
	skip := make(map[string]bool, len(remove))
	for _, id := range remove {
		skip[id] = true
	}
	var out []string
	for _, id := range all {
		if !skip[id] {
			out = append(out, id)
		}
	}
	return out
}
