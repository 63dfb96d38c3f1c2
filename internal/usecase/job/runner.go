// Package job runs analysis jobs end to end: it allocates the job id, asks
// the plan source for a plan, drives the orchestrator, and keeps the job
// store and event bus in step with the coarse job status.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"aivis/internal/domain"
	"aivis/internal/infra/logger"
	"aivis/internal/usecase/catalog"
	"aivis/internal/usecase/jobcontext"
	"aivis/internal/usecase/orchestrator"
)

// Request describes one analysis to run.
type Request struct {
	TenantID     string
	TargetDomain string
	Options      map[string]string
	// Plan, when set, is used instead of asking the plan source.
	Plan *domain.ExecutionPlan
}

// Config holds job-level settings.
type Config struct {
	Orchestrator     orchestrator.Config
	ApproachFraction float64
}

// Deps are the collaborators a Runner needs. Reasoner, Shrinker and Bus
// are optional.
type Deps struct {
	Catalog  *catalog.Catalog
	Phases   orchestrator.PhaseRunner
	Plans    domain.PlanSource
	Store    domain.JobStore
	Reasoner domain.Reasoner
	Shrinker jobcontext.PayloadShrinker
	Bus      domain.EventBus
}

// Runner executes jobs. Synchronous runs use Run; Submit runs a job in the
// background until Close.
type Runner struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a job runner.
func NewRunner(deps Deps, cfg Config, logger *slog.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		deps:    deps,
		cfg:     cfg,
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Run executes req synchronously and returns the final job record. The
// error is the orchestration error that failed the job, if any; the record
// is returned in both cases once the job was created.
func (r *Runner) Run(ctx context.Context, req Request, onPhase domain.PhaseCompleteFunc) (*domain.JobRecord, error) {
	rec, err := r.create(ctx, req)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, rec, req, onPhase)
}

// Submit queues req and runs it in the background. It returns the job id
// as soon as the job is persisted.
func (r *Runner) Submit(ctx context.Context, req Request) (string, error) {
	rec, err := r.create(ctx, req)
	if err != nil {
		return "", err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.execute(r.baseCtx, rec, req, nil); err != nil {
			r.logger.Debug("background job ended with error", "job_id", rec.ID, "error", err)
		}
	}()
	return rec.ID, nil
}

// Close cancels background jobs and waits for them to record their status.
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()
}

// Wait blocks until every submitted job has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) create(ctx context.Context, req Request) (domain.JobRecord, error) {
	if req.TargetDomain == "" {
		return domain.JobRecord{}, domain.NewSubSystemError("job", "Runner.create", domain.ErrInvalidInput, "target domain is required")
	}
	now := time.Now().UTC()
	rec := domain.JobRecord{
		ID:           generateID(),
		TenantID:     req.TenantID,
		TargetDomain: req.TargetDomain,
		Status:       domain.JobQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.deps.Store.SaveJob(ctx, rec); err != nil {
		return domain.JobRecord{}, domain.WrapOp("save job", err)
	}
	r.publish(ctx, domain.EventJobQueued, rec.ID, map[string]string{"target_domain": rec.TargetDomain})
	r.logger.Info("job queued", "job_id", rec.ID, "tenant_id", rec.TenantID, "domain", rec.TargetDomain)
	return rec, nil
}

func (r *Runner) execute(ctx context.Context, rec domain.JobRecord, req Request, onPhase domain.PhaseCompleteFunc) (*domain.JobRecord, error) {
	log := logger.ForJob(r.logger, rec.ID, rec.TenantID)
	ctx = domain.ContextWithJobID(ctx, rec.ID)

	jc := jobcontext.New(jobcontext.Config{
		JobID:            rec.ID,
		TenantID:         rec.TenantID,
		TargetDomain:     rec.TargetDomain,
		Options:          req.Options,
		ApproachFraction: r.cfg.ApproachFraction,
	}, r.deps.Catalog, r.deps.Shrinker, log)

	if err := r.deps.Store.UpdateStatus(ctx, rec.ID, domain.JobAnalyzing, ""); err != nil {
		log.Warn("status update failed", "status", domain.JobAnalyzing, "error", err)
	}
	r.publish(ctx, domain.EventJobStarted, rec.ID, nil)

	start := time.Now()
	err := r.orchestrate(ctx, jc, req, onPhase)

	final := jc.Record()
	final.Status = domain.JobCompleted
	final.CreatedAt = rec.CreatedAt
	final.UpdatedAt = time.Now().UTC()
	if err != nil {
		final.Status = domain.JobFailed
		final.Error = err.Error()
		final.ErrorCode = domain.ErrorCodeOf(err)
	}

	// The job's own ctx may be cancelled; the final status must still land.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if serr := r.deps.Store.SaveJob(saveCtx, final); serr != nil {
		log.Error("final job save failed", "error", serr)
	}

	if err != nil {
		log.Error("job failed", "error", err, "code", final.ErrorCode, "duration", time.Since(start))
		r.publish(saveCtx, domain.EventJobFailed, rec.ID, map[string]string{"error": err.Error(), "code": string(final.ErrorCode)})
		return &final, err
	}
	log.Info("job completed",
		"duration", time.Since(start),
		"size_bytes", final.SizeBytes,
		"compressions", final.Compressions,
	)
	r.publish(saveCtx, domain.EventJobCompleted, rec.ID, nil)
	return &final, nil
}

func (r *Runner) orchestrate(ctx context.Context, jc *jobcontext.JobContext, req Request, onPhase domain.PhaseCompleteFunc) error {
	var plan domain.ExecutionPlan
	switch {
	case req.Plan != nil:
		plan = *req.Plan
	case r.deps.Plans != nil:
		p, err := r.deps.Plans.ExecutionPlan(ctx, domain.JobInputs{
			JobID:        jc.JobID(),
			TenantID:     jc.TenantID(),
			TargetDomain: jc.TargetDomain(),
			Options:      req.Options,
		})
		if err != nil {
			return fmt.Errorf("%w: %w", domain.ErrInvalidPlan, err)
		}
		plan = p
	default:
		return fmt.Errorf("%w: no plan source configured", domain.ErrInvalidPlan)
	}

	o := orchestrator.New(orchestrator.Deps{
		Catalog:  r.deps.Catalog,
		Phases:   r.deps.Phases,
		Reasoner: r.deps.Reasoner,
		Bus:      r.deps.Bus,
	}, jc, r.cfg.Orchestrator, r.logger)

	err := o.Execute(ctx, plan, onPhase)
	if err != nil && errors.Is(err, context.Canceled) {
		return fmt.Errorf("job cancelled: %w", err)
	}
	return err
}

func (r *Runner) publish(ctx context.Context, t domain.EventType, jobID string, payload any) {
	if r.deps.Bus == nil {
		return
	}
	r.deps.Bus.Publish(ctx, domain.NewEvent(t, jobID, payload))
}

// generateID returns a ULID-based job identifier.
func generateID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
