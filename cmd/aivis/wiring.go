package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"aivis/internal/adapter/agentrunner"
	"aivis/internal/adapter/generation"
	"aivis/internal/adapter/plan"
	"aivis/internal/adapter/store"
	"aivis/internal/domain"
	"aivis/internal/infra/config"
	"aivis/internal/infra/logger"
	"aivis/internal/infra/tracer"
	"aivis/internal/usecase/catalog"
	"aivis/internal/usecase/eventbus"
	"aivis/internal/usecase/job"
	"aivis/internal/usecase/jobcontext"
	"aivis/internal/usecase/limiter"
	"aivis/internal/usecase/orchestrator"
	"aivis/internal/usecase/phase"
	"aivis/internal/usecase/reasoning"
)

// engine bundles the long-lived components shared by every job.
type engine struct {
	cfg     *config.Config
	log     *slog.Logger
	catalog *catalog.Catalog
	plans   *plan.Source
	limiter *limiter.Limiter
	bus     *eventbus.Bus
	store   domain.JobStore
	jobs    *job.Runner

	closers []func()
}

// Close stops background jobs and releases resources in reverse order.
func (e *engine) Close() {
	if e.jobs != nil {
		e.jobs.Close()
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// setup loads config and starts logging and tracing. The returned cleanup
// flushes both.
func setup(ctx context.Context) (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config: %w", err)
	}
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger: %w", err)
	}
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		logCloser()
		return nil, nil, nil, fmt.Errorf("tracer: %w", err)
	}
	cleanup := func() {
		if err := tracerShutdown(context.Background()); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
		logCloser()
	}
	return cfg, log, cleanup, nil
}

// loadCatalog reads the catalog file, or returns the built-in catalog when
// no path is configured.
func loadCatalog(cfg config.CatalogConfig) (*catalog.Catalog, error) {
	if cfg.Path == "" {
		return catalog.Default(), nil
	}
	return catalog.LoadFile(cfg.Path)
}

// loadPlans reads the plan file, or falls back to the built-in plan.
func loadPlans(path string) (*plan.Source, error) {
	if path == "" {
		return plan.NewStatic(plan.Builtin()), nil
	}
	return plan.LoadFile(path)
}

func openStore(cfg config.StoreConfig) (domain.JobStore, func(), error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryJobStore(), func() {}, nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("create store dir: %w", err)
		}
		s, err := store.NewSQLiteJobStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
}

// buildEngine wires the engine from cfg. planPath, when set, overrides
// cfg.Plan.Path.
func buildEngine(cfg *config.Config, log *slog.Logger, planPath string) (*engine, error) {
	cat, err := loadCatalog(cfg.Catalog)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	if planPath == "" {
		planPath = cfg.Plan.Path
	}
	plans, err := loadPlans(planPath)
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	prompts, err := agentrunner.LoadPrompts(cfg.Catalog.PromptsDir)
	if err != nil {
		return nil, fmt.Errorf("prompts: %w", err)
	}

	e := &engine{cfg: cfg, log: log, catalog: cat, plans: plans}

	e.limiter = limiter.New(limiter.Config{
		Capacity:     cfg.Engine.Concurrency,
		QueueTimeout: cfg.Engine.QueueTimeout,
	}, log)

	e.bus = eventbus.New(log)
	e.closers = append(e.closers, e.bus.Close)

	jobStore, storeCloser, err := openStore(cfg.Store)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("store: %w", err)
	}
	e.store = jobStore
	e.closers = append(e.closers, storeCloser)

	// Agent attempts already hold a slot, so the runner uses the ungated
	// generator. Reasoning and compression run outside any attempt.
	gen, err := generation.Build(cfg.Generation, log)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("generation: %w", err)
	}
	gated := generation.NewGatedGenerator(gen, e.limiter)

	runners := agentrunner.NewRegistry(agentrunner.NewGenerativeRunner(gen, prompts, log))
	executor := phase.New(cat, runners, e.limiter, phase.Config{
		RetryAttempts: cfg.Engine.RetryAttempts,
		RetryBackoff:  cfg.Engine.RetryBackoff,
		AgentTimeout:  cfg.Engine.AgentTimeout,
	}, log, phase.WithEventBus(e.bus))

	deps := job.Deps{
		Catalog: cat,
		Phases:  executor,
		Plans:   plans,
		Store:   jobStore,
		Bus:     e.bus,
	}
	if cfg.Engine.ReasoningEnabled {
		deps.Reasoner = reasoning.New(gated, cfg.Engine.ReasoningTimeout, log)
	}
	if cfg.Engine.GenerativeCompression {
		deps.Shrinker = jobcontext.NewGeneratingShrinker(gated)
	}

	e.jobs = job.NewRunner(deps, job.Config{
		Orchestrator: orchestrator.Config{
			ContextLimitBytes:      cfg.Engine.ContextLimitBytes,
			CompressionBudgetBytes: cfg.Engine.CompressionBudgetBytes,
			ReasoningTimeout:       cfg.Engine.ReasoningTimeout,
			CompressionTimeout:     cfg.Engine.CompressionTimeout,
			CallbackTimeout:        cfg.Engine.CallbackTimeout,
		},
		ApproachFraction: cfg.Engine.ApproachFraction,
	}, log)

	log.Info("engine ready",
		"agents", len(cat.IDs()),
		"concurrency", cfg.Engine.Concurrency,
		"store", cfg.Store.Driver,
		"generator", gen.Name(),
	)
	return e, nil
}
