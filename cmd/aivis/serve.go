package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"aivis/internal/adapter/httpapi"
	"aivis/internal/adapter/plan"
	"aivis/internal/domain"
	"aivis/internal/usecase/scheduling"
)

func runServe() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, log, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if !cfg.Server.Enabled && !cfg.Scheduler.Enabled {
		return fmt.Errorf("nothing to serve: enable server or scheduler in %s", configPath())
	}

	eng, err := buildEngine(cfg, log, "")
	if err != nil {
		return err
	}
	defer eng.Close()

	unsubscribe := eng.bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		log.Debug("event", "type", ev.Type, "job_id", ev.JobID)
	})
	defer unsubscribe()

	if cfg.Plan.Watch && cfg.Plan.Path != "" {
		w, err := plan.Watch(ctx, cfg.Plan.Path, eng.plans, eng.catalog.CheckPlan, log)
		if err != nil {
			return fmt.Errorf("plan watch: %w", err)
		}
		defer w.Close()
	}

	var sched *scheduling.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduling.NewScheduler(eng.jobs, 0, log)
		for _, j := range cfg.Scheduler.Jobs {
			if err := sched.Add(scheduling.Analysis{
				Name:         j.Name,
				Schedule:     j.Schedule,
				TenantID:     j.TenantID,
				TargetDomain: j.TargetDomain,
				Options:      j.Options,
			}); err != nil {
				return fmt.Errorf("schedule %q: %w", j.Name, err)
			}
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		defer func() {
			if err := sched.Stop(); err != nil {
				log.Error("scheduler stop error", "error", err)
			}
		}()
		log.Info("scheduler started", "analyses", len(cfg.Scheduler.Jobs))
	}

	if cfg.Server.Enabled {
		deps := httpapi.Deps{
			Jobs:    eng.jobs,
			Store:   eng.store,
			Limiter: eng.limiter,
			Agents:  len(eng.catalog.IDs()),
		}
		if sched != nil {
			deps.Schedules = sched
		}
		srv := httpapi.New(deps, cfg.Server, log)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				log.Error("server shutdown error", "error", err)
			}
		}()
	}

	log.Info("aivis serving; press Ctrl+C to stop")
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}
