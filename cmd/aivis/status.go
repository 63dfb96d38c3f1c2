package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"aivis/internal/adapter/agentrunner"
	"aivis/internal/adapter/plan"
	"aivis/internal/domain"
	"aivis/internal/infra/config"
	"aivis/internal/usecase/scheduling"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

func loadConfigOnly() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// runStatus executes all checks and reports results.
func runStatus() error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Generation API key", Fn: checkAPIKey},
		{Name: "Catalog", Fn: checkCatalog},
		{Name: "Plan", Fn: checkPlan},
		{Name: "Prompts", Fn: checkPrompts},
		{Name: "Job store", Fn: checkStore},
		{Name: "Concurrency", Fn: checkConcurrency},
		{Name: "Schedules", Fn: checkSchedules},
	}

	fmt.Println("aivis status")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

var errNoConfig = CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}

// checkConfigFile reports whether the config loaded. A missing file is
// only a warning since defaults apply.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     fmt.Sprintf("Check %s syntax and permissions (must not be group or world writable)", cfgPath),
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config at %s, using defaults", cfgPath),
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("config loaded from %s", cfgPath)}
	}
}

func checkAPIKey(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}
	if cfg.Generation.Provider == "bedrock" {
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("bedrock uses the AWS credential chain (region %s, model %s)", cfg.Generation.Region, cfg.Generation.Model),
		}
	}
	if cfg.Generation.APIKey == "" {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("no API key for %s", cfg.Generation.Name),
			Fix:     "Set AIVIS_GENERATION_API_KEY or generation.api_key",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s key configured (model %s)", cfg.Generation.Name, cfg.Generation.Model),
	}
}

func checkCatalog(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}
	cat, err := loadCatalog(cfg.Catalog)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     "Fix the catalog file or unset catalog.path to use the built-in catalog",
		}
	}
	source := "built-in"
	if cfg.Catalog.Path != "" {
		source = cfg.Catalog.Path
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d agents (%s)", len(cat.IDs()), source)}
}

// checkPlan resolves the default plan and every profile and checks each
// against the catalog.
func checkPlan(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}
	cat, err := loadCatalog(cfg.Catalog)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: "catalog did not load"}
	}
	plans, err := loadPlans(cfg.Plan.Path)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Fix the plan file or unset plan.path"}
	}

	profiles := append([]string{""}, plans.Profiles()...)
	for _, name := range profiles {
		in := domain.JobInputs{Options: map[string]string{}}
		label := "default plan"
		if name != "" {
			in.Options[plan.OptionProfile] = name
			label = fmt.Sprintf("profile %q", name)
		}
		p, err := plans.ExecutionPlan(context.Background(), in)
		if err == nil {
			err = cat.CheckPlan(p)
		}
		if err != nil {
			return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s: %v", label, err)}
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("default plan and %d profile(s) valid", len(profiles)-1)}
}

func checkPrompts(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}
	prompts, err := agentrunner.LoadPrompts(cfg.Catalog.PromptsDir)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	cat, err := loadCatalog(cfg.Catalog)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: "catalog did not load"}
	}
	var missing []string
	for _, id := range cat.IDs() {
		if _, ok := prompts[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("no prompt file for %s; agent descriptions are used", strings.Join(missing, ", ")),
			Fix:     "Add <agent-id>.md files under catalog.prompts_dir",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d prompt files", len(prompts))}
}

func checkStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}
	s, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Check store.path is writable"}
	}
	defer closeStore()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	jobs, err := s.ListJobs(ctx, "", 1)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("query failed: %v", err)}
	}
	msg := fmt.Sprintf("%s store reachable", cfg.Store.Driver)
	if len(jobs) > 0 {
		msg += fmt.Sprintf(", last job %s (%s)", jobs[0].ID, jobs[0].Status)
	}
	return CheckResult{Status: StatusPass, Message: msg}
}

func checkConcurrency(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}
	e := cfg.Engine
	msg := fmt.Sprintf("%d slots, queue timeout %s", e.Concurrency, e.QueueTimeout)
	if e.QueueTimeout <= 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: msg + "; waiters block until cancelled",
			Fix:     "Set engine.queue_timeout",
		}
	}
	return CheckResult{Status: StatusPass, Message: msg}
}

func checkSchedules(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}
	if !cfg.Scheduler.Enabled {
		return CheckResult{Status: StatusPass, Message: "scheduler disabled"}
	}
	for _, j := range cfg.Scheduler.Jobs {
		if err := scheduling.ValidateSchedule(j.Schedule); err != nil {
			return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s: %v", j.Name, err)}
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d analyses scheduled", len(cfg.Scheduler.Jobs))}
}
