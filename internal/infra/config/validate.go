package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateEngine(cfg, ve)
	validateGeneration(cfg, ve)
	validateStore(cfg, ve)
	validateScheduler(cfg, ve)
	validateServer(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateEngine(cfg *Config, ve *ValidationError) {
	e := cfg.Engine
	if e.Concurrency <= 0 {
		ve.Add("engine.concurrency must be > 0")
	}
	if e.QueueTimeout <= 0 {
		ve.Add("engine.queue_timeout must be > 0")
	}
	if e.AgentTimeout < 0 {
		ve.Add("engine.agent_timeout must be >= 0")
	}
	if e.ContextLimitBytes <= 0 {
		ve.Add("engine.context_limit_bytes must be > 0")
	}
	if e.ApproachFraction <= 0 || e.ApproachFraction > 1 {
		ve.Add("engine.approach_fraction must be in (0, 1]")
	}
	if e.CompressionBudgetBytes <= 0 {
		ve.Add("engine.compression_budget_bytes must be > 0")
	} else if e.ContextLimitBytes > 0 && e.CompressionBudgetBytes > e.ContextLimitBytes {
		ve.Add("engine.compression_budget_bytes (%d) must not exceed engine.context_limit_bytes (%d)",
			e.CompressionBudgetBytes, e.ContextLimitBytes)
	}
	if e.CompressionTimeout <= 0 {
		ve.Add("engine.compression_timeout must be > 0")
	}
	if e.ReasoningEnabled && e.ReasoningTimeout <= 0 {
		ve.Add("engine.reasoning_timeout must be > 0 when reasoning is enabled")
	}
	if e.CallbackTimeout <= 0 {
		ve.Add("engine.callback_timeout must be > 0")
	}
	if e.RetryAttempts < 0 {
		ve.Add("engine.retry_attempts must be >= 0")
	}
	if e.RetryBackoff <= 0 {
		ve.Add("engine.retry_backoff must be > 0")
	}
}

var validProviders = map[string]bool{
	"openai":  true,
	"bedrock": true,
}

func validateGeneration(cfg *Config, ve *ValidationError) {
	g := cfg.Generation
	if !validProviders[g.Provider] {
		ve.Add("generation.provider %q is invalid (valid: openai, bedrock)", g.Provider)
	}
	switch g.Provider {
	case "openai":
		if g.BaseURL == "" {
			ve.Add("generation.base_url is required")
		} else if u, err := url.Parse(g.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			ve.Add("generation.base_url %q must be an http(s) URL", g.BaseURL)
		}
	case "bedrock":
		if g.Region == "" {
			ve.Add("generation.region is required for bedrock")
		}
	}
	if g.Model == "" {
		ve.Add("generation.model is required")
	}
	if g.Timeout <= 0 {
		ve.Add("generation.timeout must be > 0")
	}
	if g.MaxTokens < 0 {
		ve.Add("generation.max_tokens must be >= 0")
	}
	if g.Temperature < 0 || g.Temperature > 2 {
		ve.Add("generation.temperature must be in [0, 2]")
	}
	if g.RequestsPerMinute < 0 {
		ve.Add("generation.requests_per_minute must be >= 0")
	}
	if g.Burst < 0 {
		ve.Add("generation.burst must be >= 0")
	}
	if g.CircuitBreaker.Enabled && g.CircuitBreaker.Timeout < 0 {
		ve.Add("generation.circuit_breaker.timeout must be >= 0")
	}
}

var validStoreDrivers = map[string]bool{
	"sqlite": true,
	"memory": true,
}

func validateStore(cfg *Config, ve *ValidationError) {
	if !validStoreDrivers[cfg.Store.Driver] {
		ve.Add("store.driver %q is invalid (valid: sqlite, memory)", cfg.Store.Driver)
		return
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		ve.Add("store.path is required for the sqlite driver")
	}
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	if len(cfg.Scheduler.Jobs) == 0 {
		ve.Add("scheduler.jobs must not be empty when the scheduler is enabled")
	}
	names := make(map[string]bool)
	for i, j := range cfg.Scheduler.Jobs {
		if j.Name == "" {
			ve.Add("scheduler.jobs[%d].name is required", i)
		} else if names[j.Name] {
			ve.Add("scheduler.jobs[%d].name %q is duplicated", i, j.Name)
		}
		names[j.Name] = true
		if j.Schedule == "" {
			ve.Add("scheduler.jobs[%d].schedule is required", i)
		}
		if j.TargetDomain == "" {
			ve.Add("scheduler.jobs[%d].target_domain is required", i)
		}
	}
}

func validateServer(cfg *Config, ve *ValidationError) {
	if !cfg.Server.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		ve.Add("server.addr %q is invalid: %v", cfg.Server.Addr, err)
	}
	if cfg.Server.RequestsPerMin <= 0 {
		ve.Add("server.requests_per_min must be > 0")
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (valid: debug, info, warn, error)", cfg.Logger.Level)
	}
	if f := cfg.Logger.Format; f != "text" && f != "json" {
		ve.Add("logger.format %q is invalid (valid: text, json)", f)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	case "otlp":
		if cfg.Tracer.Endpoint == "" {
			ve.Add("tracer.endpoint is required for the otlp exporter")
		}
	default:
		ve.Add("tracer.exporter %q is invalid (valid: stdout, otlp, noop)", cfg.Tracer.Exporter)
	}
}
