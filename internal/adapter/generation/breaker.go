package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"aivis/internal/domain"
	"aivis/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerGenerator wraps a Generator with circuit breaker protection.
// When the backend fails repeatedly the circuit opens and calls fail fast
// with domain.ErrCircuitOpen.
type BreakerGenerator struct {
	inner   domain.Generator
	breaker *gobreaker.CircuitBreaker[*domain.StructuredResult]
}

// NewBreakerGenerator wraps inner. Zero-valued settings fall back to defaults.
func NewBreakerGenerator(inner domain.Generator, cfg config.CircuitBreakerConfig, logger *slog.Logger) *BreakerGenerator {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*domain.StructuredResult](gobreaker.Settings{
		Name:        "generation:" + inner.Name(),
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Only backend faults count; a rejected schema or a cancelled caller
		// says nothing about the service's health.
		IsSuccessful: func(err error) bool {
			return err == nil || !isBackendFault(err)
		},
	})

	return &BreakerGenerator{inner: inner, breaker: cb}
}

// Generate implements domain.Generator.
func (g *BreakerGenerator) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.StructuredResult, error) {
	res, err := g.breaker.Execute(func() (*domain.StructuredResult, error) {
		return g.inner.Generate(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("backend %q: %w: %v", g.inner.Name(), domain.ErrCircuitOpen, err)
		}
		return nil, err
	}
	return res, nil
}

// Name implements domain.Generator.
func (g *BreakerGenerator) Name() string { return g.inner.Name() }

// State returns the current breaker state for monitoring.
func (g *BreakerGenerator) State() gobreaker.State { return g.breaker.State() }

// Counts returns the current breaker counters.
func (g *BreakerGenerator) Counts() gobreaker.Counts { return g.breaker.Counts() }

func isBackendFault(err error) bool {
	return errors.Is(err, domain.ErrProviderError) ||
		errors.Is(err, domain.ErrRateLimit) ||
		errors.Is(err, domain.ErrAuthInvalid)
}

var _ domain.Generator = (*BreakerGenerator)(nil)
