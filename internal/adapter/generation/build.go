package generation

import (
	"fmt"
	"log/slog"

	"aivis/internal/domain"
	"aivis/internal/infra/config"
)

// Build assembles the generator stack from config: the provider client,
// then the circuit breaker and request pacing when enabled.
func Build(cfg config.GenerationConfig, logger *slog.Logger) (domain.Generator, error) {
	gen, err := newProvider(cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.CircuitBreaker.Enabled {
		gen = NewBreakerGenerator(gen, cfg.CircuitBreaker, logger)
	}
	if cfg.RequestsPerMinute > 0 {
		gen = NewPacedGenerator(gen, cfg.RequestsPerMinute, cfg.Burst)
	}
	return gen, nil
}

func newProvider(cfg config.GenerationConfig, logger *slog.Logger) (domain.Generator, error) {
	switch cfg.Provider {
	case "", "openai":
		return NewOpenAIClient(cfg, logger), nil
	case "bedrock":
		return NewBedrockClient(cfg, logger)
	default:
		return nil, fmt.Errorf("%w: unknown generation provider %q", domain.ErrInvalidInput, cfg.Provider)
	}
}
