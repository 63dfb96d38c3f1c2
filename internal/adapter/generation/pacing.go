package generation

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"aivis/internal/domain"
)

// PacedGenerator spaces calls to stay under a requests-per-minute quota.
type PacedGenerator struct {
	inner   domain.Generator
	limiter *rate.Limiter
}

// NewPacedGenerator paces inner at rpm requests per minute with the given
// burst. A burst below 1 is raised to 1.
func NewPacedGenerator(inner domain.Generator, rpm, burst int) *PacedGenerator {
	if burst < 1 {
		burst = 1
	}
	return &PacedGenerator{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst),
	}
}

// Generate implements domain.Generator. It waits for a token first and
// returns early if ctx ends while waiting.
func (g *PacedGenerator) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.StructuredResult, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: pacing: %v", domain.ErrRateLimit, err)
	}
	return g.inner.Generate(ctx, req)
}

// Name implements domain.Generator.
func (g *PacedGenerator) Name() string { return g.inner.Name() }

var _ domain.Generator = (*PacedGenerator)(nil)
