package generation

import (
	"context"

	"aivis/internal/domain"
	"aivis/internal/usecase/limiter"
)

// Slots hands out concurrency slots; *limiter.Limiter satisfies it.
type Slots interface {
	Acquire(ctx context.Context) (*limiter.Token, error)
}

// GatedGenerator holds a limiter slot for the duration of every call. It is
// used for calls made outside agent execution (reasoning and generative
// compression); agent attempts already hold a slot and must use the
// ungated generator.
type GatedGenerator struct {
	inner domain.Generator
	slots Slots
}

// NewGatedGenerator gates inner behind slots.
func NewGatedGenerator(inner domain.Generator, slots Slots) *GatedGenerator {
	return &GatedGenerator{inner: inner, slots: slots}
}

// Generate implements domain.Generator.
func (g *GatedGenerator) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.StructuredResult, error) {
	tok, err := g.slots.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer tok.Release()
	return g.inner.Generate(ctx, req)
}

// Name implements domain.Generator.
func (g *GatedGenerator) Name() string { return g.inner.Name() }

var _ domain.Generator = (*GatedGenerator)(nil)
