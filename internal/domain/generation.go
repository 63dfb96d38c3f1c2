package domain

import (
	"context"
	"encoding/json"
)

// GenerateRequest is one call to the external generation service.
type GenerateRequest struct {
	// System is an optional instruction preamble.
	System string
	Prompt string
	// Schema is an optional JSON Schema the structured output must satisfy.
	Schema      json.RawMessage
	MaxTokens   int
	Temperature float64
}

// StructuredResult is a successful generation.
type StructuredResult struct {
	// Raw is the output as returned by the service, code fences removed.
	Raw json.RawMessage
	// Text is set instead of Raw when no schema was requested.
	Text  string
	Model string
	Usage Usage
}

// Usage tracks generation-service consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	ResponseBytes    int `json:"response_bytes"`
}

// Generator is the interface for the external generation service.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*StructuredResult, error)
	// Name returns the backend identifier.
	Name() string
}
