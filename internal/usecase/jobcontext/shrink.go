package jobcontext

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"aivis/internal/domain"
)

// PayloadShrinker condenses one agent's payload to roughly targetBytes.
// The returned payload must be valid JSON.
type PayloadShrinker interface {
	Shrink(ctx context.Context, agentID string, res domain.AgentResult, targetBytes int) (json.RawMessage, error)
}

// TruncatingShrinker replaces a payload with a bounded excerpt of itself.
type TruncatingShrinker struct{}

type truncatedPayload struct {
	Truncated     bool   `json:"truncated"`
	OriginalBytes int    `json:"original_bytes"`
	Excerpt       string `json:"excerpt,omitempty"`
}

// Shrink implements PayloadShrinker.
func (TruncatingShrinker) Shrink(_ context.Context, _ string, res domain.AgentResult, targetBytes int) (json.RawMessage, error) {
	orig := len(res.Payload)
	excerpt := string(res.Payload)
	if targetBytes < len(excerpt) {
		excerpt = truncateUTF8(excerpt, max(targetBytes, 0))
	}
	for {
		out, err := json.Marshal(truncatedPayload{Truncated: true, OriginalBytes: orig, Excerpt: excerpt})
		if err != nil {
			return nil, err
		}
		if len(out) <= targetBytes || excerpt == "" {
			return out, nil
		}
		// Escaping can expand the excerpt; trim by the overshoot and retry.
		over := len(out) - targetBytes
		excerpt = truncateUTF8(excerpt, max(len(excerpt)-over, 0))
	}
}

const shrinkSystemPrompt = `You condense structured analysis output. Given a JSON document, return a smaller JSON object that keeps the facts, scores and identifiers a later analysis step would need. Drop raw page text, duplicated entries and formatting. Respond with JSON only.`

var objectSchema = json.RawMessage(`{"type":"object"}`)

// GeneratingShrinker asks the generation service to condense payloads and
// falls back to truncation when the service fails or overshoots.
type GeneratingShrinker struct {
	gen domain.Generator
}

// NewGeneratingShrinker creates a shrinker backed by gen.
func NewGeneratingShrinker(gen domain.Generator) *GeneratingShrinker {
	return &GeneratingShrinker{gen: gen}
}

// Shrink implements PayloadShrinker.
func (s *GeneratingShrinker) Shrink(ctx context.Context, agentID string, res domain.AgentResult, targetBytes int) (json.RawMessage, error) {
	prompt := fmt.Sprintf("Agent: %s\nSummary: %s\nTarget size: at most %d bytes of JSON.\n\nPayload:\n%s",
		agentID, res.Summary, targetBytes, res.Payload)
	out, err := s.gen.Generate(ctx, domain.GenerateRequest{
		System:      shrinkSystemPrompt,
		Prompt:      prompt,
		Schema:      objectSchema,
		Temperature: 0.2,
	})
	if err != nil {
		return nil, domain.WrapOp("shrink payload", err)
	}
	if len(out.Raw) > 0 && len(out.Raw) <= targetBytes && json.Valid(out.Raw) {
		return out.Raw, nil
	}
	condensed := res
	if len(out.Raw) > 0 && len(out.Raw) < len(res.Payload) && json.Valid(out.Raw) {
		condensed.Payload = out.Raw
	}
	return TruncatingShrinker{}.Shrink(ctx, agentID, condensed, targetBytes)
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
