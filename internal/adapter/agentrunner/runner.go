// Package agentrunner provides the work functions the phase executor calls
// for each catalog agent.
package agentrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"aivis/internal/domain"
	"aivis/internal/infra/structured"
)

// resultSchema is the JSON Schema every agent's structured output must match.
var resultSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"summary": {"type": "string", "minLength": 1},
		"key_findings": {"type": "array", "items": {"type": "string"}},
		"next_steps": {"type": "array", "items": {"type": "string"}},
		"payload": {"type": "object"}
	},
	"required": ["summary", "key_findings"]
}`)

var resultValidator = structured.MustCompile(resultSchema)

const defaultSystem = `You are one agent in an AI-search visibility analysis pipeline. Do only your own task. Base your work on the target and on the summaries of earlier agents. Respond with a single JSON object containing "summary" (at most a few sentences), "key_findings" (short strings), optional "next_steps", and a "payload" object with your detailed data.`

// GenerativeRunner runs any catalog agent by asking the generation service
// for an AgentResult.
type GenerativeRunner struct {
	gen     domain.Generator
	prompts PromptSet
	logger  *slog.Logger
}

// NewGenerativeRunner creates a runner. prompts may be nil.
func NewGenerativeRunner(gen domain.Generator, prompts PromptSet, logger *slog.Logger) *GenerativeRunner {
	if prompts == nil {
		prompts = PromptSet{}
	}
	return &GenerativeRunner{gen: gen, prompts: prompts, logger: logger}
}

// Run implements domain.Runner.
func (r *GenerativeRunner) Run(ctx context.Context, in domain.AgentInput) (*domain.AgentResult, error) {
	req, err := r.request(in)
	if err != nil {
		return nil, err
	}

	res, err := r.gen.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	raw := res.Raw
	if len(raw) == 0 {
		raw = json.RawMessage(structured.StripCodeFences(res.Text))
	}
	if err := resultValidator.Validate(raw); err != nil {
		return nil, err
	}

	var out domain.AgentResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode agent result: %v", domain.ErrSchemaValidation, err)
	}
	r.logger.Debug("agent generated",
		"agent", in.Agent.ID,
		"attempt", in.Attempt,
		"tokens", res.Usage.TotalTokens,
	)
	return &out, nil
}

func (r *GenerativeRunner) request(in domain.AgentInput) (domain.GenerateRequest, error) {
	req := domain.GenerateRequest{System: defaultSystem, Schema: resultSchema}

	task := in.Agent.Description
	if p, ok := r.prompts[in.Agent.ID]; ok {
		rendered, err := p.Render(PromptData{
			AgentID:      in.Agent.ID,
			Description:  in.Agent.Description,
			TargetDomain: in.TargetDomain,
			TenantID:     in.TenantID,
			Options:      in.Options,
		})
		if err != nil {
			return req, err
		}
		task = rendered
		if p.System != "" {
			req.System = p.System
		}
		req.Temperature = p.Temperature
		req.MaxTokens = p.MaxTokens
	}

	req.Prompt = buildPrompt(in, task)
	return req, nil
}

func buildPrompt(in domain.AgentInput, task string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent: %s\nTarget domain: %s\n\nTask:\n%s\n", in.Agent.ID, in.TargetDomain, task)

	if len(in.Dependencies) > 0 {
		ids := make([]string, 0, len(in.Dependencies))
		for id := range in.Dependencies {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		b.WriteString("\nEarlier results:\n")
		for _, id := range ids {
			s := in.Dependencies[id]
			fmt.Fprintf(&b, "- %s [%s]", id, s.Status)
			if s.Summary != "" {
				fmt.Fprintf(&b, ": %s", s.Summary)
			}
			b.WriteByte('\n')
			for _, f := range s.KeyFindings {
				fmt.Fprintf(&b, "  * %s\n", f)
			}
		}
	}
	if in.Attempt > 1 {
		fmt.Fprintf(&b, "\nThis is attempt %d; the previous attempt failed. Keep the output strictly valid.\n", in.Attempt)
	}
	return b.String()
}

var _ domain.Runner = (*GenerativeRunner)(nil)
