// Package reasoning implements the advisory step that evaluates progress
// after each phase.
package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"aivis/internal/domain"
	"aivis/internal/infra/structured"
	"aivis/internal/infra/tracer"
)

const systemPrompt = `You review the progress of an AI-search visibility analysis. Given the summaries produced so far and the phases still to run, decide whether the analysis should continue. Suggest stopping only when the remaining phases cannot produce useful output. List concrete adjustments, if any. Respond with JSON only.`

var decisionSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"continue": {"type": "boolean"},
		"stop_suggested": {"type": "boolean"},
		"rationale": {"type": "string"},
		"adjustments": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["continue", "stop_suggested", "rationale"]
}`)

var decisionValidator = structured.MustCompile(decisionSchema)

// GenerativeReasoner asks the generation service for a decision.
type GenerativeReasoner struct {
	gen     domain.Generator
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a reasoner. timeout bounds a single call; zero means the
// caller's context is the only bound.
func New(gen domain.Generator, timeout time.Duration, logger *slog.Logger) *GenerativeReasoner {
	return &GenerativeReasoner{gen: gen, timeout: timeout, logger: logger}
}

// Reason implements domain.Reasoner. Failures are returned as
// *domain.ReasoningError.
func (r *GenerativeReasoner) Reason(ctx context.Context, req domain.ReasoningRequest) (domain.ReasoningOutcome, error) {
	ctx, span := tracer.StartSpan(ctx, "reasoning.reason")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("phase.name", req.Phase))

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	res, err := r.gen.Generate(ctx, domain.GenerateRequest{
		System:      systemPrompt,
		Prompt:      buildPrompt(req),
		Schema:      decisionSchema,
		Temperature: 0.2,
	})
	if err != nil {
		tracer.RecordError(span, err)
		return domain.ReasoningOutcome{}, &domain.ReasoningError{Phase: req.Phase, Err: err}
	}

	raw := res.Raw
	if len(raw) == 0 {
		raw = json.RawMessage(structured.StripCodeFences(res.Text))
	}
	if err := decisionValidator.Validate(raw); err != nil {
		tracer.RecordError(span, err)
		return domain.ReasoningOutcome{}, &domain.ReasoningError{Phase: req.Phase, Err: err}
	}
	var out domain.ReasoningOutcome
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.ReasoningOutcome{}, &domain.ReasoningError{Phase: req.Phase, Err: err}
	}

	r.logger.Debug("reasoning decision",
		"phase", req.Phase,
		"continue", out.Continue,
		"stop_suggested", out.StopSuggested,
		"adjustments", len(out.Adjustments),
	)
	tracer.SetOK(span)
	return out, nil
}

func buildPrompt(req domain.ReasoningRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Target domain: %s\n", req.TargetDomain)
	fmt.Fprintf(&sb, "Phase just completed: %s\n", req.Phase)
	if len(req.Remaining) > 0 {
		fmt.Fprintf(&sb, "Remaining phases: %s\n", strings.Join(req.Remaining, ", "))
	} else {
		sb.WriteString("Remaining phases: none\n")
	}
	sb.WriteString("\nAgent summaries:\n")

	ids := make([]string, 0, len(req.Summaries))
	for id := range req.Summaries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s := req.Summaries[id]
		fmt.Fprintf(&sb, "- %s [%s]", id, s.Status)
		switch {
		case s.Summary != "":
			fmt.Fprintf(&sb, ": %s", s.Summary)
		case s.Reason != "":
			fmt.Fprintf(&sb, " (%s)", s.Reason)
		}
		sb.WriteByte('\n')
		for _, f := range s.KeyFindings {
			fmt.Fprintf(&sb, "    * %s\n", f)
		}
	}
	return sb.String()
}
