package domain

import (
	"context"
	"encoding/json"
	"fmt"
)

// AgentCategory groups agents for display. It does not affect scheduling.
type AgentCategory string

const (
	CategoryDiscovery AgentCategory = "discovery"
	CategoryResearch  AgentCategory = "research"
	CategoryAnalysis  AgentCategory = "analysis"
	CategoryOutput    AgentCategory = "output"
)

// Valid reports whether c is one of the known categories.
func (c AgentCategory) Valid() bool {
	switch c {
	case CategoryDiscovery, CategoryResearch, CategoryAnalysis, CategoryOutput:
		return true
	}
	return false
}

// FailurePolicy governs how an agent execution error is handled.
type FailurePolicy string

const (
	PolicyFail  FailurePolicy = "fail"
	PolicySkip  FailurePolicy = "skip"
	PolicyRetry FailurePolicy = "retry"
)

// Valid reports whether p is one of the known policies.
func (p FailurePolicy) Valid() bool {
	switch p {
	case PolicyFail, PolicySkip, PolicyRetry:
		return true
	}
	return false
}

// AgentDescriptor is the static metadata of a catalog agent.
type AgentDescriptor struct {
	ID              string        `json:"id" yaml:"id"`
	Category        AgentCategory `json:"category" yaml:"category"`
	Description     string        `json:"description,omitempty" yaml:"description,omitempty"`
	Inputs          []string      `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	ParallelCapable bool          `json:"parallel_capable" yaml:"parallel_capable"`
	FailurePolicy   FailurePolicy `json:"failure_policy" yaml:"failure_policy"`
	Retryable       bool          `json:"retryable" yaml:"retryable"`
	// FallbackPolicy applies once retries are exhausted. Only fail or skip
	// are meaningful; empty means skip.
	FallbackPolicy FailurePolicy `json:"fallback_policy,omitempty" yaml:"fallback_policy,omitempty"`
}

// ExhaustedPolicy returns the policy applied after the final retry fails.
func (d AgentDescriptor) ExhaustedPolicy() FailurePolicy {
	if d.FallbackPolicy == PolicyFail {
		return PolicyFail
	}
	return PolicySkip
}

// EffectivePolicy resolves retry on a non-retryable agent to its fallback.
func (d AgentDescriptor) EffectivePolicy() FailurePolicy {
	if d.FailurePolicy == PolicyRetry && !d.Retryable {
		return d.ExhaustedPolicy()
	}
	return d.FailurePolicy
}

// AgentStatus is the per-job lifecycle state of one agent.
type AgentStatus string

const (
	StatusPending   AgentStatus = "pending"
	StatusRunning   AgentStatus = "running"
	StatusCompleted AgentStatus = "completed"
	StatusFailed    AgentStatus = "failed"
	StatusSkipped   AgentStatus = "skipped"
)

// Terminal reports whether s is a final per-agent state.
func (s AgentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// AgentResult is the output of one agent run.
type AgentResult struct {
	Summary     string          `json:"summary"`
	KeyFindings []string        `json:"key_findings"`
	NextSteps   []string        `json:"next_steps,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// MaxSummaryLen bounds AgentResult.Summary, in bytes.
const MaxSummaryLen = 2000

// AgentSummary is the compact projection of one agent exposed to progress
// callbacks. It never carries the payload.
type AgentSummary struct {
	Status      AgentStatus `json:"status"`
	Summary     string      `json:"summary,omitempty"`
	KeyFindings []string    `json:"key_findings,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

// AgentInput is what a Runner sees when it executes an agent.
type AgentInput struct {
	JobID        string
	TenantID     string
	TargetDomain string
	Options      map[string]string
	Agent        AgentDescriptor
	// Dependencies holds the summaries of the agent's declared inputs.
	Dependencies map[string]AgentSummary
	Attempt      int
}

// Runner performs an agent's work. Implementations must honour ctx.
type Runner interface {
	Run(ctx context.Context, in AgentInput) (*AgentResult, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, in AgentInput) (*AgentResult, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, in AgentInput) (*AgentResult, error) { return f(ctx, in) }

// Validate checks the descriptor's enum fields.
func (d AgentDescriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("agent id must not be empty")
	}
	if !d.Category.Valid() {
		return fmt.Errorf("agent %q: unknown category %q", d.ID, d.Category)
	}
	if !d.FailurePolicy.Valid() {
		return fmt.Errorf("agent %q: unknown failure policy %q", d.ID, d.FailurePolicy)
	}
	if d.FallbackPolicy != "" && d.FallbackPolicy != PolicyFail && d.FallbackPolicy != PolicySkip {
		return fmt.Errorf("agent %q: fallback policy must be fail or skip, got %q", d.ID, d.FallbackPolicy)
	}
	return nil
}
