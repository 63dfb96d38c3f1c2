package domain

import (
	"context"
	"fmt"
)

// Phase is one ordered group of agents in an execution plan.
type Phase struct {
	Name          string   `json:"name" yaml:"name"`
	AgentIDs      []string `json:"agent_ids" yaml:"agents"`
	RunInParallel bool     `json:"run_in_parallel" yaml:"parallel"`
}

// ExecutionPlan is the planner's ordered list of phases for one job.
type ExecutionPlan struct {
	Phases []Phase `json:"phases" yaml:"phases"`
}

// AgentIDs returns every agent id referenced by the plan, in plan order.
func (p ExecutionPlan) AgentIDs() []string {
	var ids []string
	for _, ph := range p.Phases {
		ids = append(ids, ph.AgentIDs...)
	}
	return ids
}

// Validate checks structural properties that do not need the catalog:
// non-empty phase names and no agent listed twice.
func (p ExecutionPlan) Validate() error {
	if len(p.Phases) == 0 {
		return NewSubSystemError("plan", "ExecutionPlan.Validate", ErrInvalidInput, "plan has no phases")
	}
	seen := make(map[string]string)
	for i, ph := range p.Phases {
		if ph.Name == "" {
			return NewSubSystemError("plan", "ExecutionPlan.Validate", ErrInvalidInput, fmt.Sprintf("phase %d has no name", i))
		}
		for _, id := range ph.AgentIDs {
			if prev, dup := seen[id]; dup {
				return NewSubSystemError("plan", "ExecutionPlan.Validate", ErrInvalidInput,
					fmt.Sprintf("agent %q listed in phase %q and %q", id, prev, ph.Name))
			}
			seen[id] = ph.Name
		}
	}
	return nil
}

// JobInputs is what the external planner receives to build a plan.
type JobInputs struct {
	JobID        string            `json:"job_id"`
	TenantID     string            `json:"tenant_id"`
	TargetDomain string            `json:"target_domain"`
	Options      map[string]string `json:"options,omitempty"`
}

// PlanSource produces an execution plan for a job.
type PlanSource interface {
	ExecutionPlan(ctx context.Context, in JobInputs) (ExecutionPlan, error)
}

// OutcomeKind is the closed set of phase outcomes.
type OutcomeKind string

const (
	OutcomeCompleted          OutcomeKind = "completed"
	OutcomeCompletedWithSkips OutcomeKind = "completed_with_skips"
	OutcomeAborted            OutcomeKind = "aborted"
)

// PhaseOutcome is the terminal result of running one phase.
// Results is set for both completed kinds, Skipped only for
// OutcomeCompletedWithSkips, and Err only for OutcomeAborted.
type PhaseOutcome struct {
	Kind    OutcomeKind
	Results map[string]*AgentResult
	Skipped []string
	Err     *PhaseAbortError
}

// Completed builds a clean completion outcome.
func Completed(results map[string]*AgentResult) PhaseOutcome {
	return PhaseOutcome{Kind: OutcomeCompleted, Results: results}
}

// CompletedWithSkips builds a completion outcome carrying skipped ids.
func CompletedWithSkips(results map[string]*AgentResult, skipped []string) PhaseOutcome {
	return PhaseOutcome{Kind: OutcomeCompletedWithSkips, Results: results, Skipped: skipped}
}

// Aborted builds an aborted outcome.
func Aborted(err *PhaseAbortError) PhaseOutcome {
	return PhaseOutcome{Kind: OutcomeAborted, Err: err}
}

// PhaseCompleteFunc is the external progress sink invoked after every phase
// that did not abort.
type PhaseCompleteFunc func(ctx context.Context, phase string, summaries map[string]AgentSummary)
