package domain

import "context"

// ReasoningRequest is the input to the advisory step run after each phase.
type ReasoningRequest struct {
	JobID        string
	TargetDomain string
	Phase        string
	Summaries    map[string]AgentSummary
	// Remaining lists the names of the phases still to run.
	Remaining []string
}

// ReasoningOutcome is a successful reasoning decision. It is advisory only:
// the orchestrator never changes the plan because of it.
type ReasoningOutcome struct {
	Continue      bool     `json:"continue"`
	StopSuggested bool     `json:"stop_suggested"`
	Rationale     string   `json:"rationale"`
	Adjustments   []string `json:"adjustments,omitempty"`
}

// HasSuggestion reports whether the outcome carries anything actionable.
func (o ReasoningOutcome) HasSuggestion() bool {
	return o.StopSuggested || len(o.Adjustments) > 0
}

// Reasoner evaluates progress after a phase. A nil error with an outcome
// lacking suggestions means "nothing to add"; an error means the step
// itself failed.
type Reasoner interface {
	Reason(ctx context.Context, req ReasoningRequest) (ReasoningOutcome, error)
}
