package domain

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventJobQueued      EventType = "job.queued"
	EventJobStarted     EventType = "job.started"
	EventJobCompleted   EventType = "job.completed"
	EventJobFailed      EventType = "job.failed"
	EventPhaseStarted   EventType = "phase.started"
	EventPhaseCompleted EventType = "phase.completed"
	EventPhaseAborted   EventType = "phase.aborted"
	EventAgentSkipped   EventType = "agent.skipped"
	EventAgentRetried   EventType = "agent.retried"
	EventReasoning      EventType = "reasoning.completed"
	EventCompression    EventType = "context.compressed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	JobID     string          `json:"job_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// PhaseCompletedPayload is the payload of EventPhaseCompleted.
type PhaseCompletedPayload struct {
	Phase     string                  `json:"phase"`
	Outcome   OutcomeKind             `json:"outcome"`
	Skipped   []string                `json:"skipped,omitempty"`
	Summaries map[string]AgentSummary `json:"summaries"`
}

// AgentEventPayload is the payload of EventAgentSkipped and EventAgentRetried.
type AgentEventPayload struct {
	AgentID string `json:"agent_id"`
	Phase   string `json:"phase"`
	Reason  string `json:"reason,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
}

// NewEvent builds an event with a JSON-encoded payload. A payload that
// cannot be encoded is dropped.
func NewEvent(t EventType, jobID string, payload any) Event {
	ev := Event{Type: t, Timestamp: time.Now(), JobID: jobID}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}
