package domain

import (
	"context"
	"time"
)

// JobStatus is the coarse, externally owned job state.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobQueued    JobStatus = "queued"
	JobCrawling  JobStatus = "crawling"
	JobAnalyzing JobStatus = "analyzing"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobBlocked   JobStatus = "blocked"
)

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobQueued, JobCrawling, JobAnalyzing, JobCompleted, JobFailed, JobBlocked:
		return true
	}
	return false
}

// Terminal reports whether s ends the job.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobBlocked
}

// JobRecord is the persisted view of one job.
type JobRecord struct {
	ID           string                  `json:"id"`
	TenantID     string                  `json:"tenant_id"`
	TargetDomain string                  `json:"target_domain"`
	Status       JobStatus               `json:"status"`
	Error        string                  `json:"error,omitempty"`
	ErrorCode    ErrorCode               `json:"error_code,omitempty"`
	Summaries    map[string]AgentSummary `json:"summaries,omitempty"`
	SizeBytes    int                     `json:"size_bytes"`
	Compressions int                     `json:"compressions"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

// JobStore persists coarse job status and summary snapshots.
type JobStore interface {
	SaveJob(ctx context.Context, job JobRecord) error
	UpdateStatus(ctx context.Context, id string, status JobStatus, errMsg string) error
	GetJob(ctx context.Context, id string) (*JobRecord, error)
	ListJobs(ctx context.Context, tenantID string, limit int) ([]JobRecord, error)
}
