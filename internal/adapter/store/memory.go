package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"aivis/internal/domain"
)

// MemoryJobStore is a process-local domain.JobStore for one-shot runs.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.JobRecord
}

// NewMemoryJobStore creates an empty store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]domain.JobRecord)}
}

func (s *MemoryJobStore) SaveJob(_ context.Context, job domain.JobRecord) error {
	if job.ID == "" {
		return domain.NewSubSystemError("job", "SaveJob", domain.ErrInvalidInput, "job id is empty")
	}
	if !job.Status.Valid() {
		return domain.NewSubSystemError("job", "SaveJob", domain.ErrInvalidInput, fmt.Sprintf("unknown status %q", job.Status))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := s.jobs[job.ID]; ok {
		job.CreatedAt = prev.CreatedAt
	} else if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryJobStore) UpdateStatus(_ context.Context, id string, status domain.JobStatus, errMsg string) error {
	if !status.Valid() {
		return domain.NewSubSystemError("job", "UpdateStatus", domain.ErrInvalidInput, fmt.Sprintf("unknown status %q", status))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.Status = status
	job.Error = errMsg
	job.UpdatedAt = time.Now().UTC()
	s.jobs[id] = job
	return nil
}

func (s *MemoryJobStore) GetJob(_ context.Context, id string) (*domain.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return &job, nil
}

func (s *MemoryJobStore) ListJobs(_ context.Context, tenantID string, limit int) ([]domain.JobRecord, error) {
	s.mu.RLock()
	var out []domain.JobRecord
	for _, j := range s.jobs {
		if tenantID == "" || j.TenantID == tenantID {
			out = append(out, j)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID > out[k].ID
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
