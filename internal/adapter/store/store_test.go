package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aivis/internal/domain"
)

func newSQLite(t *testing.T) *SQLiteJobStore {
	t.Helper()
	s, err := NewSQLiteJobStore(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// stores runs each test against both implementations.
func stores(t *testing.T) map[string]domain.JobStore {
	return map[string]domain.JobStore{
		"sqlite": newSQLite(t),
		"memory": NewMemoryJobStore(),
	}
}

func TestSaveAndGet(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := domain.JobRecord{
				ID:           "01J0000000000000000000000A",
				TenantID:     "t1",
				TargetDomain: "example.com",
				Status:       domain.JobQueued,
			}
			require.NoError(t, s.SaveJob(ctx, job))

			job.Status = domain.JobCompleted
			job.SizeBytes = 2048
			job.Compressions = 1
			job.Summaries = map[string]domain.AgentSummary{
				"page-analysis": {Status: domain.StatusCompleted, Summary: "ok", KeyFindings: []string{"k"}},
				"google-aio":    {Status: domain.StatusSkipped, Reason: "quota"},
			}
			require.NoError(t, s.SaveJob(ctx, job))

			got, err := s.GetJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.JobCompleted, got.Status)
			assert.Equal(t, 2048, got.SizeBytes)
			assert.Equal(t, 1, got.Compressions)
			assert.Equal(t, job.Summaries, got.Summaries)
			assert.False(t, got.CreatedAt.IsZero())
			assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
		})
	}
}

func TestUpdateStatus(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SaveJob(ctx, domain.JobRecord{ID: "j1", TargetDomain: "a.com", Status: domain.JobQueued}))

			require.NoError(t, s.UpdateStatus(ctx, "j1", domain.JobFailed, "phase aborted"))
			got, err := s.GetJob(ctx, "j1")
			require.NoError(t, err)
			assert.Equal(t, domain.JobFailed, got.Status)
			assert.Equal(t, "phase aborted", got.Error)

			err = s.UpdateStatus(ctx, "missing", domain.JobCompleted, "")
			assert.True(t, errors.Is(err, domain.ErrJobNotFound))

			err = s.UpdateStatus(ctx, "j1", domain.JobStatus("exploded"), "")
			assert.True(t, errors.Is(err, domain.ErrInvalidInput))
		})
	}
}

func TestGetMissing(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetJob(context.Background(), "nope")
			assert.True(t, errors.Is(err, domain.ErrJobNotFound))
		})
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			assert.Error(t, s.SaveJob(ctx, domain.JobRecord{Status: domain.JobQueued}))
			assert.Error(t, s.SaveJob(ctx, domain.JobRecord{ID: "x", Status: "weird"}))
		})
	}
}

func TestListJobs(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			for i, tenant := range []string{"t1", "t2", "t1", "t1"} {
				require.NoError(t, s.SaveJob(ctx, domain.JobRecord{
					ID:           string(rune('a' + i)),
					TenantID:     tenant,
					TargetDomain: "example.com",
					Status:       domain.JobCompleted,
					CreatedAt:    base.Add(time.Duration(i) * time.Minute),
				}))
			}

			all, err := s.ListJobs(ctx, "", 0)
			require.NoError(t, err)
			assert.Len(t, all, 4)

			t1, err := s.ListJobs(ctx, "t1", 2)
			require.NoError(t, err)
			require.Len(t, t1, 2)
			assert.Equal(t, "d", t1[0].ID)
			assert.Equal(t, "c", t1[1].ID)
		})
	}
}
