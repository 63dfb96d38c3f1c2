// Package store persists job records.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"aivis/internal/domain"
)

// SQLiteJobStore implements domain.JobStore using SQLite.
type SQLiteJobStore struct {
	db *sql.DB
}

// NewSQLiteJobStore opens (or creates) a SQLite database at dbPath and runs
// the schema migration.
func NewSQLiteJobStore(dbPath string) (*SQLiteJobStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open job db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate job db: %w", err)
	}
	return &SQLiteJobStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id            TEXT PRIMARY KEY,
			tenant_id     TEXT NOT NULL DEFAULT '',
			target_domain TEXT NOT NULL,
			status        TEXT NOT NULL,
			error         TEXT NOT NULL DEFAULT '',
			error_code    TEXT NOT NULL DEFAULT '',
			summaries     TEXT NOT NULL DEFAULT '{}',
			size_bytes    INTEGER NOT NULL DEFAULT 0,
			compressions  INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS jobs_tenant_created ON jobs (tenant_id, created_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteJobStore) Close() error {
	return s.db.Close()
}

// SaveJob inserts or replaces the full record. CreatedAt is kept from the
// first save.
func (s *SQLiteJobStore) SaveJob(ctx context.Context, job domain.JobRecord) error {
	if job.ID == "" {
		return domain.NewSubSystemError("job", "SaveJob", domain.ErrInvalidInput, "job id is empty")
	}
	if !job.Status.Valid() {
		return domain.NewSubSystemError("job", "SaveJob", domain.ErrInvalidInput, fmt.Sprintf("unknown status %q", job.Status))
	}
	sums, err := json.Marshal(job.Summaries)
	if err != nil {
		return fmt.Errorf("marshal job summaries: %w", err)
	}
	now := time.Now().UTC()
	created := job.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, tenant_id, target_domain, status, error, error_code, summaries, size_bytes, compressions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			target_domain = excluded.target_domain,
			status = excluded.status,
			error = excluded.error,
			error_code = excluded.error_code,
			summaries = excluded.summaries,
			size_bytes = excluded.size_bytes,
			compressions = excluded.compressions,
			updated_at = excluded.updated_at`,
		job.ID, job.TenantID, job.TargetDomain, string(job.Status), job.Error, string(job.ErrorCode),
		string(sums), job.SizeBytes, job.Compressions,
		created.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	return err
}

// UpdateStatus changes the coarse status of an existing job.
func (s *SQLiteJobStore) UpdateStatus(ctx context.Context, id string, status domain.JobStatus, errMsg string) error {
	if !status.Valid() {
		return domain.NewSubSystemError("job", "UpdateStatus", domain.ErrInvalidInput, fmt.Sprintf("unknown status %q", status))
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?",
		string(status), errMsg, time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

const selectJob = "SELECT id, tenant_id, target_domain, status, error, error_code, summaries, size_bytes, compressions, created_at, updated_at FROM jobs"

// GetJob returns the job with id or domain.ErrJobNotFound.
func (s *SQLiteJobStore) GetJob(ctx context.Context, id string) (*domain.JobRecord, error) {
	row := s.db.QueryRowContext(ctx, selectJob+" WHERE id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns the newest jobs first. An empty tenantID lists every
// tenant; limit <= 0 means no limit.
func (s *SQLiteJobStore) ListJobs(ctx context.Context, tenantID string, limit int) ([]domain.JobRecord, error) {
	query := selectJob
	var args []any
	if tenantID != "" {
		query += " WHERE tenant_id = ?"
		args = append(args, tenantID)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.JobRecord, error) {
	var j domain.JobRecord
	var status, code, sums, createdStr, updatedStr string
	if err := row.Scan(&j.ID, &j.TenantID, &j.TargetDomain, &status, &j.Error, &code, &sums,
		&j.SizeBytes, &j.Compressions, &createdStr, &updatedStr); err != nil {
		return nil, err
	}
	j.Status = domain.JobStatus(status)
	j.ErrorCode = domain.ErrorCode(code)
	if err := json.Unmarshal([]byte(sums), &j.Summaries); err != nil {
		return nil, fmt.Errorf("unmarshal job summaries: %w", err)
	}
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &j, nil
}
