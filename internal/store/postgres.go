package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"portal-scrape-queue/internal/models"
)

// ErrNotArchived is returned when a job id has no archive row.
var ErrNotArchived = errors.New("job not archived")

// Store wraps pgxpool for the job archive and the audit trail. Live job state
// stays in Redis; rows land here when the sweeper prunes a terminal job.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// ArchiveJob upserts the final state of a terminal job.
func (s *Store) ArchiveJob(ctx context.Context, job models.Job) error {
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_archive (id, type, payload, status, attempt_count, max_attempts, last_worker_id, message,
			requested_by, idempotency_key, result_ref, created_at, updated_at, claimed_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			attempt_count = EXCLUDED.attempt_count,
			last_worker_id = EXCLUDED.last_worker_id,
			message = EXCLUDED.message,
			result_ref = EXCLUDED.result_ref,
			updated_at = EXCLUDED.updated_at,
			claimed_at = EXCLUDED.claimed_at,
			archived_at = NOW()
	`, job.ID, job.Type, payloadJSON, string(job.Status), job.AttemptCount, job.MaxAttempts, job.LastWorkerID,
		job.Message, job.RequestedBy, job.IdempotencyKey, job.ResultRef, job.CreatedAt, job.UpdatedAt, job.ClaimedAt)
	if err != nil {
		return fmt.Errorf("archive job %s: %w", job.ID, err)
	}
	return nil
}

// GetArchived fetches an archived job by id.
func (s *Store) GetArchived(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, payload, status, attempt_count, max_attempts, last_worker_id, message,
			requested_by, idempotency_key, result_ref, created_at, updated_at, claimed_at
		FROM job_archive WHERE id = $1
	`, id)

	var job models.Job
	var payloadJSON []byte
	var status string
	var claimed pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.Type, &payloadJSON, &status, &job.AttemptCount, &job.MaxAttempts, &job.LastWorkerID,
		&job.Message, &job.RequestedBy, &job.IdempotencyKey, &job.ResultRef, &job.CreatedAt, &job.UpdatedAt, &claimed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotArchived)
		}
		return models.Job{}, fmt.Errorf("scan archived job: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.Status = models.Status(status)
	if claimed.Valid {
		t := claimed.Time.UTC()
		job.ClaimedAt = &t
	}
	return job, nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	if err != nil {
		return fmt.Errorf("append audit %s: %w", jobID, err)
	}
	return nil
}

// ListAudit returns the audit trail of a job, oldest first.
func (s *Store) ListAudit(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = $1 ORDER BY ts ASC, id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.JobID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PurgeArchive removes archive rows archived before cutoff.
func (s *Store) PurgeArchive(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM job_archive WHERE archived_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge archive: %w", err)
	}
	return tag.RowsAffected(), nil
}
