package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"aegis-audit/internal/domain"
)

var _ domain.JobQueueRepository = (*JobQueueRepo)(nil)

// JobQueueRepo is the SQLite backing store for the durable log-job queue.
// Jobs are claimed with a lease; a job whose lease expires before it is
// acked is considered stalled and becomes claimable again, which is what
// makes delivery at-least-once.
type JobQueueRepo struct {
	db *sql.DB
}

// NewJobQueueRepo creates a new JobQueueRepo on the write pool.
func NewJobQueueRepo(db *sql.DB) *JobQueueRepo {
	return &JobQueueRepo{db: db}
}

// Enqueue inserts a job in queued state, due immediately.
func (r *JobQueueRepo) Enqueue(ctx context.Context, job *domain.LogJob, maxAttempts int) (*domain.QueuedJob, error) {
	if job == nil {
		return nil, domain.ErrValidation("log job is required")
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal log job: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO log_jobs (id, payload, status, max_attempts, next_run_at_ms)
		VALUES (?, ?, ?, ?, ?)
	`, id, string(payload), string(domain.JobStatusQueued), maxAttempts, now.UnixMilli())
	if err != nil {
		return nil, mapDBError(err)
	}

	return &domain.QueuedJob{
		ID:          id,
		Job:         *job,
		Status:      domain.JobStatusQueued,
		MaxAttempts: maxAttempts,
		NextRunAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// ClaimNext atomically claims the oldest due queued job for workerID. The
// claim raises attempts by one and sets a lease; the transaction runs on the
// single-connection write pool, so two workers can never claim the same job.
func (r *JobQueueRepo) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*domain.QueuedJob, error) {
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer tx.Rollback() //nolint:errcheck

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM log_jobs
		WHERE status = ? AND next_run_at_ms <= ?
		ORDER BY next_run_at_ms ASC, created_at ASC
		LIMIT 1
	`, string(domain.JobStatusQueued), now.UnixMilli()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound("no job due")
	}
	if err != nil {
		return nil, mapDBError(err)
	}

	lockedUntil := now.Add(lease)
	_, err = tx.ExecContext(ctx, `
		UPDATE log_jobs
		SET status = ?, attempts = attempts + 1, locked_by = ?, locked_until_ms = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, string(domain.JobStatusActive), workerID, lockedUntil.UnixMilli(), id)
	if err != nil {
		return nil, mapDBError(err)
	}

	job, jobErr := getQueuedJobTx(ctx, tx, id)
	if jobErr != nil && job == nil {
		return nil, jobErr
	}

	if err := tx.Commit(); err != nil {
		return nil, mapDBError(err)
	}
	// jobErr may be a ValidationError for a malformed payload: the claim is
	// still committed so the worker can dead-letter the job.
	return job, jobErr
}

// Ack removes a successfully processed job from the queue.
func (r *JobQueueRepo) Ack(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM log_jobs WHERE id = ?`, id)
	if err != nil {
		return mapDBError(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrNotFound("log job %q not found", id)
	}
	return nil
}

// Release returns a claimed job to the queue for a later attempt.
func (r *JobQueueRepo) Release(ctx context.Context, id string, nextRunAt time.Time, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE log_jobs
		SET status = ?, locked_by = '', locked_until_ms = NULL,
		    next_run_at_ms = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, string(domain.JobStatusQueued), nextRunAt.UTC().UnixMilli(), lastError, id)
	return mapDBError(err)
}

// DeadLetter parks a job permanently. Dead letters are never deleted by the
// pipeline; operators inspect them through the admin API.
func (r *JobQueueRepo) DeadLetter(ctx context.Context, id string, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE log_jobs
		SET status = ?, locked_by = '', locked_until_ms = NULL,
		    last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, string(domain.JobStatusDead), lastError, id)
	return mapDBError(err)
}

// RecoverStalled re-queues active jobs whose lease has expired; the claimant
// crashed or hung past its lease. Returns the number of recovered jobs.
func (r *JobQueueRepo) RecoverStalled(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE log_jobs
		SET status = ?, locked_by = '', locked_until_ms = NULL,
		    next_run_at_ms = ?, updated_at = CURRENT_TIMESTAMP
		WHERE status = ? AND locked_until_ms IS NOT NULL AND locked_until_ms < ?
	`, string(domain.JobStatusQueued), time.Now().UTC().UnixMilli(),
		string(domain.JobStatusActive), time.Now().UTC().UnixMilli())
	if err != nil {
		return 0, mapDBError(err)
	}
	return res.RowsAffected()
}

// ListDeadLetters returns dead-lettered jobs, newest first.
func (r *JobQueueRepo) ListDeadLetters(ctx context.Context, limit int64) ([]domain.QueuedJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, payload, status, attempts, max_attempts, next_run_at_ms,
		       locked_by, locked_until_ms, last_error, created_at, updated_at
		FROM log_jobs
		WHERE status = ?
		ORDER BY updated_at DESC
		LIMIT ?
	`, string(domain.JobStatusDead), limit)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var jobs []domain.QueuedJob
	for rows.Next() {
		job, err := scanQueuedJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// Depth returns the number of jobs waiting or in flight.
func (r *JobQueueRepo) Depth(ctx context.Context) (int64, error) {
	var depth int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM log_jobs WHERE status IN (?, ?)
	`, string(domain.JobStatusQueued), string(domain.JobStatusActive)).Scan(&depth)
	if err != nil {
		return 0, mapDBError(err)
	}
	return depth, nil
}

func getQueuedJobTx(ctx context.Context, tx *sql.Tx, id string) (*domain.QueuedJob, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, payload, status, attempts, max_attempts, next_run_at_ms,
		       locked_by, locked_until_ms, last_error, created_at, updated_at
		FROM log_jobs WHERE id = ?
	`, id)
	return scanQueuedJob(row)
}

func scanQueuedJob(row rowScanner) (*domain.QueuedJob, error) {
	var (
		job           domain.QueuedJob
		payload       string
		status        string
		nextRunMs     int64
		lockedUntilMs sql.NullInt64
	)
	err := row.Scan(
		&job.ID,
		&payload,
		&status,
		&job.Attempts,
		&job.MaxAttempts,
		&nextRunMs,
		&job.LockedBy,
		&lockedUntilMs,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, mapDBError(err)
	}

	job.Status = domain.JobStatus(status)
	job.NextRunAt = time.UnixMilli(nextRunMs).UTC()
	if lockedUntilMs.Valid {
		t := time.UnixMilli(lockedUntilMs.Int64).UTC()
		job.LockedUntil = &t
	}
	// A payload that no longer unmarshals is surfaced to the worker, which
	// dead-letters it rather than risking ledger corruption.
	if err := json.Unmarshal([]byte(payload), &job.Job); err != nil {
		return &job, domain.ErrValidation("log job %s has malformed payload: %v", job.ID, err)
	}
	return &job, nil
}
