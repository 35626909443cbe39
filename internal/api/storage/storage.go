package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/job-pipeline/internal/domain"
	"github.com/cuongbtq/job-pipeline/shared/postgresql"
)

const jobColumns = `
	job_id, owner_id, input, status, output, error_message, simulate_failure,
	created_at, started_at, completed_at, updated_at
`

type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

// NewStorageFromDB wraps an existing connection pool
func NewStorageFromDB(db *sqlx.DB) *Storage {
	return &Storage{db: db}
}

func (s *Storage) CreateJob(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, owner_id, input, status,
			simulate_failure, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.JobID,
		job.OwnerID,
		job.Input,
		job.Status,
		job.SimulateFailure,
		job.CreatedAt,
		job.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJobForOwner returns ErrJobNotFound for jobs owned by someone else
func (s *Storage) GetJobForOwner(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	var job domain.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1 AND owner_id = $2`

	err := s.db.GetContext(ctx, &job, query, jobID, ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// JobCursor is the keyset position of the last job on a page
type JobCursor struct {
	CreatedAt time.Time `db:"created_at"`
	JobID     string    `db:"job_id"`
}

// resolveCursor looks up the keyset of the job a cursor points at
func (s *Storage) resolveCursor(ctx context.Context, afterID, ownerID string) (*JobCursor, error) {
	var cursor JobCursor
	query := `SELECT created_at, job_id FROM jobs WHERE job_id = $1 AND owner_id = $2`

	err := s.db.GetContext(ctx, &cursor, query, afterID, ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrInvalidCursor
		}
		return nil, fmt.Errorf("failed to resolve cursor: %w", err)
	}

	return &cursor, nil
}

// ListJobs returns up to PageSize+1 rows so the caller can tell whether a
// next page exists
func (s *Storage) ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE owner_id = $1`
	args := []interface{}{filter.OwnerID}
	argIdx := 2

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.AfterID != "" {
		cursor, err := s.resolveCursor(ctx, filter.AfterID, filter.OwnerID)
		if err != nil {
			return nil, err
		}
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, cursor.CreatedAt, cursor.JobID)
		argIdx += 2
	}

	// Order by created_at DESC, job_id DESC for consistent pagination
	query += " ORDER BY created_at DESC, job_id DESC"

	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []domain.Job
	err := s.db.SelectContext(ctx, &jobs, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// CountJobs counts every job matching the owner and status filter
func (s *Storage) CountJobs(ctx context.Context, filter domain.JobFilter) (int, error) {
	query := `SELECT COUNT(*) FROM jobs WHERE owner_id = $1`
	args := []interface{}{filter.OwnerID}

	if filter.Status != "" {
		query += " AND status = $2"
		args = append(args, filter.Status)
	}

	var total int
	if err := s.db.GetContext(ctx, &total, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	return total, nil
}

// MarkQueueFailed fails a job whose message could not be published
func (s *Storage) MarkQueueFailed(ctx context.Context, jobID, errorMessage string, at time.Time) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    error_message = $2,
		    output = NULL,
		    completed_at = $3,
		    updated_at = $3
		WHERE job_id = $4 AND status = $5
	`

	result, err := s.db.ExecContext(ctx, query, domain.JobStatusFailed, errorMessage, at, jobID, domain.JobStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrInvalidTransition
	}

	return nil
}

// ResetForRetry returns a FAILED job to PENDING and removes its checkpoints
// in one transaction
func (s *Storage) ResetForRetry(ctx context.Context, jobID, ownerID string, at time.Time) (*domain.Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE jobs
		SET status = $1,
		    error_message = NULL,
		    output = NULL,
		    started_at = NULL,
		    completed_at = NULL,
		    updated_at = $2
		WHERE job_id = $3 AND owner_id = $4 AND status = $5
		RETURNING ` + jobColumns

	var job domain.Job
	err = tx.GetContext(ctx, &job, query, domain.JobStatusPending, at, jobID, ownerID, domain.JobStatusFailed)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to reset job: %w", err)
		}

		var exists bool
		if err := tx.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM jobs WHERE job_id = $1 AND owner_id = $2)`, jobID, ownerID,
		); err != nil {
			return nil, fmt.Errorf("failed to check job: %w", err)
		}
		if !exists {
			return nil, domain.ErrJobNotFound
		}
		return nil, domain.ErrNotRetryable
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM job_checkpoints WHERE job_id = $1`, jobID); err != nil {
		return nil, fmt.Errorf("failed to delete checkpoints: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return &job, nil
}
