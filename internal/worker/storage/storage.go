package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/job-pipeline/internal/domain"
)

// Storage handles all database operations for the worker
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// GetJobByID retrieves a job from the database by its ID
func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		SELECT job_id, owner_id, input, status, output, error_message, simulate_failure,
		       created_at, started_at, completed_at, updated_at
		FROM jobs
		WHERE job_id = $1
	`

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// MarkProcessing moves a PENDING job to PROCESSING. Re-entry from
// PROCESSING keeps the original started_at.
func (s *Storage) MarkProcessing(ctx context.Context, jobID string, startedAt time.Time) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    started_at = COALESCE(started_at, $2),
		    updated_at = $2
		WHERE job_id = $3
		  AND status IN ($4, $1)
	`

	return s.transition(ctx, jobID, domain.JobStatusProcessing, query,
		domain.JobStatusProcessing, startedAt, jobID, domain.JobStatusPending)
}

// MarkCompleted moves a PROCESSING job to COMPLETE with its output
func (s *Storage) MarkCompleted(ctx context.Context, jobID, output string, completedAt time.Time) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    output = $2,
		    error_message = NULL,
		    completed_at = $3,
		    updated_at = $3
		WHERE job_id = $4
		  AND status = $5
	`

	return s.transition(ctx, jobID, domain.JobStatusComplete, query,
		domain.JobStatusComplete, output, completedAt, jobID, domain.JobStatusProcessing)
}

// MarkFailed moves a PENDING or PROCESSING job to FAILED
func (s *Storage) MarkFailed(ctx context.Context, jobID, errorMessage string, completedAt time.Time) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    error_message = $2,
		    output = NULL,
		    completed_at = $3,
		    updated_at = $3
		WHERE job_id = $4
		  AND status IN ($5, $6)
	`

	return s.transition(ctx, jobID, domain.JobStatusFailed, query,
		domain.JobStatusFailed, errorMessage, completedAt, jobID, domain.JobStatusPending, domain.JobStatusProcessing)
}

func (s *Storage) transition(ctx context.Context, jobID string, status domain.Status, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Job status update rejected - job missing or in wrong state",
			slog.String("job_id", jobID),
			slog.String("status", string(status)),
		)
		return fmt.Errorf("%w: to %s", domain.ErrInvalidTransition, status)
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", string(status)),
	)

	return nil
}

// GetCheckpoint returns the recorded result of a step
func (s *Storage) GetCheckpoint(ctx context.Context, jobID, step string) (json.RawMessage, bool, error) {
	query := `SELECT result FROM job_checkpoints WHERE job_id = $1 AND step_name = $2`

	var result []byte
	err := s.db.QueryRowContext(ctx, query, jobID, step).Scan(&result)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	return json.RawMessage(result), true, nil
}

// SaveCheckpoint records the result of a step. The first write wins so a
// step replayed concurrently cannot change a recorded result.
func (s *Storage) SaveCheckpoint(ctx context.Context, jobID, step string, result json.RawMessage) error {
	query := `
		INSERT INTO job_checkpoints (job_id, step_name, result, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (job_id, step_name) DO NOTHING
	`

	if _, err := s.db.ExecContext(ctx, query, jobID, step, []byte(result)); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return nil
}
