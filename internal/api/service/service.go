// Package service implements job submission, listing, manual retry and
// progress reads on top of the job record store, the queue and the progress
// cache.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/cuongbtq/job-pipeline/internal/domain"
	"github.com/cuongbtq/job-pipeline/internal/progress"
)

const (
	// DefaultPageSize is used when a list request does not set page_size
	DefaultPageSize = 20
	// MaxPageSize caps page_size
	MaxPageSize = 100
	// MaxInputLength is the maximum length of a trimmed input, in characters
	MaxInputLength = 2000
)

// JobStore is the API view of the job record store
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJobForOwner(ctx context.Context, jobID, ownerID string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error)
	CountJobs(ctx context.Context, filter domain.JobFilter) (int, error)
	MarkQueueFailed(ctx context.Context, jobID, errorMessage string, at time.Time) error
	ResetForRetry(ctx context.Context, jobID, ownerID string, at time.Time) (*domain.Job, error)
}

// Publisher enqueues a job message
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Dependencies holds the collaborators of the service
type Dependencies struct {
	Logger    *slog.Logger
	Store     JobStore
	Publisher Publisher
	Progress  progress.Cache
	// Clock defaults to time.Now
	Clock func() time.Time
	// NewID defaults to uuid.NewString
	NewID func() string
}

// SubmitRequest is a validated submission
type SubmitRequest struct {
	OwnerID         string `validate:"required"`
	Input           string `validate:"required,max=2000"`
	SimulateFailure bool
}

// Edge is one job of a page with its cursor
type Edge struct {
	Node   domain.Job
	Cursor string
}

// PageInfo describes the position of a page
type PageInfo struct {
	HasNextPage     bool
	HasPreviousPage bool
	StartCursor     string
	EndCursor       string
}

// Connection is one page of an owner's jobs
type Connection struct {
	Edges      []Edge
	PageInfo   PageInfo
	TotalCount int
}

// ListRequest selects a page. After is an opaque cursor from a previous page.
type ListRequest struct {
	OwnerID  string
	Status   string
	PageSize int
	After    string
}

// Service is the job API use-case layer
type Service struct {
	logger    *slog.Logger
	store     JobStore
	publisher Publisher
	progress  progress.Cache
	validate  *validator.Validate
	now       func() time.Time
	newID     func() string
}

// New creates a new Service
func New(deps *Dependencies) *Service {
	s := &Service{
		logger:    deps.Logger,
		store:     deps.Store,
		publisher: deps.Publisher,
		progress:  deps.Progress,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		now:       deps.Clock,
		newID:     deps.NewID,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// Submit creates a PENDING job and publishes it. When publishing fails the
// job is left FAILED and ErrQueueing is returned together with the job.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*domain.Job, error) {
	req.Input = strings.TrimSpace(req.Input)
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrValidation, describeValidation(err))
	}

	now := s.now()
	job := &domain.Job{
		JobID:           s.newID(),
		OwnerID:         req.OwnerID,
		Input:           req.Input,
		Status:          domain.JobStatusPending,
		SimulateFailure: req.SimulateFailure,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if err := s.publish(ctx, job); err != nil {
		s.logger.Error("Failed to queue job",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)

		failedAt := s.now()
		if markErr := s.store.MarkQueueFailed(ctx, job.JobID, domain.QueueFailureMessage, failedAt); markErr != nil {
			s.logger.Error("Failed to mark job as failed after queue error",
				slog.String("job_id", job.JobID),
				slog.String("error", markErr.Error()),
			)
		} else {
			msg := domain.QueueFailureMessage
			job.Status = domain.JobStatusFailed
			job.ErrorMessage = &msg
			job.CompletedAt = &failedAt
			job.UpdatedAt = failedAt
		}
		return job, fmt.Errorf("%w: %v", domain.ErrQueueing, err)
	}

	s.logger.Info("Job submitted",
		slog.String("job_id", job.JobID),
		slog.String("owner_id", job.OwnerID),
		slog.Bool("simulate_failure", job.SimulateFailure),
	)

	return job, nil
}

// Get returns one of the owner's jobs
func (s *Service) Get(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	return s.store.GetJobForOwner(ctx, jobID, ownerID)
}

// List returns a page of the owner's jobs, newest first
func (s *Service) List(ctx context.Context, req ListRequest) (*Connection, error) {
	filter := domain.JobFilter{
		OwnerID:  req.OwnerID,
		PageSize: clampPageSize(req.PageSize),
	}

	if req.Status != "" {
		status, err := domain.ParseStatus(req.Status)
		if err != nil {
			return nil, err
		}
		filter.Status = status
	}

	if req.After != "" {
		afterID, err := DecodeCursor(req.After)
		if err != nil {
			return nil, err
		}
		filter.AfterID = afterID
	}

	jobs, err := s.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}

	total, err := s.store.CountJobs(ctx, domain.JobFilter{OwnerID: filter.OwnerID, Status: filter.Status})
	if err != nil {
		return nil, err
	}

	hasMore := len(jobs) > filter.PageSize
	if hasMore {
		jobs = jobs[:filter.PageSize]
	}

	conn := &Connection{
		Edges:      make([]Edge, len(jobs)),
		TotalCount: total,
		PageInfo: PageInfo{
			HasNextPage:     hasMore,
			HasPreviousPage: req.After != "",
		},
	}
	for i, job := range jobs {
		conn.Edges[i] = Edge{Node: job, Cursor: EncodeCursor(job.JobID)}
	}
	if len(conn.Edges) > 0 {
		conn.PageInfo.StartCursor = conn.Edges[0].Cursor
		conn.PageInfo.EndCursor = conn.Edges[len(conn.Edges)-1].Cursor
	}

	return conn, nil
}

// Retry resets one of the owner's FAILED jobs and publishes it again
func (s *Service) Retry(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	job, err := s.store.ResetForRetry(ctx, jobID, ownerID, s.now())
	if err != nil {
		return nil, err
	}

	if err := s.publish(ctx, job); err != nil {
		s.logger.Error("Failed to queue retried job",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)

		failedAt := s.now()
		if markErr := s.store.MarkQueueFailed(ctx, job.JobID, domain.QueueFailureMessage, failedAt); markErr != nil {
			s.logger.Error("Failed to mark job as failed after queue error",
				slog.String("job_id", job.JobID),
				slog.String("error", markErr.Error()),
			)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrQueueing, err)
	}

	s.logger.Info("Job retried",
		slog.String("job_id", job.JobID),
		slog.String("owner_id", ownerID),
	)

	return job, nil
}

// Progress returns the latest snapshot of one of the owner's jobs, or nil
// when none is cached
func (s *Service) Progress(ctx context.Context, jobID, ownerID string) (*domain.ProgressSnapshot, error) {
	if _, err := s.store.GetJobForOwner(ctx, jobID, ownerID); err != nil {
		return nil, err
	}

	snapshot, err := s.progress.Get(ctx, jobID)
	if err != nil {
		// Absence and unavailability look the same to the caller
		s.logger.Warn("Failed to read progress snapshot",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}

	return snapshot, nil
}

func (s *Service) publish(ctx context.Context, job *domain.Job) error {
	body, err := json.Marshal(domain.JobMessage{JobID: job.JobID, OwnerID: job.OwnerID})
	if err != nil {
		return fmt.Errorf("failed to marshal job message: %w", err)
	}
	return s.publisher.PublishWithRetry(ctx, body, "application/json")
}

func clampPageSize(size int) int {
	if size <= 0 {
		return DefaultPageSize
	}
	if size > MaxPageSize {
		return MaxPageSize
	}
	return size
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}

	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	if field == "ownerid" {
		field = "owner_id"
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
}
