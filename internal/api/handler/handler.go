package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/job-pipeline/internal/api/service"
	"github.com/cuongbtq/job-pipeline/internal/domain"
)

// OwnerIDKey is the gin context key holding the caller's owner id
const OwnerIDKey = "owner_id"

// JobService is the use-case layer behind the job routes
type JobService interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*domain.Job, error)
	Get(ctx context.Context, jobID, ownerID string) (*domain.Job, error)
	List(ctx context.Context, req service.ListRequest) (*service.Connection, error)
	Retry(ctx context.Context, jobID, ownerID string) (*domain.Job, error)
	Progress(ctx context.Context, jobID, ownerID string) (*domain.ProgressSnapshot, error)
}

// HealthCheck reports whether one dependency is reachable
type HealthCheck func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	Service      JobService
	HealthChecks map[string]HealthCheck
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger  *slog.Logger
	service JobService
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:  deps.Logger,
		service: deps.Service,
	}
}
