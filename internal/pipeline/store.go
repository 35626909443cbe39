package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuongbtq/job-pipeline/internal/domain"
)

// JobStore is the executor's view of the job record store. Implementations
// must reject updates that break the status state machine.
type JobStore interface {
	GetJobByID(ctx context.Context, jobID string) (*domain.Job, error)
	MarkProcessing(ctx context.Context, jobID string, startedAt time.Time) error
	MarkCompleted(ctx context.Context, jobID, output string, completedAt time.Time) error
	MarkFailed(ctx context.Context, jobID, errorMessage string, completedAt time.Time) error
}

// CheckpointStore persists step results keyed by (jobID, step)
type CheckpointStore interface {
	// GetCheckpoint reports found=false when the step has not completed
	GetCheckpoint(ctx context.Context, jobID, step string) (result json.RawMessage, found bool, err error)
	SaveCheckpoint(ctx context.Context, jobID, step string, result json.RawMessage) error
}

// DependencyLoader is the external call made by the load-dependency step
type DependencyLoader interface {
	Load(ctx context.Context, job *domain.Job) error
}

// DependencyLoaderFunc adapts a function to DependencyLoader
type DependencyLoaderFunc func(ctx context.Context, job *domain.Job) error

// Load calls f(ctx, job)
func (f DependencyLoaderFunc) Load(ctx context.Context, job *domain.Job) error {
	return f(ctx, job)
}

// noopLoader is used when no dependency is configured
type noopLoader struct{}

func (noopLoader) Load(context.Context, *domain.Job) error { return nil }
