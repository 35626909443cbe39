// Package progress publishes ephemeral job progress snapshots for
// low-latency polling. A missing snapshot is not an error: callers fall
// back to the job record.
package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/cuongbtq/job-pipeline/internal/domain"
)

// DefaultTTL is how long a snapshot lives after its last write
const DefaultTTL = 3600 * time.Second

// Cache stores the latest progress snapshot per job
type Cache interface {
	// Put fully overwrites the snapshot for jobID and resets its TTL
	Put(ctx context.Context, jobID string, snapshot *domain.ProgressSnapshot) error
	// Get returns nil, nil when no snapshot is present
	Get(ctx context.Context, jobID string) (*domain.ProgressSnapshot, error)
}

// Key returns the cache key for a job's progress snapshot
func Key(jobID string) string {
	return fmt.Sprintf("job:%s:progress", jobID)
}
