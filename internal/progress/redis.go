package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/job-pipeline/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisCache keeps snapshots as JSON strings with SET ... EX so that every
// write replaces the whole value and refreshes the expiry atomically
type RedisCache struct {
	rc     *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache creates a Redis-backed progress cache
func NewRedisCache(rc *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{
		rc:     rc,
		ttl:    ttl,
		logger: logger,
	}
}

// Put writes the snapshot and resets its TTL
func (c *RedisCache) Put(ctx context.Context, jobID string, snapshot *domain.ProgressSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal progress snapshot: %w", err)
	}

	if err := c.rc.Set(ctx, Key(jobID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write progress snapshot: %w", err)
	}

	c.logger.Debug("Progress snapshot written",
		slog.String("job_id", jobID),
		slog.String("stage", snapshot.Stage),
		slog.Int("progress", snapshot.Progress),
	)

	return nil
}

// Get reads the snapshot, returning nil on a cache miss
func (c *RedisCache) Get(ctx context.Context, jobID string) (*domain.ProgressSnapshot, error) {
	data, err := c.rc.Get(ctx, Key(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read progress snapshot: %w", err)
	}

	var snapshot domain.ProgressSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress snapshot: %w", err)
	}

	return &snapshot, nil
}
