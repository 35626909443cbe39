package progress

import (
	"context"
	"sync"
	"time"

	"github.com/cuongbtq/job-pipeline/internal/domain"
)

type memoryEntry struct {
	snapshot  domain.ProgressSnapshot
	expiresAt time.Time
}

// MemoryCache is an in-process Cache with the same TTL semantics as RedisCache
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memoryEntry
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryCache creates an in-memory cache. A nil clock uses time.Now.
func NewMemoryCache(ttl time.Duration, clock func() time.Time) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &MemoryCache{
		items: make(map[string]memoryEntry),
		ttl:   ttl,
		now:   clock,
	}
}

// Put stores a copy of the snapshot
func (c *MemoryCache) Put(_ context.Context, jobID string, snapshot *domain.ProgressSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[jobID] = memoryEntry{
		snapshot:  *snapshot,
		expiresAt: c.now().Add(c.ttl),
	}
	return nil
}

// Get returns a copy of the snapshot, evicting it when expired
func (c *MemoryCache) Get(_ context.Context, jobID string) (*domain.ProgressSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items[jobID]
	if !ok {
		return nil, nil
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.items, jobID)
		return nil, nil
	}

	snapshot := entry.snapshot
	return &snapshot, nil
}
