package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/riverstation/stationd/pkg/models"
)

type memoryEntry struct {
	job     *models.JobInfo
	counter int64
	expires time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// MemoryCache is an in-process Cache for tests and stations without Redis.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Ping(ctx context.Context) error { return nil }

func (c *MemoryCache) SetJobStatus(ctx context.Context, job *models.JobInfo, ttl time.Duration) error {
	id, err := uuid.Parse(job.ID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *job
	c.entries[JobStatusKey(id)] = memoryEntry{job: &cp, expires: c.deadline(ttl)}
	return nil
}

func (c *MemoryCache) GetJobStatus(ctx context.Context, jobID uuid.UUID) (*models.JobInfo, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[JobStatusKey(jobID)]
	if !ok || e.job == nil || e.expired(c.now()) {
		return nil, false, nil
	}
	cp := *e.job
	return &cp, true, nil
}

func (c *MemoryCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.expired(c.now()) {
		e = memoryEntry{}
	}
	e.counter++
	e.expires = c.deadline(expiry)
	c.entries[key] = e
	return e.counter, nil
}

func (c *MemoryCache) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}
