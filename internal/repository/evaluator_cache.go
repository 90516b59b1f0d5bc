package store

import (
	"context"
	"sync"
	"time"

	"github.com/xiaot623/gogo/telemetry/internal/domain"
)

// EvaluatorCache holds the realtime evaluators of every project for ttl.
// A zero ttl reloads on every call. It is shared by ingestion and the
// scheduler; callers must not modify the returned slice.
type EvaluatorCache struct {
	store Store
	ttl   time.Duration
	now   func() time.Time

	mu       sync.Mutex
	loadedAt time.Time
	items    []domain.Evaluator
}

// NewEvaluatorCache creates a cache over st. A nil now uses time.Now.
func NewEvaluatorCache(st Store, ttl time.Duration, now func() time.Time) *EvaluatorCache {
	if now == nil {
		now = time.Now
	}
	return &EvaluatorCache{store: st, ttl: ttl, now: now}
}

// Realtime returns the realtime evaluators, loading them when the cached
// list is older than ttl.
func (c *EvaluatorCache) Realtime(ctx context.Context) ([]domain.Evaluator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.items != nil && c.ttl > 0 && c.now().Sub(c.loadedAt) < c.ttl {
		return c.items, nil
	}
	items, err := c.store.ListEvaluators(ctx, EvaluatorFilter{Mode: domain.EvaluatorModeRealtime})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.Evaluator{}
	}
	c.items, c.loadedAt = items, c.now()
	return items, nil
}

// Invalidate drops the cached list so the next call reloads it.
func (c *EvaluatorCache) Invalidate() {
	c.mu.Lock()
	c.items = nil
	c.mu.Unlock()
}
