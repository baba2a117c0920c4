package agent

import (
	"context"
	"sync"

	"github.com/relaycore/agentcore/pkg/models"
)

// BehaviorLoader resolves the BehaviorSpec for one agent id, typically by
// reading an environment+agent row out of a config store or database.
type BehaviorLoader func(ctx context.Context, agentID string) (*models.BehaviorSpec, error)

// BehaviorCache lazily loads and caches BehaviorSpecs keyed by agent id, so
// a hot run doesn't re-resolve the same environment rules and tool policy on
// every iteration. A cached entry survives until explicitly invalidated —
// callers that mutate a BehaviorSpec's backing store are responsible for
// calling Invalidate so the next run picks up the change.
type BehaviorCache struct {
	mu      sync.RWMutex
	loader  BehaviorLoader
	entries map[string]*models.BehaviorSpec
}

// NewBehaviorCache creates an empty cache backed by loader.
func NewBehaviorCache(loader BehaviorLoader) *BehaviorCache {
	return &BehaviorCache{
		loader:  loader,
		entries: make(map[string]*models.BehaviorSpec),
	}
}

// Get returns the cached BehaviorSpec for agentID, loading it via the
// configured loader on a cache miss. A nil loader with no cached entry
// returns (nil, nil) — callers fall back to their default system prompt.
func (c *BehaviorCache) Get(ctx context.Context, agentID string) (*models.BehaviorSpec, error) {
	c.mu.RLock()
	spec, ok := c.entries[agentID]
	c.mu.RUnlock()
	if ok {
		return spec, nil
	}

	if c.loader == nil {
		return nil, nil
	}

	spec, err := c.loader(ctx, agentID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[agentID] = spec
	c.mu.Unlock()
	return spec, nil
}

// Invalidate drops the cached entry for agentID, forcing the next Get to
// reload it from the loader.
func (c *BehaviorCache) Invalidate(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, agentID)
}

// InvalidateAll drops every cached entry.
func (c *BehaviorCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*models.BehaviorSpec)
}
