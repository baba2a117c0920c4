package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaycore/agentcore/pkg/models"
)

// DefaultToolConcurrencyLimit is the number of simultaneous executions
// permitted per tool name when no per-tool override is configured.
const DefaultToolConcurrencyLimit = 10

// DefaultMaxWaitTime bounds how long a call queues for a slot before it is
// handed back to the model as a slot-exhausted result rather than blocking
// forever behind a hot tool.
const DefaultMaxWaitTime = 60 * time.Second

// toolSemaphore is the per-tool-name wait queue backing ConcurrencyManager:
// a buffered channel doubles as both the active-slot counter and a FIFO
// queue, since Go channels release waiters in send order.
type toolSemaphore struct {
	slots chan struct{}
	limit int
}

// ConcurrencyManager enforces a concurrency limit per tool name instead of
// one limit shared across every tool, so a slow or popular tool can't starve
// execution slots away from the rest. Callers that can't acquire a slot
// within maxWaitTime get a slot-exhausted ToolResult back instead of an error,
// since running out of capacity is a condition the model can react to (wait,
// retry another tool, tell the user) rather than a hard failure.
type ConcurrencyManager struct {
	mu          sync.Mutex
	semaphores  map[string]*toolSemaphore
	defaultCap  int
	maxWaitTime time.Duration
}

// NewConcurrencyManager creates a manager using defaultCap as the per-tool
// slot count (DefaultToolConcurrencyLimit if <= 0) and maxWaitTime as the
// queueing deadline (DefaultMaxWaitTime if <= 0).
func NewConcurrencyManager(defaultCap int, maxWaitTime time.Duration) *ConcurrencyManager {
	if defaultCap <= 0 {
		defaultCap = DefaultToolConcurrencyLimit
	}
	if maxWaitTime <= 0 {
		maxWaitTime = DefaultMaxWaitTime
	}
	return &ConcurrencyManager{
		semaphores:  make(map[string]*toolSemaphore),
		defaultCap:  defaultCap,
		maxWaitTime: maxWaitTime,
	}
}

func (c *ConcurrencyManager) semaphoreFor(toolName string, limit int) *toolSemaphore {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sem, ok := c.semaphores[toolName]; ok && sem.limit == limit {
		return sem
	}
	sem := &toolSemaphore{slots: make(chan struct{}, limit), limit: limit}
	c.semaphores[toolName] = sem
	return sem
}

// Acquire blocks until a slot for toolName is free, the context is
// cancelled, or maxWaitTime elapses — whichever comes first. limit, if > 0,
// overrides the manager's default per-tool cap for this tool. On a wait
// timeout it returns ok=false along with a slot-exhausted ToolResult the
// caller can hand straight back to the model instead of treating it as a Go
// error.
func (c *ConcurrencyManager) Acquire(ctx context.Context, toolName string, toolCallID string, limit int) (release func(), result *models.ToolResult, ok bool) {
	if limit <= 0 {
		limit = c.defaultCap
	}
	sem := c.semaphoreFor(toolName, limit)

	timer := time.NewTimer(c.maxWaitTime)
	defer timer.Stop()

	select {
	case sem.slots <- struct{}{}:
		return func() { <-sem.slots }, nil, true
	case <-ctx.Done():
		return nil, nil, false
	case <-timer.C:
		msg := fmt.Sprintf("tool %q: concurrency limit (%d) exhausted, no slot available after %s", toolName, limit, c.maxWaitTime)
		return nil, &models.ToolResult{
			ToolCallID: toolCallID,
			Error:      msg,
			Output:     msg,
			Success:    false,
		}, false
	}
}

// ActiveCount returns the number of slots currently in use for toolName.
func (c *ConcurrencyManager) ActiveCount(toolName string) int {
	c.mu.Lock()
	sem, ok := c.semaphores[toolName]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	return len(sem.slots)
}
