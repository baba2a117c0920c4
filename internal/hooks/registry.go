package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Registry manages hook registrations and event dispatch for one process.
// A nil *Registry is valid and Trigger becomes a no-op, so callers that
// don't configure hooks pay nothing for the indirection.
type Registry struct {
	mu       sync.RWMutex
	handlers map[EventType][]*Registration
	byID     map[string]*Registration
	logger   *slog.Logger
}

// NewRegistry creates a hook registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[EventType][]*Registration),
		byID:     make(map[string]*Registration),
		logger:   logger.With("component", "hooks"),
	}
}

// RegisterOption configures a registration.
type RegisterOption func(*Registration)

// WithPriority sets the handler priority.
func WithPriority(p Priority) RegisterOption {
	return func(r *Registration) { r.Priority = p }
}

// WithName sets the handler name for debugging.
func WithName(name string) RegisterOption {
	return func(r *Registration) { r.Name = name }
}

// Register adds a handler for an event type and returns its registration ID.
func (r *Registry) Register(eventKey EventType, handler Handler, opts ...RegisterOption) string {
	if r == nil {
		return ""
	}
	reg := &Registration{
		ID:       uuid.New().String(),
		EventKey: eventKey,
		Handler:  handler,
		Priority: PriorityNormal,
	}
	for _, opt := range opts {
		opt(reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventKey] = append(r.handlers[eventKey], reg)
	r.byID[reg.ID] = reg
	sort.Slice(r.handlers[eventKey], func(i, j int) bool {
		return r.handlers[eventKey][i].Priority < r.handlers[eventKey][j].Priority
	})
	return reg.ID
}

// Unregister removes a handler by its registration ID.
func (r *Registry) Unregister(id string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	handlers := r.handlers[reg.EventKey]
	for i, h := range handlers {
		if h.ID == id {
			r.handlers[reg.EventKey] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}
	return true
}

// Trigger dispatches an event to all matching handlers in priority order.
// Handler errors are logged but don't stop the remaining handlers from
// running; the first error encountered is returned to the caller.
func (r *Registry) Trigger(ctx context.Context, event *Event) error {
	if r == nil || event == nil {
		return nil
	}

	r.mu.RLock()
	handlers := append([]*Registration(nil), r.handlers[event.Type]...)
	r.mu.RUnlock()
	if len(handlers) == 0 {
		return nil
	}

	var firstErr error
	for _, reg := range handlers {
		if err := r.callHandler(ctx, reg, event); err != nil {
			r.logger.Warn("hook handler error",
				"event_type", event.Type,
				"handler_id", reg.ID,
				"handler_name", reg.Name,
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Registry) callHandler(ctx context.Context, reg *Registration, event *Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("hook panic: %v", p)
		}
	}()
	return reg.Handler(ctx, event)
}

// TriggerAsync dispatches an event in a goroutine and returns immediately.
func (r *Registry) TriggerAsync(ctx context.Context, event *Event) {
	if r == nil {
		return
	}
	go func() {
		if err := r.Trigger(ctx, event); err != nil {
			r.logger.Warn("async hook trigger error", "event_type", event.Type, "error", err)
		}
	}()
}

// HandlerCount returns the number of handlers registered for an event type.
func (r *Registry) HandlerCount(eventKey EventType) int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[eventKey])
}
