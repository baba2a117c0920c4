package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaycore/agentcore/internal/hooks"
	"github.com/relaycore/agentcore/internal/observability"
	"github.com/relaycore/agentcore/pkg/models"
)

// maxMessagesPerSession limits messages stored per (session, branch) to
// prevent unbounded memory growth. When exceeded, old messages are trimmed.
const maxMessagesPerSession = 1000

// MemoryStore provides an in-memory Store implementation for testing and
// local runs. Message history is keyed by session id plus branch id so a
// fork's messages don't collide with the trunk's.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	byKey    map[string]string
	messages map[branchKey][]*models.Message
	hooks    *hooks.Registry
	metrics  *observability.Metrics
}

type branchKey struct {
	sessionID string
	branchID  string
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]*models.Session{},
		byKey:    map[string]string{},
		messages: map[branchKey][]*models.Message{},
	}
}

// SetHooks configures the hook registry that Create/Update/Delete dispatch
// session.created/updated/deleted events through. Passing nil disables
// dispatch, which is also the zero-value behavior.
func (m *MemoryStore) SetHooks(registry *hooks.Registry) {
	m.hooks = registry
}

// SetMetrics configures the Prometheus recorder for the active-sessions
// gauge. A nil metrics recorder disables instrumentation, which is also the
// zero-value behavior.
func (m *MemoryStore) SetMetrics(metrics *observability.Metrics) {
	m.metrics = metrics
}

func (m *MemoryStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	m.mu.Lock()

	clone := session.Clone()
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = clone.CreatedAt
	session.ID = clone.ID
	session.CreatedAt = clone.CreatedAt
	session.UpdatedAt = clone.UpdatedAt
	m.sessions[clone.ID] = clone
	if clone.Key != "" {
		m.byKey[clone.Key] = clone.ID
	}
	m.mu.Unlock()

	m.metrics.SessionStarted(clone.AgentID)
	m.hooks.Trigger(ctx, hooks.NewEvent(hooks.EventSessionCreated, clone.ID, clone.AgentID)) //nolint:errcheck
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, errors.New("session not found")
	}
	return session.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	m.mu.Lock()

	existing, ok := m.sessions[session.ID]
	if !ok {
		m.mu.Unlock()
		return errors.New("session not found")
	}
	clone := session.Clone()
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = time.Now()
	m.sessions[clone.ID] = clone
	if clone.Key != "" {
		m.byKey[clone.Key] = clone.ID
	}
	m.mu.Unlock()

	m.hooks.Trigger(ctx, hooks.NewEvent(hooks.EventSessionUpdated, clone.ID, clone.AgentID)) //nolint:errcheck
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()

	session, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return errors.New("session not found")
	}
	delete(m.sessions, id)
	if session.Key != "" {
		delete(m.byKey, session.Key)
	}
	for k := range m.messages {
		if k.sessionID == id {
			delete(m.messages, k)
		}
	}
	m.mu.Unlock()

	m.metrics.SessionEnded(session.AgentID)
	m.hooks.Trigger(ctx, hooks.NewEvent(hooks.EventSessionDeleted, id, session.AgentID)) //nolint:errcheck
	return nil
}

func (m *MemoryStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byKey[key]
	if !ok {
		return nil, errors.New("session not found")
	}
	session, ok := m.sessions[id]
	if !ok {
		return nil, errors.New("session not found")
	}
	return session.Clone(), nil
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, key string, agentID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byKey[key]; ok {
		if session, ok := m.sessions[id]; ok {
			return session.Clone(), nil
		}
	}

	now := time.Now()
	session := &models.Session{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[session.ID] = session
	m.byKey[key] = session.ID
	return session.Clone(), nil
}

func (m *MemoryStore) List(ctx context.Context, agentID string, opts ListOptions) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Session
	for _, session := range m.sessions {
		if agentID != "" && session.AgentID != agentID {
			continue
		}
		out = append(out, session.Clone())
	}

	start := opts.Offset
	if start < 0 {
		start = 0
	}
	end := len(out)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	if start > len(out) {
		return []*models.Session{}, nil
	}
	return out[start:end], nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return errors.New("session not found")
	}
	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	key := branchKey{sessionID: sessionID, branchID: msg.BranchID}
	clone.SequenceNum = int64(len(m.messages[key]) + 1)
	m.messages[key] = append(m.messages[key], clone)

	if len(m.messages[key]) > maxMessagesPerSession {
		excess := len(m.messages[key]) - maxMessagesPerSession
		m.messages[key] = m.messages[key][excess:]
	}
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, sessionID, branchID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := m.messages[branchKey{sessionID: sessionID, branchID: branchID}]
	if len(messages) == 0 {
		return []*models.Message{}, nil
	}
	start := 0
	if limit > 0 && len(messages) > limit {
		start = len(messages) - limit
	}
	out := make([]*models.Message, 0, len(messages)-start)
	for _, msg := range messages[start:] {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

// deepCloneMap creates a deep copy of a map[string]any to prevent shared references.
func deepCloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	clone := make(map[string]any, len(m))
	for k, v := range m {
		clone[k] = deepCloneValue(v)
	}
	return clone
}

// deepCloneValue recursively clones a value, handling nested maps and slices.
func deepCloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCloneMap(val)
	case []any:
		cloned := make([]any, len(val))
		for i, item := range val {
			cloned[i] = deepCloneValue(item)
		}
		return cloned
	case []string:
		cloned := make([]string, len(val))
		copy(cloned, val)
		return cloned
	default:
		return v
	}
}

func cloneMessage(msg *models.Message) *models.Message {
	if msg == nil {
		return nil
	}
	clone := *msg
	if msg.Metadata != nil {
		clone.Metadata = deepCloneMap(msg.Metadata)
	}
	if len(msg.Attachments) > 0 {
		clone.Attachments = append([]models.Attachment{}, msg.Attachments...)
	}
	if len(msg.Content) > 0 {
		clone.Content = append([]models.Part{}, msg.Content...)
	}
	return &clone
}
