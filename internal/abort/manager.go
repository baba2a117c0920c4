// Package abort implements the process-wide Abort Manager: a registry mapping
// session id to a one-shot cancellation signal, so a caller anywhere in the
// process can fire "stop" for a session and every suspended read, tool
// executor, and retry-backoff sleep for that session observes it.
package abort

import (
	"context"
	"sync"
)

// Signal is a one-shot, monotonic cancellation token scoped to one session.
// Once fired it never un-fires; Done/Err behave like a context.Context so
// downstream code can select on Done() alongside other channels.
type Signal struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func newSignal() *Signal {
	ctx, cancel := context.WithCancel(context.Background())
	return &Signal{ctx: ctx, cancel: cancel}
}

// Done returns a channel closed once this signal fires.
func (s *Signal) Done() <-chan struct{} { return s.ctx.Done() }

// Err returns context.Canceled once fired, nil otherwise.
func (s *Signal) Err() error { return s.ctx.Err() }

// Fired reports whether Abort has already been called on this signal.
func (s *Signal) Fired() bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}

// WithSignal derives a child context that is cancelled when either parent
// is cancelled or the signal fires, whichever comes first.
func (s *Signal) WithSignal(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := make(chan struct{})
	go func() {
		select {
		case <-s.Done():
			cancel()
		case <-ctx.Done():
		case <-stop:
		}
	}()
	return ctx, func() {
		close(stop)
		cancel()
	}
}

// Manager is the process-wide session-id → Signal registry described in
// spec §4.4. Create is idempotent; Abort is safe to call more than once or
// on a session with no active run (it is simply a no-op in that case).
type Manager struct {
	mu      sync.Mutex
	signals map[string]*Signal
}

// NewManager constructs an empty Abort Manager.
func NewManager() *Manager {
	return &Manager{signals: make(map[string]*Signal)}
}

// Create returns the existing signal for sessionID, or installs and returns
// a fresh one. A new run on a session whose prior signal already fired
// replaces the entry so the session can run again.
func (m *Manager) Create(sessionID string) *Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sig, ok := m.signals[sessionID]; ok && !sig.Fired() {
		return sig
	}
	sig := newSignal()
	m.signals[sessionID] = sig
	return sig
}

// Get returns the current signal for sessionID, if one has been created.
func (m *Manager) Get(sessionID string) (*Signal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, ok := m.signals[sessionID]
	return sig, ok
}

// Abort fires the signal for sessionID, if one exists. Safe to call
// concurrently and more than once.
func (m *Manager) Abort(sessionID string) {
	m.mu.Lock()
	sig, ok := m.signals[sessionID]
	m.mu.Unlock()
	if ok {
		sig.cancel()
	}
}

// Clear removes the registry entry for sessionID. Intended for cleanup once
// a run is known to be complete and the signal is no longer useful; it does
// not fire the signal.
func (m *Manager) Clear(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.signals, sessionID)
}
