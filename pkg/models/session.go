package models

import "time"

// Session is a conversation thread: an id, mutable title/metadata, and the
// ordered message history owned by the Environment's session store.
type Session struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Key       string         `json:"key,omitempty"`
	Title     string         `json:"title,omitempty"`
	Directory string         `json:"directory,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Clone returns a deep-enough copy of the session so callers cannot mutate
// store-owned state through the returned pointer.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Metadata != nil {
		cp.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
