package sessions

import (
	"context"

	"github.com/relaycore/agentcore/pkg/models"
)

// Store is the interface for session persistence, owned by the Environment
// per spec §3 ("session store holds the ordered message history; the Agent
// Loop only ever sees what HandleQuery hands it").
type Store interface {
	// Session CRUD
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
	Delete(ctx context.Context, id string) error

	// Session lookup
	GetByKey(ctx context.Context, key string) (*models.Session, error)
	GetOrCreate(ctx context.Context, key string, agentID string) (*models.Session, error)
	List(ctx context.Context, agentID string, opts ListOptions) ([]*models.Session, error)

	// Message history. BranchID "" means the session's trunk branch.
	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error
	GetHistory(ctx context.Context, sessionID, branchID string, limit int) ([]*models.Message, error)
}

// ListOptions configures session listing.
type ListOptions struct {
	Limit  int
	Offset int
}

// SessionKey builds a unique session key scoped to one agent.
func SessionKey(agentID, externalID string) string {
	return agentID + ":" + externalID
}
