package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/relaycore/agentcore/internal/hooks"
	"github.com/relaycore/agentcore/internal/observability"
	"github.com/relaycore/agentcore/pkg/models"
)

const sessionsTable = "sessions"

// PostgresStore implements Store against Postgres. Sessions live in a
// `sessions` table; message history in `messages`, one row per Part-bearing
// Message, keyed by (session_id, branch_id) so a fork shares trunk history
// up to the point it diverged without copying rows.
type PostgresStore struct {
	db      *sql.DB
	hooks   *hooks.Registry
	metrics *observability.Metrics

	stmtCreateSession *sql.Stmt
	stmtGetSession    *sql.Stmt
	stmtUpdateSession *sql.Stmt
	stmtDeleteSession *sql.Stmt
	stmtGetByKey      *sql.Stmt
	stmtAppendMessage *sql.Stmt
	stmtGetHistory    *sql.Stmt
}

// PostgresConfig holds connection-pool tuning for PostgresStore.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns sane pool defaults.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgresStore opens dsn, pings it, and prepares the store's statements.
func NewPostgresStore(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) DB() *sql.DB { return s.db }

// SetHooks configures the hook registry that Create/Update/Delete dispatch
// session.created/updated/deleted events through. Passing nil disables
// dispatch, which is also the zero-value behavior.
func (s *PostgresStore) SetHooks(registry *hooks.Registry) {
	s.hooks = registry
}

// SetMetrics configures the Prometheus recorder for session-store query
// latency and the active-sessions gauge. A nil metrics recorder disables
// instrumentation, which is also the zero-value behavior.
func (s *PostgresStore) SetMetrics(metrics *observability.Metrics) {
	s.metrics = metrics
}

func (s *PostgresStore) prepareStatements() error {
	var err error

	if s.stmtCreateSession, err = s.db.Prepare(`
		INSERT INTO sessions (id, agent_id, key, title, directory, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`); err != nil {
		return fmt.Errorf("prepare create session: %w", err)
	}

	if s.stmtGetSession, err = s.db.Prepare(`
		SELECT id, agent_id, key, title, directory, metadata, created_at, updated_at
		FROM sessions WHERE id = $1
	`); err != nil {
		return fmt.Errorf("prepare get session: %w", err)
	}

	if s.stmtUpdateSession, err = s.db.Prepare(`
		UPDATE sessions SET title = $1, directory = $2, metadata = $3, updated_at = $4 WHERE id = $5
	`); err != nil {
		return fmt.Errorf("prepare update session: %w", err)
	}

	if s.stmtDeleteSession, err = s.db.Prepare(`DELETE FROM sessions WHERE id = $1`); err != nil {
		return fmt.Errorf("prepare delete session: %w", err)
	}

	if s.stmtGetByKey, err = s.db.Prepare(`
		SELECT id, agent_id, key, title, directory, metadata, created_at, updated_at
		FROM sessions WHERE key = $1
	`); err != nil {
		return fmt.Errorf("prepare get by key: %w", err)
	}

	if s.stmtAppendMessage, err = s.db.Prepare(`
		INSERT INTO messages (id, session_id, branch_id, sequence_num, role, content, tool_call_id, attachments, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`); err != nil {
		return fmt.Errorf("prepare append message: %w", err)
	}

	if s.stmtGetHistory, err = s.db.Prepare(`
		SELECT id, session_id, branch_id, sequence_num, role, content, tool_call_id, attachments, metadata, created_at
		FROM messages WHERE session_id = $1 AND branch_id = $2
		ORDER BY sequence_num DESC
		LIMIT $3
	`); err != nil {
		return fmt.Errorf("prepare get history: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	for _, stmt := range []*sql.Stmt{
		s.stmtCreateSession, s.stmtGetSession, s.stmtUpdateSession,
		s.stmtDeleteSession, s.stmtGetByKey, s.stmtAppendMessage, s.stmtGetHistory,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

func (s *PostgresStore) Create(ctx context.Context, session *models.Session) error {
	start := time.Now()
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	session.UpdatedAt = session.CreatedAt

	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.stmtCreateSession.ExecContext(ctx,
		session.ID, session.AgentID, session.Key, session.Title, session.Directory,
		metadata, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		s.metrics.RecordDatabaseQuery("insert", sessionsTable, "error", time.Since(start).Seconds())
		return fmt.Errorf("create session: %w", err)
	}
	s.metrics.RecordDatabaseQuery("insert", sessionsTable, "success", time.Since(start).Seconds())
	s.metrics.SessionStarted(session.AgentID)
	s.hooks.Trigger(ctx, hooks.NewEvent(hooks.EventSessionCreated, session.ID, session.AgentID)) //nolint:errcheck
	return nil
}

func (s *PostgresStore) scanSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	session := &models.Session{}
	var metadataJSON []byte
	if err := row.Scan(
		&session.ID, &session.AgentID, &session.Key, &session.Title, &session.Directory,
		&metadataJSON, &session.CreatedAt, &session.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &session.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return session, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Session, error) {
	start := time.Now()
	session, err := s.scanSession(s.stmtGetSession.QueryRowContext(ctx, id))
	if err == sql.ErrNoRows {
		s.metrics.RecordDatabaseQuery("select", sessionsTable, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("session not found: %s", id)
	}
	if err != nil {
		s.metrics.RecordDatabaseQuery("select", sessionsTable, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("get session: %w", err)
	}
	s.metrics.RecordDatabaseQuery("select", sessionsTable, "success", time.Since(start).Seconds())
	return session, nil
}

func (s *PostgresStore) Update(ctx context.Context, session *models.Session) error {
	start := time.Now()
	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	session.UpdatedAt = time.Now()

	result, err := s.stmtUpdateSession.ExecContext(ctx,
		session.Title, session.Directory, metadata, session.UpdatedAt, session.ID,
	)
	if err != nil {
		s.metrics.RecordDatabaseQuery("update", sessionsTable, "error", time.Since(start).Seconds())
		return fmt.Errorf("update session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		s.metrics.RecordDatabaseQuery("update", sessionsTable, "error", time.Since(start).Seconds())
		return fmt.Errorf("session not found: %s", session.ID)
	}
	s.metrics.RecordDatabaseQuery("update", sessionsTable, "success", time.Since(start).Seconds())
	s.hooks.Trigger(ctx, hooks.NewEvent(hooks.EventSessionUpdated, session.ID, session.AgentID)) //nolint:errcheck
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	start := time.Now()
	result, err := s.stmtDeleteSession.ExecContext(ctx, id)
	if err != nil {
		s.metrics.RecordDatabaseQuery("delete", sessionsTable, "error", time.Since(start).Seconds())
		return fmt.Errorf("delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		s.metrics.RecordDatabaseQuery("delete", sessionsTable, "error", time.Since(start).Seconds())
		return fmt.Errorf("session not found: %s", id)
	}
	s.metrics.RecordDatabaseQuery("delete", sessionsTable, "success", time.Since(start).Seconds())
	s.hooks.Trigger(ctx, hooks.NewEvent(hooks.EventSessionDeleted, id, "")) //nolint:errcheck
	return nil
}

func (s *PostgresStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	session, err := s.scanSession(s.stmtGetByKey.QueryRowContext(ctx, key))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found with key: %s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("get session by key: %w", err)
	}
	return session, nil
}

// GetOrCreate upserts on the unique key so concurrent first-messages for the
// same external conversation converge on one session row instead of racing.
func (s *PostgresStore) GetOrCreate(ctx context.Context, key string, agentID string) (*models.Session, error) {
	now := time.Now()
	id := uuid.NewString()
	query := `
		INSERT INTO sessions (id, agent_id, key, title, directory, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, '', '', '{}', $4, $5)
		ON CONFLICT (key) DO UPDATE SET key = sessions.key
		RETURNING id, agent_id, key, title, directory, metadata, created_at, updated_at
	`
	session, err := s.scanSession(s.db.QueryRowContext(ctx, query, id, agentID, key, now, now))
	if err != nil {
		return nil, fmt.Errorf("get or create session: %w", err)
	}
	return session, nil
}

func (s *PostgresStore) List(ctx context.Context, agentID string, opts ListOptions) ([]*models.Session, error) {
	query := `
		SELECT id, agent_id, key, title, directory, metadata, created_at, updated_at
		FROM sessions WHERE agent_id = $1 ORDER BY updated_at DESC
	`
	args := []any{agentID}
	argPos := 2
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, opts.Limit)
		argPos++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := s.scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// AppendMessage inserts the message and bumps the session's updated_at in one
// transaction so a crash between the two never leaves a stale session.
func (s *PostgresStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	contentJSON, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	attachmentsJSON, err := json.Marshal(msg.Attachments)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}
	metadataJSON, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.StmtContext(ctx, s.stmtAppendMessage).ExecContext(ctx,
		msg.ID, sessionID, msg.BranchID, msg.SequenceNum, msg.Role,
		contentJSON, msg.ToolCallID, attachmentsJSON, metadataJSON, msg.CreatedAt,
	)
	if err != nil {
		s.metrics.RecordDatabaseQuery("insert", "messages", "error", time.Since(start).Seconds())
		return fmt.Errorf("append message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE sessions SET updated_at = $1 WHERE id = $2", time.Now(), sessionID); err != nil {
		s.metrics.RecordDatabaseQuery("insert", "messages", "error", time.Since(start).Seconds())
		return fmt.Errorf("touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		s.metrics.RecordDatabaseQuery("insert", "messages", "error", time.Since(start).Seconds())
		return err
	}
	s.metrics.RecordDatabaseQuery("insert", "messages", "success", time.Since(start).Seconds())
	return nil
}

func (s *PostgresStore) GetHistory(ctx context.Context, sessionID, branchID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.stmtGetHistory.QueryContext(ctx, sessionID, branchID, limit)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var contentJSON, attachmentsJSON, metadataJSON []byte
		var toolCallID sql.NullString
		if err := rows.Scan(
			&msg.ID, &msg.SessionID, &msg.BranchID, &msg.SequenceNum, &msg.Role,
			&contentJSON, &toolCallID, &attachmentsJSON, &metadataJSON, &msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.ToolCallID = toolCallID.String

		if len(contentJSON) > 0 && string(contentJSON) != "null" {
			if err := json.Unmarshal(contentJSON, &msg.Content); err != nil {
				return nil, fmt.Errorf("unmarshal content: %w", err)
			}
		}
		if len(attachmentsJSON) > 0 && string(attachmentsJSON) != "null" {
			if err := json.Unmarshal(attachmentsJSON, &msg.Attachments); err != nil {
				return nil, fmt.Errorf("unmarshal attachments: %w", err)
			}
		}
		if len(metadataJSON) > 0 && string(metadataJSON) != "null" {
			if err := json.Unmarshal(metadataJSON, &msg.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
