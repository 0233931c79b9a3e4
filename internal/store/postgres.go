package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskflow/supportchat/protocol"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// initSchema creates tables if they don't exist.
func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS chats (
			id UUID PRIMARY KEY,
			participants JSONB NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'pending',
			priority TEXT NOT NULL DEFAULT 'medium',
			category TEXT NOT NULL DEFAULT 'other',
			assigned_agent_id TEXT NOT NULL DEFAULT '',
			last_message JSONB,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_chats_status ON chats(status);
		CREATE INDEX IF NOT EXISTS idx_chats_updated ON chats(updated_at DESC);
	`)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const chatColumns = `id, participants, status, priority, category, assigned_agent_id, last_message, created_at, updated_at`

// participantProbe builds the JSONB containment argument for participant
// filtering. The id goes through the JSON encoder so it can never break out
// of the literal.
func participantProbe(id string) string {
	probe, _ := json.Marshal([]map[string]string{{"id": id}})
	return string(probe)
}

func scanChat(row pgx.Row) (*protocol.ChatSession, error) {
	var (
		sess         protocol.ChatSession
		participants []byte
		lastMessage  []byte
	)
	err := row.Scan(
		&sess.ID,
		&participants,
		&sess.Status,
		&sess.Priority,
		&sess.Category,
		&sess.AssignedAgentID,
		&lastMessage,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(participants, &sess.Participants); err != nil {
		return nil, err
	}
	if len(lastMessage) > 0 {
		sess.LastMessage = &protocol.MessageSummary{}
		if err := json.Unmarshal(lastMessage, sess.LastMessage); err != nil {
			return nil, err
		}
	}
	return &sess, nil
}

// CreateChat inserts a new chat session record.
func (s *PostgresStore) CreateChat(ctx context.Context, session *protocol.ChatSession) error {
	participants, err := json.Marshal(session.Participants)
	if err != nil {
		return err
	}

	var lastMessage []byte
	if session.LastMessage != nil {
		lastMessage, err = json.Marshal(session.LastMessage)
		if err != nil {
			return err
		}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO chats (id, participants, status, priority, category, assigned_agent_id, last_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, session.ID, participants, session.Status, session.Priority, session.Category,
		session.AssignedAgentID, lastMessage, session.CreatedAt, session.UpdatedAt)
	return err
}

// GetChat retrieves a chat session by ID. Returns nil if not found.
func (s *PostgresStore) GetChat(ctx context.Context, id string) (*protocol.ChatSession, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = $1`, id)
	return scanChat(row)
}

// ListChats retrieves chat sessions matching the filter, most recently
// updated first.
func (s *PostgresStore) ListChats(ctx context.Context, filter ChatFilter) ([]protocol.ChatSession, error) {
	query := `SELECT ` + chatColumns + ` FROM chats WHERE 1=1`
	args := []interface{}{}

	add := func(clause string, value interface{}) {
		args = append(args, value)
		query += ` AND ` + clause + `$` + strconv.Itoa(len(args))
	}

	if filter.Status != "" {
		add(`status = `, string(filter.Status))
	}
	if filter.Priority != "" {
		add(`priority = `, string(filter.Priority))
	}
	if filter.Category != "" {
		add(`category = `, string(filter.Category))
	}
	if filter.ParticipantID != "" {
		add(`participants @> `, participantProbe(filter.ParticipantID))
	}

	query += ` ORDER BY updated_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []protocol.ChatSession
	for rows.Next() {
		sess, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// AcceptChat atomically assigns a pending chat to the agent. The conditional
// UPDATE is what makes "first accept wins" hold across racing instances.
func (s *PostgresStore) AcceptChat(ctx context.Context, chatID string, agent protocol.Participant) (*protocol.ChatSession, bool, error) {
	now := time.Now().UnixMilli()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE chats
		SET status = 'active', assigned_agent_id = $2, updated_at = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING `+chatColumns,
		chatID, agent.ID, now)

	sess, err := scanChat(row)
	if err != nil {
		return nil, false, err
	}
	if sess == nil {
		// Lost the race (or the chat never existed); report current state.
		current, err := s.GetChat(ctx, chatID)
		return current, false, err
	}

	// Record the winning agent as a participant.
	if _, ok := sess.Participant(agent.ID); !ok {
		sess.Participants = append(sess.Participants, agent)
		participants, err := json.Marshal(sess.Participants)
		if err != nil {
			return nil, false, err
		}
		if _, err := tx.Exec(ctx, `UPDATE chats SET participants = $2 WHERE id = $1`, chatID, participants); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// UpdateStatus conditionally moves a chat to the target status. Closing a
// chat clears the assignment, keeping the assigned-iff-active-or-resolved
// invariant intact.
func (s *PostgresStore) UpdateStatus(ctx context.Context, chatID string, to protocol.Status, from []protocol.Status) (*protocol.ChatSession, bool, error) {
	now := time.Now().UnixMilli()

	sources := make([]string, len(from))
	for i, st := range from {
		sources[i] = string(st)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE chats
		SET status = $2,
		    assigned_agent_id = CASE WHEN $2 = 'closed' THEN '' ELSE assigned_agent_id END,
		    updated_at = $3
		WHERE id = $1 AND status = ANY($4)
		RETURNING `+chatColumns,
		chatID, string(to), now, sources)

	sess, err := scanChat(row)
	if err != nil {
		return nil, false, err
	}
	if sess == nil {
		current, err := s.GetChat(ctx, chatID)
		return current, false, err
	}
	return sess, true, nil
}

// SetLastMessage updates the session's last-message summary.
func (s *PostgresStore) SetLastMessage(ctx context.Context, chatID string, summary protocol.MessageSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE chats SET last_message = $2, updated_at = $3 WHERE id = $1
	`, chatID, data, time.Now().UnixMilli())
	return err
}
