package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/taskflow/supportchat/protocol"
)

// SQLiteStore handles SQLite database operations. It backs single-node
// deployments and local development.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/supportchat.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/supportchat.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		participants TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'pending',
		priority TEXT NOT NULL DEFAULT 'medium',
		category TEXT NOT NULL DEFAULT 'other',
		assigned_agent_id TEXT NOT NULL DEFAULT '',
		last_message TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chats_status ON chats(status);
	CREATE INDEX IF NOT EXISTS idx_chats_updated ON chats(updated_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func scanChatRow(scan func(dest ...interface{}) error) (*protocol.ChatSession, error) {
	var (
		sess         protocol.ChatSession
		participants string
		lastMessage  sql.NullString
	)
	err := scan(
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
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &sess.Participants); err != nil {
		return nil, err
	}
	if lastMessage.Valid && lastMessage.String != "" {
		sess.LastMessage = &protocol.MessageSummary{}
		if err := json.Unmarshal([]byte(lastMessage.String), sess.LastMessage); err != nil {
			return nil, err
		}
	}
	return &sess, nil
}

// CreateChat inserts a new chat session record.
func (s *SQLiteStore) CreateChat(ctx context.Context, session *protocol.ChatSession) error {
	participants, err := json.Marshal(session.Participants)
	if err != nil {
		return err
	}

	var lastMessage interface{}
	if session.LastMessage != nil {
		data, err := json.Marshal(session.LastMessage)
		if err != nil {
			return err
		}
		lastMessage = string(data)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chats (id, participants, status, priority, category, assigned_agent_id, last_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session.ID, string(participants), session.Status, session.Priority, session.Category,
		session.AssignedAgentID, lastMessage, session.CreatedAt, session.UpdatedAt)
	return err
}

// GetChat retrieves a chat session by ID. Returns nil if not found.
func (s *SQLiteStore) GetChat(ctx context.Context, id string) (*protocol.ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, participants, status, priority, category, assigned_agent_id, last_message, created_at, updated_at
		FROM chats WHERE id = ?
	`, id)
	return scanChatRow(row.Scan)
}

// ListChats retrieves chat sessions matching the filter, most recently
// updated first.
func (s *SQLiteStore) ListChats(ctx context.Context, filter ChatFilter) ([]protocol.ChatSession, error) {
	query := `
		SELECT id, participants, status, priority, category, assigned_agent_id, last_message, created_at, updated_at
		FROM chats WHERE 1=1`
	var args []interface{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Priority != "" {
		query += ` AND priority = ?`
		args = append(args, string(filter.Priority))
	}
	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, string(filter.Category))
	}
	if filter.ParticipantID != "" {
		// Participants are a JSON array of objects; a LIKE probe on the id is
		// sufficient for uuid-valued ids.
		query += ` AND participants LIKE ?`
		args = append(args, `%"id":"`+filter.ParticipantID+`"%`)
	}

	query += ` ORDER BY updated_at DESC LIMIT ?`
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []protocol.ChatSession
	for rows.Next() {
		sess, err := scanChatRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// AcceptChat atomically assigns a pending chat to the agent.
func (s *SQLiteStore) AcceptChat(ctx context.Context, chatID string, agent protocol.Participant) (*protocol.ChatSession, bool, error) {
	now := time.Now().UnixMilli()

	res, err := s.db.ExecContext(ctx, `
		UPDATE chats
		SET status = 'active', assigned_agent_id = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, agent.ID, now, chatID)
	if err != nil {
		return nil, false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if affected == 0 {
		current, err := s.GetChat(ctx, chatID)
		return current, false, err
	}

	sess, err := s.GetChat(ctx, chatID)
	if err != nil {
		return nil, false, err
	}

	// Record the winning agent as a participant.
	if _, ok := sess.Participant(agent.ID); !ok {
		sess.Participants = append(sess.Participants, agent)
		participants, err := json.Marshal(sess.Participants)
		if err != nil {
			return nil, false, err
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE chats SET participants = ? WHERE id = ?`, string(participants), chatID); err != nil {
			return nil, false, err
		}
	}

	return sess, true, nil
}

// UpdateStatus conditionally moves a chat to the target status.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, chatID string, to protocol.Status, from []protocol.Status) (*protocol.ChatSession, bool, error) {
	now := time.Now().UnixMilli()

	placeholders := make([]string, len(from))
	args := []interface{}{string(to), string(to), now, chatID}
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE chats
		SET status = ?,
		    assigned_agent_id = CASE WHEN ? = 'closed' THEN '' ELSE assigned_agent_id END,
		    updated_at = ?
		WHERE id = ? AND status IN (`+strings.Join(placeholders, ",")+`)
	`, args...)
	if err != nil {
		return nil, false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	sess, err := s.GetChat(ctx, chatID)
	if err != nil {
		return nil, false, err
	}
	return sess, affected > 0, nil
}

// SetLastMessage updates the session's last-message summary.
func (s *SQLiteStore) SetLastMessage(ctx context.Context, chatID string, summary protocol.MessageSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE chats SET last_message = ?, updated_at = ? WHERE id = ?
	`, string(data), time.Now().UnixMilli(), chatID)
	return err
}
