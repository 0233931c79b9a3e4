package store

import (
	"context"

	"github.com/taskflow/supportchat/protocol"
)

// ChatFilter narrows ListChats results. Zero values mean "any".
type ChatFilter struct {
	Status        protocol.Status
	Priority      protocol.Priority
	Category      protocol.Category
	ParticipantID string
	Limit         int
	Offset        int
}

// DataStore is the persistent store for chat sessions. PostgresStore,
// SQLiteStore and MemoryStore implement this interface. The store is the
// single arbiter of contested writes: AcceptChat and UpdateStatus are
// conditional so two racing callers can never both win.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Chat session operations
	CreateChat(ctx context.Context, session *protocol.ChatSession) error
	GetChat(ctx context.Context, id string) (*protocol.ChatSession, error)
	ListChats(ctx context.Context, filter ChatFilter) ([]protocol.ChatSession, error)

	// AcceptChat transitions a pending chat to active and assigns the agent.
	// Exactly one concurrent caller wins; losers get the current session and
	// won=false.
	AcceptChat(ctx context.Context, chatID string, agent protocol.Participant) (session *protocol.ChatSession, won bool, err error)

	// UpdateStatus moves a chat to the target status if its current status is
	// one of from. Closing clears the assigned agent. Returns the session
	// after the attempt and whether the write applied.
	UpdateStatus(ctx context.Context, chatID string, to protocol.Status, from []protocol.Status) (session *protocol.ChatSession, applied bool, err error)

	// SetLastMessage updates the session's last-message summary.
	SetLastMessage(ctx context.Context, chatID string, summary protocol.MessageSummary) error
}

// MessageStore holds message history and read receipts. Backed by Redis in
// production and by MemoryStore in tests.
type MessageStore interface {
	// AddMessage stores a message, assigning a ULID id and timestamp when the
	// caller did not provide them. Storing the same id twice is a no-op.
	AddMessage(ctx context.Context, msg *protocol.Message) error

	// History returns up to limit messages for a chat, newest first, strictly
	// older than before when before > 0. IsRead reflects recorded receipts.
	History(ctx context.Context, chatID string, limit int, before int64) ([]protocol.Message, error)

	// MarkRead records read receipts for the given message ids. The flip is
	// monotonic and idempotent, so retries are always safe.
	MarkRead(ctx context.Context, chatID string, ids []string) error
}

// PresenceStore tracks which participants currently hold an open socket.
type PresenceStore interface {
	SetOnline(ctx context.Context, participantID string, online bool) error
	Online(ctx context.Context, participantIDs []string) (map[string]bool, error)
}
