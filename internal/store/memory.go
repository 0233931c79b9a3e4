package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/taskflow/supportchat/protocol"
)

// MemoryStore is an in-memory implementation of DataStore, MessageStore and
// PresenceStore. It backs tests and runs the server without external
// services; the same conditional-write semantics as the SQL stores apply.
type MemoryStore struct {
	mu       sync.Mutex
	chats    map[string]*protocol.ChatSession
	messages map[string][]protocol.Message
	read     map[string]map[string]bool
	online   map[string]bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:    make(map[string]*protocol.ChatSession),
		messages: make(map[string][]protocol.Message),
		read:     make(map[string]map[string]bool),
		online:   make(map[string]bool),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() {}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// CreateChat inserts a new chat session record.
func (s *MemoryStore) CreateChat(ctx context.Context, session *protocol.ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[session.ID] = session.Clone()
	return nil
}

// GetChat retrieves a chat session by ID. Returns nil if not found.
func (s *MemoryStore) GetChat(ctx context.Context, id string) (*protocol.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chats[id].Clone(), nil
}

// ListChats retrieves chat sessions matching the filter, most recently
// updated first.
func (s *MemoryStore) ListChats(ctx context.Context, filter ChatFilter) ([]protocol.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sessions []protocol.ChatSession
	for _, sess := range s.chats {
		if filter.Status != "" && sess.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && sess.Priority != filter.Priority {
			continue
		}
		if filter.Category != "" && sess.Category != filter.Category {
			continue
		}
		if filter.ParticipantID != "" {
			if _, ok := sess.Participant(filter.ParticipantID); !ok {
				continue
			}
		}
		sessions = append(sessions, *sess.Clone())
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt > sessions[j].UpdatedAt
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(sessions) {
			return nil, nil
		}
		sessions = sessions[filter.Offset:]
	}
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// AcceptChat assigns a pending chat to the agent. Exactly one concurrent
// caller wins; the mutex plays the role of the SQL conditional UPDATE.
func (s *MemoryStore) AcceptChat(ctx context.Context, chatID string, agent protocol.Participant) (*protocol.ChatSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.chats[chatID]
	if !ok {
		return nil, false, nil
	}
	if sess.Status != protocol.StatusPending {
		return sess.Clone(), false, nil
	}

	sess.Status = protocol.StatusActive
	sess.AssignedAgentID = agent.ID
	sess.UpdatedAt = time.Now().UnixMilli()
	if _, ok := sess.Participant(agent.ID); !ok {
		sess.Participants = append(sess.Participants, agent)
	}
	return sess.Clone(), true, nil
}

// UpdateStatus conditionally moves a chat to the target status.
func (s *MemoryStore) UpdateStatus(ctx context.Context, chatID string, to protocol.Status, from []protocol.Status) (*protocol.ChatSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.chats[chatID]
	if !ok {
		return nil, false, nil
	}

	allowed := false
	for _, st := range from {
		if sess.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return sess.Clone(), false, nil
	}

	sess.Status = to
	if to == protocol.StatusClosed {
		sess.AssignedAgentID = ""
	}
	sess.UpdatedAt = time.Now().UnixMilli()
	return sess.Clone(), true, nil
}

// SetLastMessage updates the session's last-message summary.
func (s *MemoryStore) SetLastMessage(ctx context.Context, chatID string, summary protocol.MessageSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.chats[chatID]
	if !ok {
		return nil
	}
	sess.LastMessage = &summary
	sess.UpdatedAt = summary.Timestamp
	return nil
}

// AddMessage stores a message, assigning id and timestamp when unset.
// Duplicate ids are dropped.
func (s *MemoryStore) AddMessage(ctx context.Context, msg *protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}
	msg.IsRead = false

	for _, existing := range s.messages[msg.ChatID] {
		if existing.ID == msg.ID {
			return nil
		}
	}
	s.messages[msg.ChatID] = append(s.messages[msg.ChatID], *msg)
	return nil
}

// History returns up to limit messages, newest first.
func (s *MemoryStore) History(ctx context.Context, chatID string, limit int, before int64) ([]protocol.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := append([]protocol.Message(nil), s.messages[chatID]...)
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[j].Less(&msgs[i]) // newest first
	})

	var out []protocol.Message
	for _, m := range msgs {
		if before > 0 && m.CreatedAt >= before {
			continue
		}
		m.IsRead = s.read[chatID][m.ID]
		out = append(out, m)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MarkRead records read receipts for the given message ids.
func (s *MemoryStore) MarkRead(ctx context.Context, chatID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.read[chatID]
	if set == nil {
		set = make(map[string]bool)
		s.read[chatID] = set
	}
	for _, id := range ids {
		set[id] = true
	}
	return nil
}

// SetOnline records a participant's presence.
func (s *MemoryStore) SetOnline(ctx context.Context, participantID string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if online {
		s.online[participantID] = true
	} else {
		delete(s.online, participantID)
	}
	return nil
}

// Online reports which of the given participants are currently online.
func (s *MemoryStore) Online(ctx context.Context, participantIDs []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[string]bool, len(participantIDs))
	for _, id := range participantIDs {
		result[id] = s.online[id]
	}
	return result, nil
}
