package chatclient

import (
	"sort"
	"sync"

	"github.com/taskflow/supportchat/protocol"
)

// SessionStore holds the client's transient copies of chat sessions. They
// are authoritative for rendering, never for the system: every optimistic
// mutation keeps the last server-confirmed snapshot so a rejection can roll
// straight back, and every authoritative update from the server replaces
// local state unconditionally.
type SessionStore struct {
	rules protocol.TransitionRules

	mu        sync.Mutex
	sessions  map[string]*protocol.ChatSession
	confirmed map[string]*protocol.ChatSession
}

// NewSessionStore creates an empty store guarded by the given transition
// rules.
func NewSessionStore(rules protocol.TransitionRules) *SessionStore {
	return &SessionStore{
		rules:     rules,
		sessions:  make(map[string]*protocol.ChatSession),
		confirmed: make(map[string]*protocol.ChatSession),
	}
}

// Rules returns the transition rules the store guards with.
func (s *SessionStore) Rules() protocol.TransitionRules {
	return s.rules
}

// Confirm records a server-confirmed session, replacing any optimistic
// local state for that chat. The authoritative copy always wins.
func (s *SessionStore) Confirm(session *protocol.ChatSession) {
	if session == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session.Clone()
	s.confirmed[session.ID] = session.Clone()
}

// Get returns a copy of the tracked session, or nil when unknown.
func (s *SessionStore) Get(chatID string) *protocol.ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[chatID].Clone()
}

// List returns copies of all tracked sessions, most recently updated first.
func (s *SessionStore) List() []*protocol.ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*protocol.ChatSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt > out[j].UpdatedAt
	})
	return out
}

// Optimistic applies a local transition ahead of server confirmation. The
// transition is guarded by the state table; an illegal edge is rejected
// with StateConflict and leaves state untouched.
func (s *SessionStore) Optimistic(chatID string, to protocol.Status, assignedAgentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[chatID]
	if !ok {
		return &protocol.NotFoundError{Resource: "chat", ID: chatID}
	}
	if err := s.rules.Check(chatID, sess.Status, to); err != nil {
		return err
	}

	sess.Status = to
	switch to {
	case protocol.StatusActive:
		if assignedAgentID != "" {
			sess.AssignedAgentID = assignedAgentID
		}
	case protocol.StatusClosed:
		sess.AssignedAgentID = ""
	}
	return nil
}

// Rollback restores the last server-confirmed snapshot after a rejected
// optimistic transition.
func (s *SessionStore) Rollback(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if confirmed, ok := s.confirmed[chatID]; ok {
		s.sessions[chatID] = confirmed.Clone()
	}
}

// ApplyStatusEvent applies an authoritative transition broadcast. It is
// applied unconditionally; the server can override any local state.
func (s *SessionStore) ApplyStatusEvent(ev protocol.StatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[ev.ChatID]
	if !ok {
		return
	}
	sess.Status = ev.Status
	sess.AssignedAgentID = ev.AssignedAgentID
	if ev.UpdatedAt > 0 {
		sess.UpdatedAt = ev.UpdatedAt
	}
	s.confirmed[ev.ChatID] = sess.Clone()
}

// ApplyAccepted applies the admin broadcast naming the agent that won a
// pending chat.
func (s *SessionStore) ApplyAccepted(ev protocol.AcceptedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[ev.ChatID]
	if !ok {
		return
	}
	sess.Status = protocol.StatusActive
	sess.AssignedAgentID = ev.AgentID
	s.confirmed[ev.ChatID] = sess.Clone()
}

// SetLastMessage updates the session's last-message summary for list
// rendering.
func (s *SessionStore) SetLastMessage(chatID string, summary protocol.MessageSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[chatID]
	if !ok {
		return
	}
	sess.LastMessage = &summary
	if summary.Timestamp > sess.UpdatedAt {
		sess.UpdatedAt = summary.Timestamp
	}
}

// Forget drops a chat from the store.
func (s *SessionStore) Forget(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, chatID)
	delete(s.confirmed, chatID)
}
