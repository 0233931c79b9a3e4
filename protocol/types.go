// Package protocol defines the wire-level entities and events shared by the
// support chat server and its clients: chat sessions, messages, typing and
// presence signals, the session status state machine, and the error taxonomy.
package protocol

import "time"

// ParticipantKind distinguishes customers from support agents.
type ParticipantKind string

const (
	KindCustomer ParticipantKind = "customer"
	KindAgent    ParticipantKind = "agent"
)

// Participant is one side of a chat session. It also doubles as the
// authenticated principal extracted from a bearer token.
type Participant struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"display_name"`
	Kind        ParticipantKind `json:"kind"`
	Online      bool            `json:"online"`
}

// Priority orders the pending queue for agents.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ValidPriority reports whether p is a known priority level.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Category is the closed set of support topics a chat can be filed under.
type Category string

const (
	CategoryBilling   Category = "billing"
	CategoryTechnical Category = "technical"
	CategoryAccount   Category = "account"
	CategoryFeature   Category = "feature"
	CategoryOther     Category = "other"
)

// ValidCategory reports whether c is a known support topic.
func ValidCategory(c Category) bool {
	switch c {
	case CategoryBilling, CategoryTechnical, CategoryAccount, CategoryFeature, CategoryOther:
		return true
	}
	return false
}

// MessageSummary is the last-message digest carried on a session so chat
// lists can render without loading full history.
type MessageSummary struct {
	Content   string `json:"content"`
	SenderID  string `json:"sender_id"`
	Timestamp int64  `json:"ts"` // Unix ms
}

// ChatSession is one support conversation between a customer and (once
// accepted) an assigned agent.
//
// Invariant: AssignedAgentID is set if and only if Status is active or
// resolved; it is always empty while pending and after closed.
type ChatSession struct {
	ID              string          `json:"id"`
	Participants    []Participant   `json:"participants"`
	Status          Status          `json:"status"`
	Priority        Priority        `json:"priority"`
	Category        Category        `json:"category"`
	AssignedAgentID string          `json:"assigned_agent_id,omitempty"`
	CreatedAt       int64           `json:"created_at"` // Unix ms
	UpdatedAt       int64           `json:"updated_at"` // Unix ms
	LastMessage     *MessageSummary `json:"last_message,omitempty"`
}

// Clone returns a deep copy of the session. Local stores hand out clones so
// callers can never mutate tracked state in place.
func (s *ChatSession) Clone() *ChatSession {
	if s == nil {
		return nil
	}
	c := *s
	c.Participants = append([]Participant(nil), s.Participants...)
	if s.LastMessage != nil {
		lm := *s.LastMessage
		c.LastMessage = &lm
	}
	return &c
}

// Participant returns the participant with the given id, if present.
func (s *ChatSession) Participant(id string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// MessageKind is the payload type of a chat message.
type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageImage  MessageKind = "image"
	MessageFile   MessageKind = "file"
	MessageSystem MessageKind = "system"
)

// ValidMessageKind reports whether k is a known message kind.
func ValidMessageKind(k MessageKind) bool {
	switch k {
	case MessageText, MessageImage, MessageFile, MessageSystem:
		return true
	}
	return false
}

// Message is a single chat message. Messages are immutable once created;
// only IsRead mutates, and only from false to true.
type Message struct {
	ID         string          `json:"id"` // ULID
	ChatID     string          `json:"chat_id"`
	SenderID   string          `json:"sender_id"`
	SenderKind ParticipantKind `json:"sender_kind"`
	Content    string          `json:"content"`
	Kind       MessageKind     `json:"kind"`
	IsRead     bool            `json:"is_read"`
	CreatedAt  int64           `json:"created_at"` // Unix ms
}

// Less orders messages by (CreatedAt, ID). The ID tie-break keeps
// same-millisecond arrivals stable; ULIDs sort lexically by creation time so
// the two keys agree for well-formed ids.
func (m *Message) Less(other *Message) bool {
	if m.CreatedAt != other.CreatedAt {
		return m.CreatedAt < other.CreatedAt
	}
	return m.ID < other.ID
}

// TypingSignal is the ephemeral "participant is typing" record. It is never
// persisted; the aggregator expires it after TTL if no stop event arrives.
type TypingSignal struct {
	ChatID        string    `json:"chat_id"`
	ParticipantID string    `json:"participant_id"`
	ExpiresAt     time.Time `json:"-"`
}

// TypingTTL bounds how long a typing indicator can stay visible after the
// last typing event, even if the explicit stop signal is lost.
const TypingTTL = time.Second

// MaxMessageLen bounds message content size in bytes. The server enforces
// it on both the REST and socket send paths.
const MaxMessageLen = 4096
