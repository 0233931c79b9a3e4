package protocol

import "encoding/json"

// Socket event names. Server-to-client events mirror the entities in this
// package; client-to-server commands are the room protocol plus message and
// typing emission.
const (
	EventChatMessage   = "chat:message"
	EventChatTyping    = "chat:typing"
	EventStatusUpdated = "chat:status-updated"
	EventChatClosed    = "chat:closed"
	EventNewChat       = "admin:new-chat-request"
	EventChatAccepted  = "admin:chat-accepted"
	EventUserOnline    = "user:online"

	EventChatJoin  = "chat:join"
	EventChatLeave = "chat:leave"
	EventAdminJoin = "admin:join"
)

// Envelope is one socket frame: an event name and its JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an Envelope for the given event.
func NewEnvelope(event string, payload interface{}) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: data}, nil
}

// JoinPayload is the body of chat:join and chat:leave commands. Both are
// idempotent: joining an already-joined room is a no-op, not an error.
type JoinPayload struct {
	ChatID string `json:"chat_id"`
}

// TypingEvent carries a typing start or stop signal for one participant.
type TypingEvent struct {
	ChatID        string `json:"chat_id"`
	ParticipantID string `json:"participant_id"`
	IsTyping      bool   `json:"is_typing"`
}

// PresenceEvent announces a participant going online or offline.
type PresenceEvent struct {
	ParticipantID string `json:"participant_id"`
	Online        bool   `json:"online"`
}

// StatusEvent is the authoritative broadcast after any session transition.
// Clients apply it over local optimistic state; it always wins a conflict.
type StatusEvent struct {
	ChatID          string `json:"chat_id"`
	Status          Status `json:"status"`
	AssignedAgentID string `json:"assigned_agent_id,omitempty"`
	UpdatedAt       int64  `json:"updated_at"`
}

// AcceptedEvent tells every admin which agent won a pending chat.
type AcceptedEvent struct {
	ChatID    string `json:"chat_id"`
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
}

// NewChatEvent announces a freshly created pending chat to the admin room.
type NewChatEvent struct {
	Session ChatSession `json:"session"`
}

// SendMessagePayload is the client-to-server chat:message command. The client
// generates the ULID so the socket-side echo and any REST fallback delivery
// of the same send carry the same id and de-duplicate cleanly.
type SendMessagePayload struct {
	ID      string      `json:"id,omitempty"`
	ChatID  string      `json:"chat_id"`
	Content string      `json:"content"`
	Kind    MessageKind `json:"kind"`
}
