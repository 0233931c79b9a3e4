package chatclient

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"github.com/taskflow/supportchat/protocol"
)

// Options configures a Core.
type Options struct {
	// BaseURL is the REST endpoint, e.g. http://localhost:8080.
	BaseURL string
	// SocketURL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	SocketURL string
	// Token is the bearer token presented on both paths.
	Token string
	// Self identifies the authenticated participant. Kind decides which
	// operations are available (only agents accept and resolve).
	Self protocol.Participant
	// AllowReopen permits the resolved -> active transition for agents.
	AllowReopen bool

	Logger zerolog.Logger

	// Optional observers, invoked from the transport's dispatch goroutine.
	// They must not block.
	OnMessage  func(protocol.Message)
	OnStatus   func(protocol.StatusEvent)
	OnNewChat  func(protocol.ChatSession)
	OnAccepted func(protocol.AcceptedEvent)
	OnPresence func(protocol.PresenceEvent)
	OnTyping   func(protocol.TypingEvent)
	OnState    func(ConnState)
}

// Core is the client-side chat engine: one socket session, the REST
// fallback, and the per-concern trackers, wired together behind a small
// surface. A UI owns exactly one Core per authenticated participant.
type Core struct {
	opts       Options
	rest       *Client
	transport  *Transport
	rooms      *RoomTracker
	sessions   *SessionStore
	pipeline   *Pipeline
	typing     *TypingAggregator
	presence   *PresenceTracker
	assignment *AssignmentCoordinator
	logger     zerolog.Logger
}

// New builds a Core from options. Nothing connects until Connect is called.
func New(opts Options) *Core {
	rules := protocol.TransitionRules{AllowReopen: opts.AllowReopen}
	rest := NewClient(opts.BaseURL, opts.Token)
	rooms := NewRoomTracker()
	transport := NewTransport(opts.SocketURL, opts.Token, rooms, opts.Logger)
	sessions := NewSessionStore(rules)

	c := &Core{
		opts:       opts,
		rest:       rest,
		transport:  transport,
		rooms:      rooms,
		sessions:   sessions,
		pipeline:   NewPipeline(transport, rest, sessions),
		typing:     NewTypingAggregator(transport, opts.Self.ID),
		presence:   NewPresenceTracker(),
		assignment: NewAssignmentCoordinator(rest, sessions, opts.Self),
		logger:     opts.Logger,
	}
	c.wire()
	return c
}

// wire registers the inbound event handlers.
func (c *Core) wire() {
	c.transport.On(protocol.EventChatMessage, func(data json.RawMessage) {
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("bad chat:message payload")
			return
		}
		if c.pipeline.Receive(msg) && c.opts.OnMessage != nil {
			c.opts.OnMessage(msg)
		}
	})

	c.transport.On(protocol.EventChatTyping, func(data json.RawMessage) {
		var ev protocol.TypingEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		c.typing.HandleEvent(ev)
		if c.opts.OnTyping != nil {
			c.opts.OnTyping(ev)
		}
	})

	statusHandler := func(data json.RawMessage) {
		var ev protocol.StatusEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		c.sessions.ApplyStatusEvent(ev)
		if c.opts.OnStatus != nil {
			c.opts.OnStatus(ev)
		}
	}
	c.transport.On(protocol.EventStatusUpdated, statusHandler)
	c.transport.On(protocol.EventChatClosed, statusHandler)

	c.transport.On(protocol.EventChatAccepted, func(data json.RawMessage) {
		var ev protocol.AcceptedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		c.sessions.ApplyAccepted(ev)
		if c.opts.OnAccepted != nil {
			c.opts.OnAccepted(ev)
		}
	})

	c.transport.On(protocol.EventNewChat, func(data json.RawMessage) {
		var ev protocol.NewChatEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		c.sessions.Confirm(&ev.Session)
		if c.opts.OnNewChat != nil {
			c.opts.OnNewChat(ev.Session)
		}
	})

	c.transport.On(protocol.EventUserOnline, func(data json.RawMessage) {
		var ev protocol.PresenceEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		c.presence.HandleEvent(ev)
		if c.opts.OnPresence != nil {
			c.opts.OnPresence(ev)
		}
	})

	c.transport.OnStateChange(func(state ConnState) {
		if state == StateConnected {
			// Every typing deadline and presence flag predates the new
			// session; start cold and resync from the server.
			c.typing.Reset()
			c.presence.Reset()
			go c.resync()
		}
		if c.opts.OnState != nil {
			c.opts.OnState(state)
		}
	})
}

// resync refreshes joined chats after a reconnect: the session record for
// transitions missed offline, and the history tail for messages. Dedup by
// id makes the history overlap harmless.
func (c *Core) resync() {
	ctx := context.Background()
	for _, room := range c.rooms.Rooms() {
		if room == AdminRoom {
			continue
		}
		session, err := c.rest.GetChat(ctx, room)
		if err != nil {
			c.logger.Warn().Err(err).Str("chat_id", room).Msg("resync: fetch session")
			continue
		}
		c.sessions.Confirm(session)
		if _, err := c.pipeline.LoadHistory(ctx, room, 50, 0); err != nil {
			c.logger.Warn().Err(err).Str("chat_id", room).Msg("resync: fetch history")
		}
	}
}

// Connect establishes the socket session and keeps it alive until Close.
// A failed first dial is returned but the transport keeps retrying in the
// background; REST operations work regardless.
func (c *Core) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx)
}

// Close tears down the socket permanently.
func (c *Core) Close() error {
	return c.transport.Close()
}

// State returns the transport connection state.
func (c *Core) State() ConnState {
	return c.transport.State()
}

// CreateChat opens a new pending chat and starts tracking it.
func (c *Core) CreateChat(ctx context.Context, req CreateChatRequest) (*protocol.ChatSession, error) {
	session, err := c.rest.CreateChat(ctx, req)
	if err != nil {
		return nil, err
	}
	c.sessions.Confirm(session)
	return session, nil
}

// JoinChat subscribes to a chat's live events and backfills its session and
// recent history. Joining twice is a no-op on the room but still refreshes
// state.
func (c *Core) JoinChat(ctx context.Context, chatID string) (*protocol.ChatSession, error) {
	session, err := c.rest.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	c.sessions.Confirm(session)

	if c.rooms.Join(chatID) {
		err := c.transport.Emit(protocol.EventChatJoin, protocol.JoinPayload{ChatID: chatID})
		if err != nil && !errors.Is(err, ErrNotConnected) {
			c.rooms.Leave(chatID)
			return nil, err
		}
		// ErrNotConnected is fine: the tracker replays the join on
		// reconnect.
	}

	if _, err := c.pipeline.LoadHistory(ctx, chatID, 50, 0); err != nil {
		c.logger.Warn().Err(err).Str("chat_id", chatID).Msg("join: fetch history")
	}
	return c.Session(chatID), nil
}

// LeaveChat unsubscribes from a chat's live events and drops its local
// message state.
func (c *Core) LeaveChat(chatID string) {
	if c.rooms.Leave(chatID) {
		_ = c.transport.Emit(protocol.EventChatLeave, protocol.JoinPayload{ChatID: chatID})
	}
	c.typing.NotifyStop(chatID)
	c.pipeline.Forget(chatID)
	c.sessions.Forget(chatID)
}

// JoinAdmin subscribes to the admin room's new-chat and accepted
// broadcasts. Agent-only; the server rejects customers.
func (c *Core) JoinAdmin() error {
	if c.rooms.Join(AdminRoom) {
		err := c.transport.Emit(protocol.EventAdminJoin, nil)
		if err != nil && !errors.Is(err, ErrNotConnected) {
			c.rooms.Leave(AdminRoom)
			return err
		}
	}
	return nil
}

// Send delivers a message to a chat, socket first with REST fallback. The
// typing indicator for that chat stops as a side effect.
func (c *Core) Send(ctx context.Context, chatID, content string, kind protocol.MessageKind) (*protocol.Message, error) {
	c.typing.NotifyStop(chatID)
	return c.pipeline.Send(ctx, chatID, content, kind, c.opts.Self)
}

// Messages returns the locally held, ordered messages for a chat.
func (c *Core) Messages(chatID string) []protocol.Message {
	return c.pipeline.Messages(chatID)
}

// LoadHistory pages older messages into the local store. before is the
// exclusive unix-ms cutoff, 0 for the newest page.
func (c *Core) LoadHistory(ctx context.Context, chatID string, limit int, before int64) (bool, error) {
	return c.pipeline.LoadHistory(ctx, chatID, limit, before)
}

// MarkRead marks messages read, locally and on the server.
func (c *Core) MarkRead(ctx context.Context, chatID string, messageIDs []string) error {
	return c.pipeline.MarkRead(ctx, chatID, messageIDs)
}

// Accept claims a pending chat for this agent. See AcceptResult for race
// semantics.
func (c *Core) Accept(ctx context.Context, chatID string) (AcceptResult, error) {
	return c.assignment.Accept(ctx, chatID)
}

// UpdateStatus transitions a chat, optimistically first. A server rejection
// rolls local state back to the authoritative session carried in the
// conflict response.
func (c *Core) UpdateStatus(ctx context.Context, chatID string, to protocol.Status) (*protocol.ChatSession, error) {
	optimistic := c.sessions.Optimistic(chatID, to, c.opts.Self.ID) == nil

	session, err := c.rest.UpdateStatus(ctx, chatID, to)
	if err == nil {
		c.sessions.Confirm(session)
		return session, nil
	}

	var conflict *protocol.StateConflictError
	if errors.As(err, &conflict) && conflict.Authoritative != nil {
		c.sessions.Confirm(conflict.Authoritative)
	} else if optimistic {
		c.sessions.Rollback(chatID)
	}
	return nil, err
}

// NotifyTyping records local keyboard input in a chat, emitting at most one
// typing-start per burst.
func (c *Core) NotifyTyping(chatID string) {
	c.typing.NotifyInput(chatID)
}

// StopTyping ends the local typing burst.
func (c *Core) StopTyping(chatID string) {
	c.typing.NotifyStop(chatID)
}

// Typing returns the participants currently typing in a chat.
func (c *Core) Typing(chatID string) []string {
	return c.typing.Typing(chatID)
}

// Online reports the last known presence of a participant.
func (c *Core) Online(participantID string) bool {
	return c.presence.Online(participantID)
}

// Session returns a copy of the tracked session with presence merged.
func (c *Core) Session(chatID string) *protocol.ChatSession {
	session := c.sessions.Get(chatID)
	c.presence.Merge(session)
	return session
}

// Sessions returns all tracked sessions, most recently updated first, with
// presence merged.
func (c *Core) Sessions() []*protocol.ChatSession {
	out := c.sessions.List()
	for _, s := range out {
		c.presence.Merge(s)
	}
	return out
}
