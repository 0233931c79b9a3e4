package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskflow/supportchat/internal/metrics"
	"github.com/taskflow/supportchat/protocol"
)

const (
	// Heartbeat: the read deadline is refreshed on every pong; pings go out
	// comfortably inside that window.
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second

	maxFrameSize = 8 * 1024
)

// Client is one live socket connection.
type Client struct {
	id        string
	principal protocol.Participant
	conn      *websocket.Conn
	send      chan protocol.Envelope
	hub       *Hub

	// rooms is this connection's server-side membership, guarded by hub.mu.
	rooms map[string]bool
}

// enqueue hands an event to the write pump. A client that cannot keep up
// loses the event rather than stalling fan-out for the whole room; the
// reconnect-resync path catches it up.
func (c *Client) enqueue(env protocol.Envelope) {
	select {
	case c.send <- env:
	default:
		c.hub.logger.Warn().
			Str("client", c.id).
			Str("event", env.Event).
			Msg("send buffer full, dropping event")
	}
}

// readPump consumes inbound frames until the connection drops, then tears
// the client down.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn().Err(err).Str("client", c.id).Msg("socket read failed")
			}
			return
		}
		c.handle(env)
	}
}

// writePump moves events from the send queue to the wire and keeps the
// heartbeat going.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handle dispatches one inbound command frame.
func (c *Client) handle(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventChatJoin:
		var p protocol.JoinPayload
		if json.Unmarshal(env.Data, &p) != nil || p.ChatID == "" {
			return
		}
		if c.mayJoin(p.ChatID) {
			c.hub.Join(c, p.ChatID)
		}

	case protocol.EventChatLeave:
		var p protocol.JoinPayload
		if json.Unmarshal(env.Data, &p) != nil || p.ChatID == "" {
			return
		}
		c.hub.Leave(c, p.ChatID)

	case protocol.EventAdminJoin:
		// Only agents may enter the global admin room.
		if c.principal.Kind == protocol.KindAgent {
			c.hub.Join(c, AdminRoom)
		}

	case protocol.EventChatTyping:
		c.handleTyping(env.Data)

	case protocol.EventChatMessage:
		c.handleMessage(env.Data)
	}
}

// mayJoin checks room access: agents may join any chat room, customers only
// chats they participate in.
func (c *Client) mayJoin(chatID string) bool {
	if c.principal.Kind == protocol.KindAgent {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := c.hub.data.GetChat(ctx, chatID)
	if err != nil || sess == nil {
		return false
	}
	_, ok := sess.Participant(c.principal.ID)
	return ok
}

// handleTyping relays a typing signal to the chat room, excluding the
// sender. The signal is ephemeral and never persisted.
func (c *Client) handleTyping(data json.RawMessage) {
	var p protocol.TypingEvent
	if json.Unmarshal(data, &p) != nil || p.ChatID == "" {
		return
	}
	p.ParticipantID = c.principal.ID

	env, err := protocol.NewEnvelope(protocol.EventChatTyping, p)
	if err != nil {
		return
	}
	metrics.TypingEvents.Inc()
	c.hub.Broadcast(p.ChatID, env, c.id)
}

// handleMessage is the socket send path: store, update the session summary,
// and rebroadcast to the room. It enforces the same guards as the REST send
// endpoint: the sender must be an agent or a session participant, the chat
// must not be closed, and content is length-bounded. The rebroadcast
// includes the sender, whose pipeline de-duplicates by message id.
func (c *Client) handleMessage(data json.RawMessage) {
	var p protocol.SendMessagePayload
	if json.Unmarshal(data, &p) != nil {
		return
	}
	if p.ChatID == "" || p.Content == "" || !protocol.ValidMessageKind(p.Kind) {
		return
	}
	if len(p.Content) > protocol.MaxMessageLen {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := c.hub.data.GetChat(ctx, p.ChatID)
	if err != nil || sess == nil {
		return
	}
	if c.principal.Kind != protocol.KindAgent {
		if _, ok := sess.Participant(c.principal.ID); !ok {
			c.hub.logger.Warn().
				Str("client", c.id).
				Str("chat", p.ChatID).
				Msg("socket send to chat without membership refused")
			return
		}
	}
	if sess.Status == protocol.StatusClosed {
		return
	}

	msg := &protocol.Message{
		ID:         p.ID,
		ChatID:     p.ChatID,
		SenderID:   c.principal.ID,
		SenderKind: c.principal.Kind,
		Content:    p.Content,
		Kind:       p.Kind,
	}

	if err := c.hub.messages.AddMessage(ctx, msg); err != nil {
		c.hub.logger.Error().Err(err).Str("chat", p.ChatID).Msg("socket message store failed")
		return
	}
	metrics.MessagesStored.WithLabelValues("socket").Inc()

	if err := c.hub.data.SetLastMessage(ctx, p.ChatID, protocol.MessageSummary{
		Content:   msg.Content,
		SenderID:  msg.SenderID,
		Timestamp: msg.CreatedAt,
	}); err != nil {
		c.hub.logger.Warn().Err(err).Str("chat", p.ChatID).Msg("last message summary update failed")
	}

	env, err := protocol.NewEnvelope(protocol.EventChatMessage, msg)
	if err != nil {
		return
	}
	c.hub.Broadcast(p.ChatID, env, "")
}
