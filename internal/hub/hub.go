// Package hub implements the socket side of the chat service: one websocket
// per client, room-scoped fan-out, the global admin room, typing relay and
// presence projection.
package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/taskflow/supportchat/internal/metrics"
	"github.com/taskflow/supportchat/internal/store"
	"github.com/taskflow/supportchat/protocol"
)

// AdminRoom is the broadcast group every connected agent may join to receive
// new-chat-request and chat-accepted events.
const AdminRoom = "admin"

// Hub owns all live socket connections and their room membership.
type Hub struct {
	data     store.DataStore
	messages store.MessageStore
	presence store.PresenceStore
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool
	// conns counts open sockets per participant so presence only flips
	// offline when the last connection goes away.
	conns map[string]int
}

// New creates a Hub backed by the given stores.
func New(data store.DataStore, messages store.MessageStore, presence store.PresenceStore, allowedOrigins []string, logger zerolog.Logger) *Hub {
	h := &Hub{
		data:     data,
		messages: messages,
		presence: presence,
		logger:   logger,
		clients:  make(map[*Client]bool),
		rooms:    make(map[string]map[*Client]bool),
		conns:    make(map[string]int),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
	return h
}

// Serve upgrades the request for the given principal and pumps events until
// the connection drops.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, principal protocol.Participant) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("participant", principal.ID).Msg("socket upgrade failed")
		return
	}

	client := &Client{
		id:        uuid.New().String(),
		principal: principal,
		conn:      conn,
		send:      make(chan protocol.Envelope, 256),
		hub:       h,
		rooms:     make(map[string]bool),
	}

	h.register(client)
	metrics.SocketConnections.Inc()

	go client.writePump()
	client.readPump()

	metrics.SocketConnections.Dec()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.conns[c.principal.ID]++
	first := h.conns[c.principal.ID] == 1
	h.mu.Unlock()

	if first {
		h.setPresence(c.principal.ID, true)
	}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	for roomID := range c.rooms {
		h.removeFromRoom(c, roomID)
	}
	h.conns[c.principal.ID]--
	last := h.conns[c.principal.ID] <= 0
	if last {
		delete(h.conns, c.principal.ID)
	}
	h.mu.Unlock()

	if last {
		h.setPresence(c.principal.ID, false)
	}
}

// setPresence records the flip in the presence store and announces it to
// every connected client. Presence reads on the client side are purely a
// local projection of these events.
func (h *Hub) setPresence(participantID string, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.presence.SetOnline(ctx, participantID, online); err != nil {
		h.logger.Warn().Err(err).Str("participant", participantID).Msg("presence write failed")
	}

	env, err := protocol.NewEnvelope(protocol.EventUserOnline, protocol.PresenceEvent{
		ParticipantID: participantID,
		Online:        online,
	})
	if err != nil {
		return
	}
	h.BroadcastAll(env)
}

// Join adds the client to a room. Joining an already-joined room is a no-op.
func (h *Hub) Join(c *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.rooms[roomID] {
		return
	}
	room := h.rooms[roomID]
	if room == nil {
		room = make(map[*Client]bool)
		h.rooms[roomID] = room
	}
	room[c] = true
	c.rooms[roomID] = true
}

// Leave removes the client from a room. Leaving a room the client is not in
// is a no-op.
func (h *Hub) Leave(c *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromRoom(c, roomID)
}

// removeFromRoom must be called with h.mu held.
func (h *Hub) removeFromRoom(c *Client, roomID string) {
	delete(c.rooms, roomID)
	room := h.rooms[roomID]
	if room == nil {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, roomID)
	}
}

// Broadcast fans an event out to every client in the room, except the
// client with exceptID when set.
func (h *Hub) Broadcast(roomID string, env protocol.Envelope, exceptID string) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	metrics.SocketEventsSent.WithLabelValues(env.Event).Add(float64(len(clients)))
	for _, c := range clients {
		if exceptID != "" && c.id == exceptID {
			continue
		}
		c.enqueue(env)
	}
}

// BroadcastAdmin fans an event out to the admin room.
func (h *Hub) BroadcastAdmin(env protocol.Envelope) {
	h.Broadcast(AdminRoom, env, "")
}

// BroadcastAll fans an event out to every connected client.
func (h *Hub) BroadcastAll(env protocol.Envelope) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	metrics.SocketEventsSent.WithLabelValues(env.Event).Add(float64(len(clients)))
	for _, c := range clients {
		c.enqueue(env)
	}
}

// RoomSize reports how many clients are currently in a room.
func (h *Hub) RoomSize(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
