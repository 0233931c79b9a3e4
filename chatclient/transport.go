package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/taskflow/supportchat/protocol"
)

// ConnState is the observable connection state of a Transport.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "disconnected"
}

// ErrNotConnected is returned by Emit while the socket is down. Callers fall
// back to the REST path instead of queueing indefinitely.
var ErrNotConnected = errors.New("transport not connected")

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("transport closed")

const (
	handshakeTimeout = 10 * time.Second
	initialBackoff   = time.Second
	maxBackoff       = 30 * time.Second

	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// Handler consumes one inbound event's payload.
type Handler func(data json.RawMessage)

// StateHandler observes connection-state changes.
type StateHandler func(state ConnState)

// Transport owns the persistent socket connection: handshake, heartbeat,
// and reconnect with capped exponential backoff. It is constructed
// explicitly and handed to the components that need it; there is no
// process-wide singleton.
//
// Inbound events are dispatched sequentially from a single goroutine, so
// handlers never race each other.
type Transport struct {
	url    string
	token  string
	dialer *websocket.Dialer
	rooms  *RoomTracker
	logger zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	state    ConnState
	handlers map[string]Handler
	onState  []StateHandler
	writeMu  sync.Mutex

	closed  bool
	closeCh chan struct{}
}

// NewTransport creates a transport for the given socket URL (ws:// or
// wss://) presenting the bearer token at handshake. The RoomTracker records
// which rooms to re-join after every reconnect.
func NewTransport(socketURL, token string, rooms *RoomTracker, logger zerolog.Logger) *Transport {
	return &Transport{
		url:   socketURL,
		token: token,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
		rooms:    rooms,
		logger:   logger,
		handlers: make(map[string]Handler),
		closeCh:  make(chan struct{}),
	}
}

// State returns the current connection state.
func (t *Transport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connected reports whether the socket is currently up.
func (t *Transport) Connected() bool {
	return t.State() == StateConnected
}

// On registers the handler for an event name, replacing any previous one.
func (t *Transport) On(event string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[event] = h
}

// Off removes the handler for an event name.
func (t *Transport) Off(event string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, event)
}

// OnStateChange registers an observer for connection-state transitions.
func (t *Transport) OnStateChange(h StateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = append(t.onState, h)
}

// Connect performs the handshake and starts the read loop and heartbeat.
// After any transport-level drop it keeps retrying with capped exponential
// backoff until Close is called; a failed handshake is terminal for that
// attempt but not for the loop, since the token may be refreshed externally
// between attempts.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.state != StateDisconnected {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.dial(ctx); err != nil {
		// First connect failed; hand the error to the caller but keep the
		// retry loop going in the background.
		go t.reconnectLoop()
		return err
	}
	return nil
}

// dial performs one handshake attempt and, on success, starts the pumps and
// replays room membership.
func (t *Transport) dial(ctx context.Context) error {
	t.setState(StateConnecting)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.token)

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, _, err := t.dialer.DialContext(dialCtx, t.url, header)
	if err != nil {
		t.setState(StateDisconnected)
		return &protocol.TransportError{Op: "handshake", Err: err}
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	t.conn = conn
	t.mu.Unlock()

	t.setState(StateConnected)
	t.logger.Info().Str("url", t.url).Msg("socket connected")

	go t.readLoop(conn)
	go t.pingLoop(conn)

	t.rejoinRooms()
	return nil
}

// rejoinRooms replays every tracked room membership. Joins are idempotent
// server-side, so replay after reconnect is always safe.
func (t *Transport) rejoinRooms() {
	for _, chatID := range t.rooms.Rooms() {
		if chatID == AdminRoom {
			t.emit(protocol.EventAdminJoin, nil)
			continue
		}
		t.emit(protocol.EventChatJoin, protocol.JoinPayload{ChatID: chatID})
	}
}

// Emit sends an event over the socket. While disconnected it returns
// ErrNotConnected so the caller can take the REST fallback path; events are
// never queued.
func (t *Transport) Emit(event string, payload interface{}) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.state != StateConnected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.mu.Unlock()

	return t.emit(event, payload)
}

func (t *Transport) emit(event string, payload interface{}) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(env); err != nil {
		return &protocol.TransportError{Op: "emit " + event, Err: err}
	}
	return nil
}

// readLoop consumes frames until the connection drops, dispatching handlers
// sequentially, then triggers the reconnect loop.
func (t *Transport) readLoop(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.onDrop(conn, err)
			return
		}

		t.mu.Lock()
		handler := t.handlers[env.Event]
		t.mu.Unlock()
		if handler != nil {
			handler(env.Data)
		}
	}
}

// pingLoop keeps the heartbeat going for one connection's lifetime.
func (t *Transport) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.closeCh:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// onDrop handles a transport-level disconnect: flip state, then retry in
// the background unless Close was called.
func (t *Transport) onDrop(conn *websocket.Conn, err error) {
	conn.Close()

	t.mu.Lock()
	if t.conn != conn {
		// A newer connection already replaced this one.
		t.mu.Unlock()
		return
	}
	t.conn = nil
	closed := t.closed
	t.mu.Unlock()

	t.setState(StateDisconnected)
	if closed {
		return
	}

	t.logger.Warn().Err(err).Msg("socket dropped, reconnecting")
	go t.reconnectLoop()
}

// reconnectLoop retries the handshake with capped exponential backoff
// (1s, 2s, 4s, ... capped at 30s) until it succeeds or Close is called.
func (t *Transport) reconnectLoop() {
	backoff := initialBackoff
	for {
		select {
		case <-t.closeCh:
			return
		case <-time.After(backoff):
		}

		t.mu.Lock()
		if t.closed || t.state == StateConnected {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		if err := t.dial(context.Background()); err == nil {
			return
		} else if errors.Is(err, ErrClosed) {
			return
		} else {
			t.logger.Warn().Err(err).Dur("backoff", backoff).Msg("reconnect attempt failed")
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Close stops the reconnect loop and tears the connection down. It is safe
// to call at any time and more than once; after Close no further emits or
// REST fallback traffic are attempted by components that check State.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	close(t.closeCh)
	t.mu.Unlock()

	if conn != nil {
		t.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		conn.Close()
	}

	t.setState(StateDisconnected)
	return nil
}

// Closed reports whether Close has been called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// setState updates the state and notifies observers outside the lock.
func (t *Transport) setState(state ConnState) {
	t.mu.Lock()
	if t.state == state {
		t.mu.Unlock()
		return
	}
	t.state = state
	observers := append([]StateHandler(nil), t.onState...)
	t.mu.Unlock()

	for _, h := range observers {
		h(state)
	}
}
