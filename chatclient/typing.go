package chatclient

import (
	"sync"
	"time"

	"github.com/taskflow/supportchat/protocol"
)

// TypingAggregator turns raw keystroke notifications into at most one
// start/stop signal pair per burst, and tracks which remote participants are
// typing. Remote indicators expire TypingTTL after the last start signal even
// when the stop event is lost, so a dropped connection never leaves a
// phantom "is typing" row on screen.
type TypingAggregator struct {
	transport *Transport
	self      string
	now       func() time.Time

	mu     sync.Mutex
	local  map[string]time.Time // chats we announced typing in, by last start signal
	remote map[string]map[string]time.Time
}

// NewTypingAggregator creates an aggregator for one participant. selfID is
// excluded from remote tracking; our own indicator is never rendered back
// to us.
func NewTypingAggregator(transport *Transport, selfID string) *TypingAggregator {
	return &TypingAggregator{
		transport: transport,
		self:      selfID,
		now:       time.Now,
		local:     make(map[string]time.Time),
		remote:    make(map[string]map[string]time.Time),
	}
}

// NotifyInput records local keyboard activity in a chat. A typing-start
// signal goes out at most once per TTL window: the first keystroke of a
// burst emits, repeat keystrokes inside the window stay off the wire, and
// a burst outliving the window re-emits so remote indicators keyed to the
// last start signal never expire mid-burst.
func (a *TypingAggregator) NotifyInput(chatID string) {
	a.mu.Lock()
	lastEmit, active := a.local[chatID]
	now := a.now()
	if active && now.Sub(lastEmit) < protocol.TypingTTL {
		a.mu.Unlock()
		return
	}
	a.local[chatID] = now
	a.mu.Unlock()

	a.emit(chatID, true)
}

// NotifyStop ends the local typing burst, usually because the message was
// sent or the input cleared. Stopping a chat we never signaled is a no-op.
func (a *TypingAggregator) NotifyStop(chatID string) {
	a.mu.Lock()
	_, active := a.local[chatID]
	delete(a.local, chatID)
	a.mu.Unlock()

	if !active {
		return
	}
	a.emit(chatID, false)
}

func (a *TypingAggregator) emit(chatID string, typing bool) {
	// Best effort: a typing signal lost to a dead socket is not worth a
	// REST round trip, the TTL cleans up either way.
	_ = a.transport.Emit(protocol.EventChatTyping, protocol.TypingEvent{
		ChatID:   chatID,
		IsTyping: typing,
	})
}

// HandleEvent absorbs a remote typing broadcast.
func (a *TypingAggregator) HandleEvent(ev protocol.TypingEvent) {
	if ev.ParticipantID == a.self || ev.ChatID == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	chat, ok := a.remote[ev.ChatID]
	if !ok {
		if !ev.IsTyping {
			return
		}
		chat = make(map[string]time.Time)
		a.remote[ev.ChatID] = chat
	}
	if ev.IsTyping {
		chat[ev.ParticipantID] = a.now().Add(protocol.TypingTTL)
	} else {
		delete(chat, ev.ParticipantID)
	}
}

// Typing returns the participants currently typing in a chat. Expired
// entries are swept here rather than on a timer; indicators are only
// interesting at render time.
func (a *TypingAggregator) Typing(chatID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	chat := a.remote[chatID]
	if len(chat) == 0 {
		return nil
	}

	now := a.now()
	out := make([]string, 0, len(chat))
	for id, deadline := range chat {
		if now.After(deadline) {
			delete(chat, id)
			continue
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Reset clears all typing state, local and remote. Used when the transport
// reconnects: every deadline predates the new session.
func (a *TypingAggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.local = make(map[string]time.Time)
	a.remote = make(map[string]map[string]time.Time)
}
