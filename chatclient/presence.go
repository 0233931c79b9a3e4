package chatclient

import (
	"sync"

	"github.com/taskflow/supportchat/protocol"
)

// PresenceTracker keeps the last known online flag per participant, fed by
// user:online broadcasts. Absence from the map means offline; the server
// only pushes changes, never the full roster.
type PresenceTracker struct {
	mu     sync.Mutex
	online map[string]bool
}

// NewPresenceTracker creates an empty tracker.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{online: make(map[string]bool)}
}

// HandleEvent absorbs one presence broadcast.
func (t *PresenceTracker) HandleEvent(ev protocol.PresenceEvent) {
	if ev.ParticipantID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if ev.Online {
		t.online[ev.ParticipantID] = true
	} else {
		delete(t.online, ev.ParticipantID)
	}
}

// Online reports whether a participant is known to be online.
func (t *PresenceTracker) Online(participantID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online[participantID]
}

// Merge overlays tracked presence onto a session's participants, in place.
func (t *PresenceTracker) Merge(session *protocol.ChatSession) {
	if session == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range session.Participants {
		session.Participants[i].Online = t.online[session.Participants[i].ID]
	}
}

// Reset forgets all presence state. On reconnect the tracker starts cold and
// refills from session fetches and fresh broadcasts.
func (t *PresenceTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online = make(map[string]bool)
}
