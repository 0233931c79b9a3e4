package chatclient

import "sync"

// AdminRoom is the tracker's name for the global admin broadcast room.
const AdminRoom = "admin"

// RoomTracker records which rooms the local transport session has joined.
// It is the single source of truth for what must be re-joined after a
// reconnect. Only Join, Leave, Clear and the reconnect handler touch it;
// message and typing handlers never do, so rooms cannot leak from handler
// side effects.
type RoomTracker struct {
	mu     sync.Mutex
	joined map[string]struct{}
}

// NewRoomTracker creates an empty tracker.
func NewRoomTracker() *RoomTracker {
	return &RoomTracker{joined: make(map[string]struct{})}
}

// Join records membership, reporting whether the room was newly joined.
// Joining twice is the same as joining once.
func (r *RoomTracker) Join(chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.joined[chatID]; ok {
		return false
	}
	r.joined[chatID] = struct{}{}
	return true
}

// Leave removes membership, reporting whether the room was tracked.
// Leaving an untracked room is a no-op.
func (r *RoomTracker) Leave(chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.joined[chatID]; !ok {
		return false
	}
	delete(r.joined, chatID)
	return true
}

// Joined reports whether the room is currently tracked.
func (r *RoomTracker) Joined(chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.joined[chatID]
	return ok
}

// Rooms returns a snapshot of the tracked rooms.
func (r *RoomTracker) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms := make([]string, 0, len(r.joined))
	for id := range r.joined {
		rooms = append(rooms, id)
	}
	return rooms
}

// Len returns the number of tracked rooms.
func (r *RoomTracker) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.joined)
}

// Clear drops all membership, for session teardown.
func (r *RoomTracker) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joined = make(map[string]struct{})
}
