package chatclient

import "testing"

func TestRoomTrackerJoinIdempotent(t *testing.T) {
	tracker := NewRoomTracker()

	if !tracker.Join("c1") {
		t.Error("first join should report newly joined")
	}
	if tracker.Join("c1") {
		t.Error("second join should report already joined")
	}
	if tracker.Len() != 1 {
		t.Errorf("expected 1 room, got %d", tracker.Len())
	}
	if !tracker.Joined("c1") {
		t.Error("c1 should be tracked")
	}
}

func TestRoomTrackerLeave(t *testing.T) {
	tracker := NewRoomTracker()
	tracker.Join("c1")

	if !tracker.Leave("c1") {
		t.Error("leaving a tracked room should report true")
	}
	if tracker.Leave("c1") {
		t.Error("leaving an untracked room should report false")
	}
	if tracker.Joined("c1") {
		t.Error("c1 should not be tracked after leave")
	}
}

func TestRoomTrackerSnapshot(t *testing.T) {
	tracker := NewRoomTracker()
	tracker.Join("c1")
	tracker.Join("c2")
	tracker.Join(AdminRoom)

	rooms := tracker.Rooms()
	if len(rooms) != 3 {
		t.Fatalf("expected 3 rooms, got %v", rooms)
	}

	tracker.Clear()
	if tracker.Len() != 0 {
		t.Error("clear should drop all rooms")
	}
}
