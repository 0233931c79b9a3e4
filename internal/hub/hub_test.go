package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/taskflow/supportchat/internal/store"
	"github.com/taskflow/supportchat/protocol"
)

// dialPrincipal connects a test client identified by query parameters.
func dialPrincipal(t *testing.T, srv *httptest.Server, id string, kind protocol.ParticipantKind) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?id=" + id + "&kind=" + string(kind)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", id, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitFor reads frames until one matches the wanted event, failing on
// timeout. Presence broadcasts interleave freely, so tests skip past them.
func waitFor(t *testing.T, conn *websocket.Conn, event string) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if env.Event == event {
			return env
		}
	}
}

func newTestHub(t *testing.T) (*Hub, *store.MemoryStore, *httptest.Server) {
	t.Helper()
	mem := store.NewMemoryStore()
	h := New(mem, mem, mem, nil, zerolog.Nop())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		h.Serve(w, r, protocol.Participant{
			ID:   q.Get("id"),
			Kind: protocol.ParticipantKind(q.Get("kind")),
		})
	}))
	t.Cleanup(srv.Close)
	return h, mem, srv
}

func seedChat(t *testing.T, mem *store.MemoryStore, chatID string, participants ...string) {
	t.Helper()
	sess := &protocol.ChatSession{ID: chatID, Status: protocol.StatusActive}
	for _, id := range participants {
		sess.Participants = append(sess.Participants, protocol.Participant{ID: id, Kind: protocol.KindCustomer})
	}
	if err := mem.CreateChat(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
}

func join(t *testing.T, conn *websocket.Conn, chatID string) {
	t.Helper()
	env, _ := protocol.NewEnvelope(protocol.EventChatJoin, protocol.JoinPayload{ChatID: chatID})
	if err := conn.WriteJSON(env); err != nil {
		t.Fatal(err)
	}
}

func TestHubMessageFanOut(t *testing.T) {
	h, mem, srv := newTestHub(t)
	seedChat(t, mem, "c1", "cust-1")

	cust := dialPrincipal(t, srv, "cust-1", protocol.KindCustomer)
	agent := dialPrincipal(t, srv, "agent-a", protocol.KindAgent)
	join(t, cust, "c1")
	join(t, agent, "c1")

	// Room membership is applied by the read pump; wait for it.
	waitRoomSize(t, h, "c1", 2)

	send, _ := protocol.NewEnvelope(protocol.EventChatMessage, protocol.SendMessagePayload{
		ID:      "01TESTMSG",
		ChatID:  "c1",
		Content: "hello",
		Kind:    protocol.MessageText,
	})
	if err := cust.WriteJSON(send); err != nil {
		t.Fatal(err)
	}

	// Both room members receive the stored message, sender included.
	for _, conn := range []*websocket.Conn{agent, cust} {
		env := waitFor(t, conn, protocol.EventChatMessage)
		var msg protocol.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.ID != "01TESTMSG" || msg.SenderID != "cust-1" || msg.CreatedAt == 0 {
			t.Fatalf("echoed message wrong: %+v", msg)
		}
	}

	// The message was stored.
	msgs, err := mem.History(context.Background(), "c1", 10, 0)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected 1 stored message, got %d (%v)", len(msgs), err)
	}
}

func TestHubTypingExcludesSender(t *testing.T) {
	h, mem, srv := newTestHub(t)
	seedChat(t, mem, "c1", "cust-1")

	cust := dialPrincipal(t, srv, "cust-1", protocol.KindCustomer)
	agent := dialPrincipal(t, srv, "agent-a", protocol.KindAgent)
	join(t, cust, "c1")
	join(t, agent, "c1")
	waitRoomSize(t, h, "c1", 2)

	typing, _ := protocol.NewEnvelope(protocol.EventChatTyping, protocol.TypingEvent{ChatID: "c1", IsTyping: true})
	if err := cust.WriteJSON(typing); err != nil {
		t.Fatal(err)
	}

	env := waitFor(t, agent, protocol.EventChatTyping)
	var ev protocol.TypingEvent
	json.Unmarshal(env.Data, &ev)
	if ev.ParticipantID != "cust-1" || !ev.IsTyping {
		t.Fatalf("typing relay wrong: %+v", ev)
	}

	// The sender must not get its own typing signal back. A marker message
	// follows; its echo arriving without a typing frame before it shows
	// the relay skipped the sender.
	send, _ := protocol.NewEnvelope(protocol.EventChatMessage, protocol.SendMessagePayload{
		ID: "01MARKER", ChatID: "c1", Content: "marker", Kind: protocol.MessageText,
	})
	cust.WriteJSON(send)
	got := waitFor(t, cust, protocol.EventChatMessage)
	if got.Event != protocol.EventChatMessage {
		t.Fatalf("sender received unexpected frame: %s", got.Event)
	}
}

func TestHubMessageToClosedChatRefused(t *testing.T) {
	h, mem, srv := newTestHub(t)
	seedChat(t, mem, "c1", "cust-1")
	seedChat(t, mem, "c2", "cust-1")
	if _, applied, err := mem.UpdateStatus(context.Background(), "c1", protocol.StatusClosed, []protocol.Status{protocol.StatusActive}); err != nil || !applied {
		t.Fatalf("close seed chat: applied=%v err=%v", applied, err)
	}

	cust := dialPrincipal(t, srv, "cust-1", protocol.KindCustomer)
	join(t, cust, "c2")
	waitRoomSize(t, h, "c2", 1)

	send, _ := protocol.NewEnvelope(protocol.EventChatMessage, protocol.SendMessagePayload{
		ID: "01CLOSED", ChatID: "c1", Content: "still there?", Kind: protocol.MessageText,
	})
	if err := cust.WriteJSON(send); err != nil {
		t.Fatal(err)
	}

	// A second send to an open chat flushes the read pump; its echo proves
	// the first frame was processed and dropped.
	marker, _ := protocol.NewEnvelope(protocol.EventChatMessage, protocol.SendMessagePayload{
		ID: "01OPEN", ChatID: "c2", Content: "hello", Kind: protocol.MessageText,
	})
	if err := cust.WriteJSON(marker); err != nil {
		t.Fatal(err)
	}
	waitFor(t, cust, protocol.EventChatMessage)

	if msgs, _ := mem.History(context.Background(), "c1", 10, 0); len(msgs) != 0 {
		t.Fatalf("closed chat accepted a socket message: %+v", msgs)
	}
}

func TestHubMessageToForeignChatRefused(t *testing.T) {
	h, mem, srv := newTestHub(t)
	seedChat(t, mem, "c1", "cust-1")
	seedChat(t, mem, "c2", "cust-2")

	// cust-2 is no participant of c1 and never joined it, but the frame
	// names it anyway.
	intruder := dialPrincipal(t, srv, "cust-2", protocol.KindCustomer)
	join(t, intruder, "c2")
	waitRoomSize(t, h, "c2", 1)

	send, _ := protocol.NewEnvelope(protocol.EventChatMessage, protocol.SendMessagePayload{
		ID: "01FOREIGN", ChatID: "c1", Content: "let me in", Kind: protocol.MessageText,
	})
	if err := intruder.WriteJSON(send); err != nil {
		t.Fatal(err)
	}

	marker, _ := protocol.NewEnvelope(protocol.EventChatMessage, protocol.SendMessagePayload{
		ID: "01OWN", ChatID: "c2", Content: "hello", Kind: protocol.MessageText,
	})
	if err := intruder.WriteJSON(marker); err != nil {
		t.Fatal(err)
	}
	waitFor(t, intruder, protocol.EventChatMessage)

	if msgs, _ := mem.History(context.Background(), "c1", 10, 0); len(msgs) != 0 {
		t.Fatalf("foreign chat accepted a socket message: %+v", msgs)
	}
}

func TestHubCustomerCannotJoinForeignChat(t *testing.T) {
	h, mem, srv := newTestHub(t)
	seedChat(t, mem, "c1", "cust-1")

	stranger := dialPrincipal(t, srv, "cust-2", protocol.KindCustomer)
	join(t, stranger, "c1")

	// The join is silently refused; the room never gains a member.
	time.Sleep(200 * time.Millisecond)
	if size := h.RoomSize("c1"); size != 0 {
		t.Fatalf("stranger should not join, room size %d", size)
	}
}

func TestHubAdminRoomAgentsOnly(t *testing.T) {
	h, _, srv := newTestHub(t)

	cust := dialPrincipal(t, srv, "cust-1", protocol.KindCustomer)
	agent := dialPrincipal(t, srv, "agent-a", protocol.KindAgent)

	adminJoin, _ := protocol.NewEnvelope(protocol.EventAdminJoin, nil)
	cust.WriteJSON(adminJoin)
	agent.WriteJSON(adminJoin)

	waitRoomSize(t, h, AdminRoom, 1)
	time.Sleep(200 * time.Millisecond)
	if size := h.RoomSize(AdminRoom); size != 1 {
		t.Fatalf("admin room should hold only the agent, size %d", size)
	}
}

func TestHubPresenceOnConnect(t *testing.T) {
	_, mem, srv := newTestHub(t)

	first := dialPrincipal(t, srv, "u1", protocol.KindCustomer)
	_ = first

	// A second participant connecting is announced to the first.
	dialPrincipal(t, srv, "u2", protocol.KindCustomer)

	env := waitFor(t, first, protocol.EventUserOnline)
	var ev protocol.PresenceEvent
	json.Unmarshal(env.Data, &ev)
	if ev.ParticipantID != "u2" || !ev.Online {
		t.Fatalf("presence event wrong: %+v", ev)
	}

	online, _ := mem.Online(context.Background(), []string{"u1", "u2"})
	if !online["u1"] || !online["u2"] {
		t.Fatalf("presence store wrong: %v", online)
	}
}

// waitRoomSize polls until the room reaches the wanted size.
func waitRoomSize(t *testing.T, h *Hub, roomID string, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if h.RoomSize(roomID) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("room %s never reached size %d (now %d)", roomID, want, h.RoomSize(roomID))
}
