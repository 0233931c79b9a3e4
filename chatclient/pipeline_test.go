package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskflow/supportchat/protocol"
)

func newTestPipeline(t *testing.T, baseURL string) *Pipeline {
	t.Helper()
	// The transport is never connected, so Emit fails with ErrNotConnected
	// and every send exercises the REST fallback.
	transport := NewTransport("ws://127.0.0.1:0/ws", "tok", NewRoomTracker(), zerolog.Nop())
	rest := NewClient(baseURL, "tok")
	return NewPipeline(transport, rest, NewSessionStore(protocol.TransitionRules{}))
}

func TestPipelineOrdering(t *testing.T) {
	p := newTestPipeline(t, "http://127.0.0.1:0")

	// Deliver out of order; reads must come back ordered by (CreatedAt, ID).
	p.Receive(protocol.Message{ID: "01C", ChatID: "c1", CreatedAt: 300})
	p.Receive(protocol.Message{ID: "01A", ChatID: "c1", CreatedAt: 100})
	p.Receive(protocol.Message{ID: "01B", ChatID: "c1", CreatedAt: 200})
	p.Receive(protocol.Message{ID: "01D", ChatID: "c1", CreatedAt: 200})

	msgs := p.Messages("c1")
	want := []string{"01A", "01B", "01D", "01C"}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, msgs[i].ID)
		}
	}
}

func TestPipelineDedup(t *testing.T) {
	p := newTestPipeline(t, "http://127.0.0.1:0")

	msg := protocol.Message{ID: "01A", ChatID: "c1", Content: "hello", CreatedAt: 100}
	if !p.Receive(msg) {
		t.Fatal("first delivery should be accepted")
	}
	if p.Receive(msg) {
		t.Fatal("duplicate id should be dropped")
	}
	if got := p.Messages("c1"); len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
}

func TestPipelineSendFallsBackToREST(t *testing.T) {
	var gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chats/c1/messages" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body struct {
			ID      string `json:"id"`
			Content string `json:"content"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		gotID = body.ID

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(protocol.Message{
			ID:        body.ID,
			ChatID:    "c1",
			SenderID:  "u1",
			Content:   body.Content,
			Kind:      protocol.MessageText,
			CreatedAt: time.Now().UnixMilli(),
		})
	}))
	defer srv.Close()

	p := newTestPipeline(t, srv.URL)
	sender := protocol.Participant{ID: "u1", Kind: protocol.KindCustomer}

	msg, err := p.Send(context.Background(), "c1", "hello", protocol.MessageText, sender)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID == "" {
		t.Fatal("send should mint a message id")
	}
	if gotID != msg.ID {
		t.Errorf("REST fallback should carry the minted id %s, server saw %s", msg.ID, gotID)
	}

	// The socket echo of the same send arrives later with the same id and
	// must not double-append.
	if p.Receive(*msg) {
		t.Error("socket echo of a REST-delivered send should be dropped as duplicate")
	}
	if got := p.Messages("c1"); len(got) != 1 {
		t.Fatalf("expected 1 message after echo, got %d", len(got))
	}
}

func TestPipelineSendAfterCloseFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no REST traffic expected after Close, got %s %s", r.Method, r.URL.Path)
	}))
	defer srv.Close()

	p := newTestPipeline(t, srv.URL)
	if err := p.transport.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	sender := protocol.Participant{ID: "u1", Kind: protocol.KindCustomer}
	msg, err := p.Send(context.Background(), "c1", "hello", protocol.MessageText, sender)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if msg != nil {
		t.Error("failed send should not return a message")
	}
	if got := p.Messages("c1"); len(got) != 0 {
		t.Errorf("failed send should not append locally, got %d messages", len(got))
	}
}

func TestPipelineSendUpdatesLastMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ID      string `json:"id"`
			Content string `json:"content"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(protocol.Message{
			ID:        body.ID,
			ChatID:    "c1",
			SenderID:  "u1",
			Content:   body.Content,
			Kind:      protocol.MessageText,
			CreatedAt: time.Now().UnixMilli(),
		})
	}))
	defer srv.Close()

	p := newTestPipeline(t, srv.URL)
	p.sessions.Confirm(&protocol.ChatSession{ID: "c1", Status: protocol.StatusPending})

	sender := protocol.Participant{ID: "u1", Kind: protocol.KindCustomer}
	msg, err := p.Send(context.Background(), "c1", "hello", protocol.MessageText, sender)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	sess := p.sessions.Get("c1")
	if sess == nil || sess.LastMessage == nil {
		t.Fatal("own send should roll the session's last-message summary forward")
	}
	if sess.LastMessage.Content != "hello" || sess.LastMessage.SenderID != "u1" {
		t.Errorf("unexpected summary: %+v", sess.LastMessage)
	}

	// The deduped socket echo must not disturb the summary either.
	echo := *msg
	echo.Content = "hello"
	p.Receive(echo)
	if got := p.sessions.Get("c1").LastMessage; got == nil || got.Content != "hello" {
		t.Errorf("summary changed after deduped echo: %+v", got)
	}
}

func TestPipelineLoadHistoryMerges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"messages": []protocol.Message{
				{ID: "01B", ChatID: "c1", CreatedAt: 200},
				{ID: "01A", ChatID: "c1", CreatedAt: 100},
			},
			"has_more": true,
		})
	}))
	defer srv.Close()

	p := newTestPipeline(t, srv.URL)
	p.Receive(protocol.Message{ID: "01B", ChatID: "c1", CreatedAt: 200})

	hasMore, err := p.LoadHistory(context.Background(), "c1", 50, 0)
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	if !hasMore {
		t.Error("has_more should pass through")
	}

	msgs := p.Messages("c1")
	if len(msgs) != 2 {
		t.Fatalf("overlap should merge by id, got %d messages", len(msgs))
	}
	if msgs[0].ID != "01A" || msgs[1].ID != "01B" {
		t.Errorf("history should interleave in order, got %s, %s", msgs[0].ID, msgs[1].ID)
	}
}

func TestPipelineMarkReadMonotonic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := newTestPipeline(t, srv.URL)
	p.Receive(protocol.Message{ID: "01A", ChatID: "c1", CreatedAt: 100})

	if err := p.MarkRead(context.Background(), "c1", []string{"01A"}); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if msgs := p.Messages("c1"); !msgs[0].IsRead {
		t.Error("message should be read locally after MarkRead")
	}

	// Empty batches never hit the wire.
	if err := p.MarkRead(context.Background(), "c1", nil); err != nil {
		t.Fatalf("empty mark read: %v", err)
	}
}

func TestPipelineIDsAreSortable(t *testing.T) {
	p := newTestPipeline(t, "http://127.0.0.1:0")
	a := p.NewID()
	b := p.NewID()
	if a >= b {
		t.Errorf("ids minted in sequence should sort: %s >= %s", a, b)
	}
}
