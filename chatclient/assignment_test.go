package chatclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/taskflow/supportchat/protocol"
)

func TestAcceptWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chats/c1/accept" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(protocol.ChatSession{
			ID:              "c1",
			Status:          protocol.StatusActive,
			AssignedAgentID: "me",
		})
	}))
	defer srv.Close()

	sessions := NewSessionStore(protocol.TransitionRules{})
	sessions.Confirm(pendingSession("c1"))
	agent := protocol.Participant{ID: "me", Kind: protocol.KindAgent}
	coord := NewAssignmentCoordinator(NewClient(srv.URL, "tok"), sessions, agent)

	result, err := coord.Accept(context.Background(), "c1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !result.Won {
		t.Fatal("expected to win the accept")
	}
	got := sessions.Get("c1")
	if got.Status != protocol.StatusActive || got.AssignedAgentID != "me" {
		t.Fatalf("confirmed state wrong: %+v", got)
	}
}

func TestAcceptLosesRace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":  "chat already assigned",
			"winner": "rival",
			"session": protocol.ChatSession{
				ID:              "c1",
				Status:          protocol.StatusActive,
				AssignedAgentID: "rival",
			},
		})
	}))
	defer srv.Close()

	sessions := NewSessionStore(protocol.TransitionRules{})
	sessions.Confirm(pendingSession("c1"))
	agent := protocol.Participant{ID: "me", Kind: protocol.KindAgent}
	coord := NewAssignmentCoordinator(NewClient(srv.URL, "tok"), sessions, agent)

	result, err := coord.Accept(context.Background(), "c1")
	if err != nil {
		t.Fatalf("a lost race is not an error: %v", err)
	}
	if result.Won {
		t.Fatal("expected to lose the accept")
	}
	if result.Winner != "rival" {
		t.Errorf("winner should be rival, got %q", result.Winner)
	}

	// Local state must land on the server's version, not our optimistic one.
	got := sessions.Get("c1")
	if got.AssignedAgentID != "rival" {
		t.Fatalf("local state should be the authoritative session: %+v", got)
	}
	if result.Session == nil || result.Session.AssignedAgentID != "rival" {
		t.Fatalf("result should carry the authoritative session: %+v", result.Session)
	}
}

func TestAcceptErrorRollsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sessions := NewSessionStore(protocol.TransitionRules{})
	sessions.Confirm(pendingSession("c1"))
	agent := protocol.Participant{ID: "me", Kind: protocol.KindAgent}
	coord := NewAssignmentCoordinator(NewClient(srv.URL, "tok"), sessions, agent)

	if _, err := coord.Accept(context.Background(), "c1"); err == nil {
		t.Fatal("expected error from 500")
	}
	if got := sessions.Get("c1"); got.Status != protocol.StatusPending {
		t.Fatalf("failed accept must roll back to pending: %+v", got)
	}
}
