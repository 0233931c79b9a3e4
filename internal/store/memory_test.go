package store

import (
	"context"
	"sync"
	"testing"

	"github.com/taskflow/supportchat/protocol"
)

func seedChat(t *testing.T, s *MemoryStore, id string, status protocol.Status) {
	t.Helper()
	err := s.CreateChat(context.Background(), &protocol.ChatSession{
		ID:     id,
		Status: status,
		Participants: []protocol.Participant{
			{ID: "cust-1", Kind: protocol.KindCustomer},
		},
	})
	if err != nil {
		t.Fatalf("seed chat: %v", err)
	}
}

func TestAcceptChatSingleWinner(t *testing.T) {
	s := NewMemoryStore()
	seedChat(t, s, "c1", protocol.StatusPending)

	const agents = 16
	var wg sync.WaitGroup
	wins := make(chan string, agents)

	for i := 0; i < agents; i++ {
		wg.Add(1)
		agent := protocol.Participant{ID: string(rune('a' + i)), Kind: protocol.KindAgent}
		go func() {
			defer wg.Done()
			_, won, err := s.AcceptChat(context.Background(), "c1", agent)
			if err != nil {
				t.Errorf("accept: %v", err)
			}
			if won {
				wins <- agent.ID
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for id := range wins {
		winners = append(winners, id)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}

	sess, _ := s.GetChat(context.Background(), "c1")
	if sess.Status != protocol.StatusActive || sess.AssignedAgentID != winners[0] {
		t.Fatalf("session should reflect the winner: %+v", sess)
	}
	if _, ok := sess.Participant(winners[0]); !ok {
		t.Error("winner should be appended to participants")
	}
}

func TestAcceptChatNotPending(t *testing.T) {
	s := NewMemoryStore()
	seedChat(t, s, "c1", protocol.StatusActive)

	sess, won, err := s.AcceptChat(context.Background(), "c1", protocol.Participant{ID: "a1"})
	if err != nil {
		t.Fatal(err)
	}
	if won {
		t.Error("accepting a non-pending chat should not win")
	}
	if sess == nil || sess.Status != protocol.StatusActive {
		t.Errorf("losing accept should return the current session: %+v", sess)
	}

	sess, won, err = s.AcceptChat(context.Background(), "missing", protocol.Participant{ID: "a1"})
	if err != nil || won || sess != nil {
		t.Errorf("unknown chat: session=%v won=%v err=%v", sess, won, err)
	}
}

func TestUpdateStatusConditional(t *testing.T) {
	s := NewMemoryStore()
	seedChat(t, s, "c1", protocol.StatusActive)

	// active -> resolved with a matching source set applies.
	sess, applied, err := s.UpdateStatus(context.Background(), "c1", protocol.StatusResolved, []protocol.Status{protocol.StatusActive})
	if err != nil || !applied {
		t.Fatalf("applied=%v err=%v", applied, err)
	}
	if sess.Status != protocol.StatusResolved {
		t.Fatalf("status not updated: %+v", sess)
	}

	// Same write again no longer matches; current state comes back.
	sess, applied, _ = s.UpdateStatus(context.Background(), "c1", protocol.StatusResolved, []protocol.Status{protocol.StatusActive})
	if applied {
		t.Error("second write should not apply")
	}
	if sess.Status != protocol.StatusResolved {
		t.Errorf("losing write should return current state: %+v", sess)
	}
}

func TestUpdateStatusClosedClearsAgent(t *testing.T) {
	s := NewMemoryStore()
	seedChat(t, s, "c1", protocol.StatusPending)
	s.AcceptChat(context.Background(), "c1", protocol.Participant{ID: "a1", Kind: protocol.KindAgent})

	sess, applied, err := s.UpdateStatus(context.Background(), "c1", protocol.StatusClosed, []protocol.Status{protocol.StatusActive})
	if err != nil || !applied {
		t.Fatalf("applied=%v err=%v", applied, err)
	}
	if sess.AssignedAgentID != "" {
		t.Fatalf("closing must clear the assigned agent: %+v", sess)
	}
}

func TestAddMessageDedup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	msg := protocol.Message{ID: "01A", ChatID: "c1", Content: "hello", CreatedAt: 100}
	if err := s.AddMessage(ctx, &msg); err != nil {
		t.Fatal(err)
	}
	dup := protocol.Message{ID: "01A", ChatID: "c1", Content: "hello again", CreatedAt: 200}
	if err := s.AddMessage(ctx, &dup); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.History(ctx, "c1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("duplicate id should be dropped, got %d messages", len(msgs))
	}
	if msgs[0].Content != "hello" {
		t.Error("first write should win")
	}
}

func TestAddMessageAssignsID(t *testing.T) {
	s := NewMemoryStore()
	msg := protocol.Message{ChatID: "c1", Content: "hi"}
	if err := s.AddMessage(context.Background(), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.ID == "" || msg.CreatedAt == 0 {
		t.Errorf("id and timestamp should be assigned: %+v", msg)
	}
	if msg.IsRead {
		t.Error("stored messages start unread")
	}
}

func TestHistoryPagination(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		s.AddMessage(ctx, &protocol.Message{
			ID:        string(rune('0' + i)),
			ChatID:    "c1",
			CreatedAt: int64(i * 100),
		})
	}

	// Newest first, limited.
	msgs, _ := s.History(ctx, "c1", 2, 0)
	if len(msgs) != 2 || msgs[0].CreatedAt != 500 || msgs[1].CreatedAt != 400 {
		t.Fatalf("expected newest two, got %+v", msgs)
	}

	// before is exclusive.
	msgs, _ = s.History(ctx, "c1", 10, 300)
	if len(msgs) != 2 || msgs[0].CreatedAt != 200 {
		t.Fatalf("before should be exclusive, got %+v", msgs)
	}
}

func TestMarkReadVisibleInHistory(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.AddMessage(ctx, &protocol.Message{ID: "01A", ChatID: "c1", CreatedAt: 100})
	s.AddMessage(ctx, &protocol.Message{ID: "01B", ChatID: "c1", CreatedAt: 200})

	if err := s.MarkRead(ctx, "c1", []string{"01A"}); err != nil {
		t.Fatal(err)
	}

	msgs, _ := s.History(ctx, "c1", 10, 0)
	byID := map[string]bool{}
	for _, m := range msgs {
		byID[m.ID] = m.IsRead
	}
	if !byID["01A"] || byID["01B"] {
		t.Errorf("read receipts wrong: %v", byID)
	}
}

func TestListChatsFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.CreateChat(ctx, &protocol.ChatSession{
		ID: "c1", Status: protocol.StatusPending, Priority: protocol.PriorityHigh,
		Participants: []protocol.Participant{{ID: "cust-1"}}, UpdatedAt: 100,
	})
	s.CreateChat(ctx, &protocol.ChatSession{
		ID: "c2", Status: protocol.StatusActive, Priority: protocol.PriorityLow,
		Participants: []protocol.Participant{{ID: "cust-2"}}, UpdatedAt: 200,
	})

	chats, _ := s.ListChats(ctx, ChatFilter{Status: protocol.StatusPending})
	if len(chats) != 1 || chats[0].ID != "c1" {
		t.Fatalf("status filter: %v", chats)
	}

	chats, _ = s.ListChats(ctx, ChatFilter{ParticipantID: "cust-2"})
	if len(chats) != 1 || chats[0].ID != "c2" {
		t.Fatalf("participant filter: %v", chats)
	}

	chats, _ = s.ListChats(ctx, ChatFilter{})
	if len(chats) != 2 || chats[0].ID != "c2" {
		t.Fatalf("default list should be newest first: %v", chats)
	}
}

func TestPresence(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.SetOnline(ctx, "u1", true)
	s.SetOnline(ctx, "u2", true)
	s.SetOnline(ctx, "u2", false)

	online, err := s.Online(ctx, []string{"u1", "u2", "u3"})
	if err != nil {
		t.Fatal(err)
	}
	if !online["u1"] || online["u2"] || online["u3"] {
		t.Errorf("presence wrong: %v", online)
	}
}
