package protocol

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	rules := TransitionRules{}

	allowed := []struct{ from, to Status }{
		{StatusPending, StatusActive},
		{StatusActive, StatusResolved},
		{StatusActive, StatusClosed},
		{StatusResolved, StatusClosed},
	}
	for _, tc := range allowed {
		if !rules.CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusPending, StatusResolved},
		{StatusPending, StatusClosed},
		{StatusPending, StatusPending},
		{StatusResolved, StatusActive},
		{StatusResolved, StatusPending},
		{StatusClosed, StatusActive},
		{StatusClosed, StatusPending},
		{StatusClosed, StatusResolved},
		{StatusActive, StatusPending},
	}
	for _, tc := range denied {
		if rules.CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be denied", tc.from, tc.to)
		}
	}
}

func TestCanTransitionReopen(t *testing.T) {
	rules := TransitionRules{AllowReopen: true}
	if !rules.CanTransition(StatusResolved, StatusActive) {
		t.Error("resolved -> active should be allowed with reopen enabled")
	}
	if rules.CanTransition(StatusClosed, StatusActive) {
		t.Error("closed is terminal even with reopen enabled")
	}
}

func TestCheckReturnsConflict(t *testing.T) {
	rules := TransitionRules{}

	if err := rules.Check("chat-1", StatusPending, StatusActive); err != nil {
		t.Fatalf("legal transition returned error: %v", err)
	}

	err := rules.Check("chat-1", StatusClosed, StatusActive)
	if err == nil {
		t.Fatal("expected error for closed -> active")
	}
	var conflict *StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected StateConflictError, got %T", err)
	}
	if conflict.ChatID != "chat-1" || conflict.From != StatusClosed || conflict.To != StatusActive {
		t.Errorf("conflict fields wrong: %+v", conflict)
	}
}

func TestTransitionSources(t *testing.T) {
	rules := TransitionRules{}

	sources := rules.TransitionSources(StatusClosed)
	if len(sources) != 2 || sources[0] != StatusActive || sources[1] != StatusResolved {
		t.Fatalf("closed should be reachable only from active and resolved, got %v", sources)
	}

	sources = rules.TransitionSources(StatusResolved)
	if len(sources) != 1 || sources[0] != StatusActive {
		t.Fatalf("resolved should only be reachable from active, got %v", sources)
	}

	if got := rules.TransitionSources(StatusPending); len(got) != 0 {
		t.Fatalf("nothing transitions into pending, got %v", got)
	}
}

func TestMessageOrdering(t *testing.T) {
	a := &Message{ID: "01A", CreatedAt: 100}
	b := &Message{ID: "01B", CreatedAt: 200}
	if !a.Less(b) || b.Less(a) {
		t.Error("earlier timestamp should order first")
	}

	// Same millisecond: the id breaks the tie.
	c := &Message{ID: "01A", CreatedAt: 100}
	d := &Message{ID: "01B", CreatedAt: 100}
	if !c.Less(d) || d.Less(c) {
		t.Error("id should break timestamp ties")
	}
}

func TestSessionClone(t *testing.T) {
	orig := &ChatSession{
		ID:           "c1",
		Participants: []Participant{{ID: "u1"}},
		LastMessage:  &MessageSummary{Content: "hi"},
	}

	clone := orig.Clone()
	clone.Participants[0].ID = "changed"
	clone.LastMessage.Content = "changed"

	if orig.Participants[0].ID != "u1" {
		t.Error("clone shares participant slice with original")
	}
	if orig.LastMessage.Content != "hi" {
		t.Error("clone shares last-message pointer with original")
	}

	var nilSession *ChatSession
	if nilSession.Clone() != nil {
		t.Error("nil clone should stay nil")
	}
}
