package chatclient

import (
	"context"
	"errors"

	"github.com/taskflow/supportchat/protocol"
)

// AcceptResult reports how an accept attempt ended. Exactly one agent wins
// a pending chat; everyone else gets Won=false with the winner and the
// server-confirmed session so local state can settle on the truth.
type AcceptResult struct {
	Won     bool
	Winner  string
	Session *protocol.ChatSession
}

// AssignmentCoordinator races accept attempts against other agents. The
// local session flips to active optimistically for instant feedback; losing
// the race rolls it back to the server-confirmed state carried in the
// conflict response.
type AssignmentCoordinator struct {
	rest     *Client
	sessions *SessionStore
	agent    protocol.Participant
}

// NewAssignmentCoordinator creates a coordinator for one agent.
func NewAssignmentCoordinator(rest *Client, sessions *SessionStore, agent protocol.Participant) *AssignmentCoordinator {
	return &AssignmentCoordinator{rest: rest, sessions: sessions, agent: agent}
}

// Accept attempts to claim a pending chat for this agent. A lost race is
// not an error: the result names the winner and the returned session is the
// authoritative one.
func (c *AssignmentCoordinator) Accept(ctx context.Context, chatID string) (AcceptResult, error) {
	optimistic := c.sessions.Optimistic(chatID, protocol.StatusActive, c.agent.ID) == nil

	session, err := c.rest.Accept(ctx, chatID)
	if err == nil {
		c.sessions.Confirm(session)
		return AcceptResult{Won: true, Session: session}, nil
	}

	var conflict *protocol.StateConflictError
	if errors.As(err, &conflict) {
		if conflict.Authoritative != nil {
			c.sessions.Confirm(conflict.Authoritative)
		} else if optimistic {
			c.sessions.Rollback(chatID)
		}
		return AcceptResult{
			Won:     false,
			Winner:  conflict.Winner,
			Session: c.sessions.Get(chatID),
		}, nil
	}

	if optimistic {
		c.sessions.Rollback(chatID)
	}
	return AcceptResult{}, err
}
