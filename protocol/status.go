package protocol

// Status is the lifecycle state of a chat session.
//
// The machine is pending -> active -> {resolved, closed}, resolved -> closed,
// with an optional resolved -> active reopen. Closed is terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusResolved Status = "resolved"
	StatusClosed   Status = "closed"
)

// ValidStatus reports whether s is a known session status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusActive, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// Terminal reports whether the status admits no outbound transitions.
func (s Status) Terminal() bool {
	return s == StatusClosed
}

// TransitionRules configures the guards of the status state machine.
// Reopen (resolved -> active) is deployment policy, not a fixed rule.
type TransitionRules struct {
	AllowReopen bool
}

// CanTransition reports whether moving from one status to another is a legal
// edge of the state machine. Self-transitions are not legal; callers that
// want idempotent status writes must check equality first.
func (r TransitionRules) CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusActive
	case StatusActive:
		return to == StatusResolved || to == StatusClosed
	case StatusResolved:
		if to == StatusClosed {
			return true
		}
		return to == StatusActive && r.AllowReopen
	}
	return false
}

// Check validates a transition for the given chat and returns a
// StateConflictError describing the rejected edge when it is illegal.
func (r TransitionRules) Check(chatID string, from, to Status) error {
	if r.CanTransition(from, to) {
		return nil
	}
	return &StateConflictError{ChatID: chatID, From: from, To: to}
}

// TransitionSources returns every status from which the given target is
// reachable. The server uses this to make status updates a single
// conditional write instead of a read-check-write race.
func (r TransitionRules) TransitionSources(to Status) []Status {
	var from []Status
	for _, s := range []Status{StatusPending, StatusActive, StatusResolved, StatusClosed} {
		if r.CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}
