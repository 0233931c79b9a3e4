package protocol

import (
	"errors"
	"fmt"
)

// StateConflictError reports a rejected session transition: either the local
// guard refused an illegal edge, or the server turned down an optimistic
// transition (for assignment, Winner names the agent that got there first).
type StateConflictError struct {
	ChatID string
	From   Status
	To     Status
	Winner string // agent id that won a contested accept, if any

	// Authoritative is the server-confirmed session carried by a rejection,
	// when the server supplied one. Losing clients roll back to it.
	Authoritative *ChatSession
}

func (e *StateConflictError) Error() string {
	if e.Winner != "" {
		return fmt.Sprintf("chat %s: already assigned to agent %s", e.ChatID, e.Winner)
	}
	return fmt.Sprintf("chat %s: illegal transition %s -> %s", e.ChatID, e.From, e.To)
}

// IsStateConflict reports whether err is a StateConflictError.
func IsStateConflict(err error) bool {
	var sc *StateConflictError
	return errors.As(err, &sc)
}

// ValidationError reports a malformed command. It is local and non-retryable;
// callers surface it immediately instead of feeding it into retry logic.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NotFoundError reports an operation on a chat or message the server no
// longer recognizes. Clients treat it as a cue to resync that chat rather
// than retry blindly.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// TransportError reports a handshake or network failure. It is recoverable:
// the transport's backoff loop handles it internally and surfaces only a
// connection-state change, never a per-call exception.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
