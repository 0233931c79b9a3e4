package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/taskflow/supportchat/internal/hub"
	"github.com/taskflow/supportchat/internal/store"
	"github.com/taskflow/supportchat/protocol"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	data     store.DataStore
	messages store.MessageStore
	presence store.PresenceStore
	hub      *hub.Hub
	rules    protocol.TransitionRules
	logger   zerolog.Logger
}

// NewHandler creates a new Handler with the given stores and hub.
func NewHandler(data store.DataStore, messages store.MessageStore, presence store.PresenceStore, h *hub.Hub, rules protocol.TransitionRules, logger zerolog.Logger) *Handler {
	return &Handler{
		data:     data,
		messages: messages,
		presence: presence,
		hub:      h,
		rules:    rules,
		logger:   logger,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// ConflictError sends the 409 body for a contested accept, naming the
// winning agent so losing clients can roll back to authoritative state.
func (h *Handler) ConflictError(w http.ResponseWriter, session *protocol.ChatSession) {
	h.JSON(w, http.StatusConflict, ConflictResponse{
		Error:   "chat already assigned",
		Winner:  session.AssignedAgentID,
		Session: session,
	})
}

// ConflictResponse is the body of every 409 returned by this service.
type ConflictResponse struct {
	Error   string                `json:"error"`
	Winner  string                `json:"winner,omitempty"`
	Session *protocol.ChatSession `json:"session,omitempty"`
}

// sanitizeContent trims whitespace and strips control characters other than
// newlines and tabs.
func sanitizeContent(content string) string {
	content = strings.TrimSpace(content)
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, content)
}
