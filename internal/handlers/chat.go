package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/taskflow/supportchat/internal/api/middleware"
	"github.com/taskflow/supportchat/internal/metrics"
	"github.com/taskflow/supportchat/internal/store"
	"github.com/taskflow/supportchat/protocol"
)

// CreateChatRequest is the customer-initiated chat creation request.
type CreateChatRequest struct {
	Priority protocol.Priority `json:"priority"`
	Category protocol.Category `json:"category"`
	Message  string            `json:"message,omitempty"` // optional opening message
}

// CreateChat opens a new pending chat for the authenticated customer and
// announces it to the admin room.
func (h *Handler) CreateChat(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	var req CreateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Priority == "" {
		req.Priority = protocol.PriorityMedium
	}
	if !protocol.ValidPriority(req.Priority) {
		h.Error(w, http.StatusBadRequest, "unknown priority")
		return
	}
	if req.Category == "" {
		req.Category = protocol.CategoryOther
	}
	if !protocol.ValidCategory(req.Category) {
		h.Error(w, http.StatusBadRequest, "unknown category")
		return
	}

	now := time.Now().UnixMilli()
	session := &protocol.ChatSession{
		ID:           uuid.New().String(),
		Participants: []protocol.Participant{{ID: principal.ID, DisplayName: principal.DisplayName, Kind: principal.Kind}},
		Status:       protocol.StatusPending,
		Priority:     req.Priority,
		Category:     req.Category,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := h.data.CreateChat(r.Context(), session); err != nil {
		h.logger.Error().Err(err).Msg("chat create failed")
		h.Error(w, http.StatusInternalServerError, "failed to create chat")
		return
	}
	metrics.ChatsCreated.WithLabelValues(string(session.Priority)).Inc()

	// Optional opening message rides along with the creation.
	if content := sanitizeContent(req.Message); content != "" {
		msg := &protocol.Message{
			ChatID:     session.ID,
			SenderID:   principal.ID,
			SenderKind: principal.Kind,
			Content:    content,
			Kind:       protocol.MessageText,
		}
		if err := h.messages.AddMessage(r.Context(), msg); err == nil {
			summary := protocol.MessageSummary{Content: msg.Content, SenderID: msg.SenderID, Timestamp: msg.CreatedAt}
			_ = h.data.SetLastMessage(r.Context(), session.ID, summary)
			session.LastMessage = &summary
		}
	}

	if env, err := protocol.NewEnvelope(protocol.EventNewChat, protocol.NewChatEvent{Session: *session}); err == nil {
		h.hub.BroadcastAdmin(env)
	}

	h.JSON(w, http.StatusCreated, session)
}

// ListChats returns chat sessions for the caller: agents see everything
// (filterable), customers only their own chats.
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	q := r.URL.Query()

	filter := store.ChatFilter{
		Status:   protocol.Status(q.Get("status")),
		Priority: protocol.Priority(q.Get("priority")),
		Category: protocol.Category(q.Get("category")),
	}
	if filter.Status != "" && !protocol.ValidStatus(filter.Status) {
		h.Error(w, http.StatusBadRequest, "unknown status")
		return
	}
	if principal.Kind != protocol.KindAgent {
		filter.ParticipantID = principal.ID
	}

	sessions, err := h.data.ListChats(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("chat list failed")
		h.Error(w, http.StatusInternalServerError, "failed to list chats")
		return
	}

	for i := range sessions {
		h.mergePresence(r, &sessions[i])
	}
	h.JSON(w, http.StatusOK, map[string]interface{}{
		"chats": sessions,
		"total": len(sessions),
	})
}

// GetChat returns one chat session with presence merged into participants.
func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	session, ok := h.loadChat(w, r)
	if !ok {
		return
	}
	if !h.mayAccess(principal, session) {
		h.Error(w, http.StatusForbidden, "not a participant")
		return
	}

	h.mergePresence(r, session)
	h.JSON(w, http.StatusOK, session)
}

// Accept is the assignment arbitration endpoint. The conditional store write
// makes the server the single arbiter of "first accept wins"; losers get a
// 409 naming the winner, and the outcome is broadcast to every admin.
func (h *Handler) Accept(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal.Kind != protocol.KindAgent {
		h.Error(w, http.StatusForbidden, "only agents accept chats")
		return
	}

	chatID := chi.URLParam(r, "id")
	session, won, err := h.data.AcceptChat(r.Context(), chatID, protocol.Participant{
		ID:          principal.ID,
		DisplayName: principal.DisplayName,
		Kind:        protocol.KindAgent,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("chat", chatID).Msg("accept failed")
		h.Error(w, http.StatusInternalServerError, "failed to accept chat")
		return
	}
	if session == nil {
		h.Error(w, http.StatusNotFound, "chat not found")
		return
	}
	if !won {
		metrics.AcceptAttempts.WithLabelValues("lost").Inc()
		h.ConflictError(w, session)
		return
	}
	metrics.AcceptAttempts.WithLabelValues("won").Inc()

	h.broadcastStatus(session)
	if env, err := protocol.NewEnvelope(protocol.EventChatAccepted, protocol.AcceptedEvent{
		ChatID:    session.ID,
		AgentID:   principal.ID,
		AgentName: principal.DisplayName,
	}); err == nil {
		h.hub.BroadcastAdmin(env)
	}

	h.JSON(w, http.StatusOK, session)
}

// UpdateStatusRequest is the PATCH /chats/{id}/status body.
type UpdateStatusRequest struct {
	Status protocol.Status `json:"status"`
}

// UpdateStatus applies a session transition, validated against the same
// state table the clients guard with. Rejections leave state untouched and
// come back as 409 so optimistic clients can roll back.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !protocol.ValidStatus(req.Status) {
		h.Error(w, http.StatusBadRequest, "unknown status")
		return
	}

	session, ok := h.loadChat(w, r)
	if !ok {
		return
	}
	if !h.mayAccess(principal, session) {
		h.Error(w, http.StatusForbidden, "not a participant")
		return
	}

	// Per-transition actor guards on top of the state table.
	switch req.Status {
	case protocol.StatusResolved:
		if principal.Kind != protocol.KindAgent || session.AssignedAgentID != principal.ID {
			h.Error(w, http.StatusForbidden, "only the assigned agent resolves a chat")
			return
		}
	case protocol.StatusActive:
		// Reopen is agent-only policy; accepting goes through /accept.
		if principal.Kind != protocol.KindAgent {
			h.Error(w, http.StatusForbidden, "only agents reopen a chat")
			return
		}
	case protocol.StatusClosed:
		// Any participant with access may close.
	default:
		h.Error(w, http.StatusBadRequest, "cannot transition to "+string(req.Status))
		return
	}

	sources := h.rules.TransitionSources(req.Status)
	if req.Status == protocol.StatusActive {
		// /accept owns pending -> active; this endpoint only reopens.
		sources = filterStatuses(sources, protocol.StatusPending)
		if len(sources) == 0 {
			h.ConflictError(w, session)
			return
		}
	}

	updated, applied, err := h.data.UpdateStatus(r.Context(), session.ID, req.Status, sources)
	if err != nil {
		h.logger.Error().Err(err).Str("chat", session.ID).Msg("status update failed")
		h.Error(w, http.StatusInternalServerError, "failed to update status")
		return
	}
	if updated == nil {
		h.Error(w, http.StatusNotFound, "chat not found")
		return
	}
	if !applied {
		h.ConflictError(w, updated)
		return
	}
	metrics.StatusTransitions.WithLabelValues(string(req.Status)).Inc()

	h.broadcastStatus(updated)
	h.JSON(w, http.StatusOK, updated)
}

// broadcastStatus pushes the authoritative transition to the chat room and
// the admin room; clients always apply it over local optimistic state.
func (h *Handler) broadcastStatus(session *protocol.ChatSession) {
	event := protocol.EventStatusUpdated
	if session.Status == protocol.StatusClosed {
		event = protocol.EventChatClosed
	}
	env, err := protocol.NewEnvelope(event, protocol.StatusEvent{
		ChatID:          session.ID,
		Status:          session.Status,
		AssignedAgentID: session.AssignedAgentID,
		UpdatedAt:       session.UpdatedAt,
	})
	if err != nil {
		return
	}
	h.hub.Broadcast(session.ID, env, "")
	h.hub.BroadcastAdmin(env)
}

// loadChat fetches the chat named in the URL, writing the error response
// itself when the id is malformed or unknown.
func (h *Handler) loadChat(w http.ResponseWriter, r *http.Request) (*protocol.ChatSession, bool) {
	chatID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(chatID); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid chat ID format")
		return nil, false
	}

	session, err := h.data.GetChat(r.Context(), chatID)
	if err != nil {
		h.logger.Error().Err(err).Str("chat", chatID).Msg("chat load failed")
		h.Error(w, http.StatusInternalServerError, "database error")
		return nil, false
	}
	if session == nil {
		h.Error(w, http.StatusNotFound, "chat not found")
		return nil, false
	}
	return session, true
}

// mayAccess reports whether the principal may operate on the session.
func (h *Handler) mayAccess(principal protocol.Participant, session *protocol.ChatSession) bool {
	if principal.Kind == protocol.KindAgent {
		return true
	}
	_, ok := session.Participant(principal.ID)
	return ok
}

// mergePresence projects current presence onto the session's participants.
func (h *Handler) mergePresence(r *http.Request, session *protocol.ChatSession) {
	ids := make([]string, len(session.Participants))
	for i, p := range session.Participants {
		ids[i] = p.ID
	}
	online, err := h.presence.Online(r.Context(), ids)
	if err != nil {
		return
	}
	for i := range session.Participants {
		session.Participants[i].Online = online[session.Participants[i].ID]
	}
}

func filterStatuses(statuses []protocol.Status, drop protocol.Status) []protocol.Status {
	var out []protocol.Status
	for _, s := range statuses {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}
