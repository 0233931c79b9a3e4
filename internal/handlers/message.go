package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/taskflow/supportchat/internal/api/middleware"
	"github.com/taskflow/supportchat/internal/metrics"
	"github.com/taskflow/supportchat/protocol"
)

// PostMessageRequest is the REST fallback send body. The client supplies the
// message id (a ULID) so a later socket echo of the same send de-duplicates.
type PostMessageRequest struct {
	ID      string               `json:"id,omitempty"`
	Content string               `json:"content"`
	Kind    protocol.MessageKind `json:"kind"`
}

// PostMessage is the REST fallback path for sending while the socket is
// down. The stored message is rebroadcast over the hub so room members on a
// live socket still receive it.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	session, ok := h.loadChat(w, r)
	if !ok {
		return
	}
	if !h.mayAccess(principal, session) {
		h.Error(w, http.StatusForbidden, "not a participant")
		return
	}
	if session.Status == protocol.StatusClosed {
		h.ConflictError(w, session)
		return
	}

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req.Content = sanitizeContent(req.Content)
	if req.Content == "" {
		h.Error(w, http.StatusBadRequest, "content is required")
		return
	}
	if len(req.Content) > protocol.MaxMessageLen {
		h.Error(w, http.StatusUnprocessableEntity, "content too long (max 4096 bytes)")
		return
	}
	if req.Kind == "" {
		req.Kind = protocol.MessageText
	}
	if !protocol.ValidMessageKind(req.Kind) {
		h.Error(w, http.StatusBadRequest, "unknown message kind")
		return
	}

	msg := &protocol.Message{
		ID:         req.ID,
		ChatID:     session.ID,
		SenderID:   principal.ID,
		SenderKind: principal.Kind,
		Content:    req.Content,
		Kind:       req.Kind,
	}

	if err := h.messages.AddMessage(r.Context(), msg); err != nil {
		h.logger.Error().Err(err).Str("chat", session.ID).Msg("message store failed")
		h.Error(w, http.StatusInternalServerError, "failed to store message")
		return
	}
	metrics.MessagesStored.WithLabelValues("rest").Inc()

	summary := protocol.MessageSummary{Content: msg.Content, SenderID: msg.SenderID, Timestamp: msg.CreatedAt}
	if err := h.data.SetLastMessage(r.Context(), session.ID, summary); err != nil {
		h.logger.Warn().Err(err).Str("chat", session.ID).Msg("last message summary update failed")
	}

	// Socket-side echo for room members; the sender's pipeline drops the
	// duplicate by id once it reconnects.
	if env, err := protocol.NewEnvelope(protocol.EventChatMessage, msg); err == nil {
		h.hub.Broadcast(session.ID, env, "")
	}

	h.JSON(w, http.StatusCreated, msg)
}

// HistoryResponse is the GET /chats/{id}/history response.
type HistoryResponse struct {
	ChatID   string             `json:"chat_id"`
	Messages []protocol.Message `json:"messages"`
	HasMore  bool               `json:"has_more"`
}

// History returns message history, newest first, for resync after reconnect
// and for the REST polling path.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	session, ok := h.loadChat(w, r)
	if !ok {
		return
	}
	if !h.mayAccess(principal, session) {
		h.Error(w, http.StatusForbidden, "not a participant")
		return
	}

	limit := 50
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}
	if limit > 200 {
		limit = 200
	}

	var before int64
	if b, err := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64); err == nil {
		before = b
	}

	// +1 for the has_more probe
	messages, err := h.messages.History(r.Context(), session.ID, limit+1, before)
	if err != nil {
		h.logger.Error().Err(err).Str("chat", session.ID).Msg("history fetch failed")
		h.Error(w, http.StatusInternalServerError, "failed to fetch history")
		return
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}
	if messages == nil {
		messages = []protocol.Message{}
	}

	h.JSON(w, http.StatusOK, HistoryResponse{
		ChatID:   session.ID,
		Messages: messages,
		HasMore:  hasMore,
	})
}

// MarkReadRequest is the batched read-receipt body.
type MarkReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// MarkRead records read receipts. The flip is monotonic and idempotent;
// clients fire and forget and may retry freely.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	session, ok := h.loadChat(w, r)
	if !ok {
		return
	}
	if !h.mayAccess(principal, session) {
		h.Error(w, http.StatusForbidden, "not a participant")
		return
	}

	var req MarkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.MessageIDs) == 0 {
		h.Error(w, http.StatusBadRequest, "message_ids is required")
		return
	}

	if err := h.messages.MarkRead(r.Context(), session.ID, req.MessageIDs); err != nil {
		h.logger.Error().Err(err).Str("chat", session.ID).Msg("read receipt write failed")
		h.Error(w, http.StatusInternalServerError, "failed to record receipts")
		return
	}

	h.JSON(w, http.StatusOK, map[string]int{"marked": len(req.MessageIDs)})
}
