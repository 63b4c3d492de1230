package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/Rrens/codex-chat/internal/api/response"
	"github.com/Rrens/codex-chat/internal/domain"
	"github.com/Rrens/codex-chat/internal/service"
	"github.com/go-chi/chi/v5"
)

// MessageHandler handles conversation message endpoints
type MessageHandler struct {
	messages *service.MessageService
	detail   bool
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(messages *service.MessageService, detail bool) *MessageHandler {
	return &MessageHandler{messages: messages, detail: detail}
}

type createMessageRequest struct {
	ConversationID string             `json:"conversationId" validate:"required"`
	UserID         string             `json:"userId" validate:"required"`
	Role           domain.MessageRole `json:"role"`
	Content        string             `json:"content" validate:"required"`
}

// ListByConversation returns a conversation's messages in chronological order
func (h *MessageHandler) ListByConversation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := domain.HistoryQuery{
		Limit:  parseLimit(q.Get("limit")),
		Before: parseTime(q.Get("before")),
		After:  parseTime(q.Get("after")),
	}

	messages, err := h.messages.FetchHistory(r.Context(), chi.URLParam(r, "conversationId"), query)
	if err != nil {
		serviceFailure(w, err, "Failed to fetch messages", h.detail)
		return
	}

	// stored newest-first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	response.List(w, messages, len(messages))
}

// Create stores one message
func (h *MessageHandler) Create(w http.ResponseWriter, r *http.Request) {
	var input createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		response.BadRequest(w, "Invalid payload")
		return
	}
	if err := validate.Struct(input); err != nil {
		response.BadRequest(w, decodeFailure(err))
		return
	}

	message, err := h.messages.PersistMessage(r.Context(), input.ConversationID, input.UserID, input.Role, input.Content)
	if err != nil {
		serviceFailure(w, err, "Failed to create message", h.detail)
		return
	}

	response.Created(w, message)
}

// parseLimit returns 0 for a missing or unreadable limit so the service
// default applies; explicit values below one become one.
func parseLimit(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	if n < 1 {
		return 1
	}
	return n
}

func parseTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}
