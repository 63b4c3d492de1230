package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/Rrens/codex-chat/internal/domain"
)

// MessageService persists and reads conversation messages
type MessageService struct {
	messages domain.MessageRepository
	users    *UserService
}

// NewMessageService creates a new message service
func NewMessageService(messages domain.MessageRepository, users *UserService) *MessageService {
	return &MessageService{messages: messages, users: users}
}

// PersistMessage validates and stores one message. Unknown roles fall back to user.
func (s *MessageService) PersistMessage(ctx context.Context, conversationID, userID string, role domain.MessageRole, content string) (*domain.Message, error) {
	rawID := strings.TrimSpace(conversationID)
	if rawID == "" {
		return nil, invalid("conversationId is required")
	}
	if utf8.RuneCountInString(rawID) > domain.MaxConversationIDLength {
		return nil, invalid("conversationId is too long")
	}

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, invalid("userId is required")
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, invalid("content is required")
	}
	if utf8.RuneCountInString(content) > domain.MaxContentLength {
		return nil, invalid(fmt.Sprintf("content exceeds %d characters", domain.MaxContentLength))
	}

	if !role.Valid() {
		role = domain.RoleUser
	}

	if _, err := s.users.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	message := &domain.Message{
		ConversationID: rawID,
		UserID:         userID,
		Role:           role,
		Content:        content,
	}
	if err := s.messages.Create(ctx, message); err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}

	return message, nil
}

// FetchHistory returns up to q.Limit messages of a conversation, newest-first.
func (s *MessageService) FetchHistory(ctx context.Context, conversationID string, q domain.HistoryQuery) ([]domain.Message, error) {
	conversationID = domain.SanitizeConversationID(conversationID)
	if conversationID == "" {
		return nil, invalid("conversationId is required")
	}

	q.Limit = ClampHistoryLimit(q.Limit)

	messages, err := s.messages.ListByConversation(ctx, conversationID, q)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	return messages, nil
}

// ClampHistoryLimit applies the default for non-positive limits and caps the rest.
func ClampHistoryLimit(limit int) int {
	switch {
	case limit <= 0:
		return domain.DefaultHistoryLimit
	case limit > domain.MaxHistoryLimit:
		return domain.MaxHistoryLimit
	}
	return limit
}
