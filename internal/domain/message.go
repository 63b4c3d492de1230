package domain

import (
	"context"
	"time"
)

// MessageRole represents the sender of a message
type MessageRole string

const (
	RoleUser   MessageRole = "user"
	RoleModel  MessageRole = "model"
	RoleSystem MessageRole = "system"
)

// Valid reports whether r is one of the stored roles.
func (r MessageRole) Valid() bool {
	switch r {
	case RoleUser, RoleModel, RoleSystem:
		return true
	}
	return false
}

const (
	MaxContentLength    = 8000
	DefaultHistoryLimit = 200
	MaxHistoryLimit     = 500
)

// Message represents a chat message in a conversation
type Message struct {
	ID             string      `json:"_id"`
	ConversationID string      `json:"conversationId"`
	UserID         string      `json:"userId"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// HistoryQuery bounds a conversation history lookup. Before and After are
// exclusive bounds on CreatedAt.
type HistoryQuery struct {
	Limit  int
	Before *time.Time
	After  *time.Time
}

// MessageRepository defines the interface for message storage
type MessageRepository interface {
	Create(ctx context.Context, message *Message) error
	// ListByConversation returns messages newest-first.
	ListByConversation(ctx context.Context, conversationID string, q HistoryQuery) ([]Message, error)
}
