package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Rrens/codex-chat/internal/domain"
	"github.com/google/uuid"
)

// MessageRepository implements domain.MessageRepository
type MessageRepository struct {
	db *sql.DB
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(db *sql.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create inserts a new message
func (r *MessageRepository) Create(ctx context.Context, message *domain.Message) error {
	now := time.Now().UTC()
	id := uuid.NewString()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, user_id, role, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, message.ConversationID, message.UserID, string(message.Role), message.Content,
		now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}

	message.ID = id
	message.CreatedAt = now
	message.UpdatedAt = now
	return nil
}

// ListByConversation retrieves the newest messages of a conversation
func (r *MessageRepository) ListByConversation(ctx context.Context, conversationID string, q domain.HistoryQuery) ([]domain.Message, error) {
	where := []string{"conversation_id = ?"}
	args := []any{conversationID}

	if q.Before != nil {
		where = append(where, "created_at < ?")
		args = append(args, q.Before.UnixNano())
	}
	if q.After != nil {
		where = append(where, "created_at > ?")
		args = append(args, q.After.UnixNano())
	}
	args = append(args, q.Limit)

	query := `
		SELECT id, conversation_id, user_id, role, content, created_at, updated_at
		FROM messages
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		var m domain.Message
		var role string
		var createdAt, updatedAt int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &role, &m.Content, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = domain.MessageRole(role)
		m.CreatedAt = fromUnixNano(createdAt)
		m.UpdatedAt = fromUnixNano(updatedAt)
		messages = append(messages, m)
	}

	return messages, rows.Err()
}
