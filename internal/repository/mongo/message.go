package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/Rrens/codex-chat/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type messageDocument struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"`
	ConversationID string             `bson:"conversationId"`
	UserID         primitive.ObjectID `bson:"userId"`
	Role           string             `bson:"role"`
	Content        string             `bson:"content"`
	CreatedAt      time.Time          `bson:"createdAt"`
	UpdatedAt      time.Time          `bson:"updatedAt"`
}

func (d messageDocument) toDomain() domain.Message {
	return domain.Message{
		ID:             d.ID.Hex(),
		ConversationID: d.ConversationID,
		UserID:         d.UserID.Hex(),
		Role:           domain.MessageRole(d.Role),
		Content:        d.Content,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

// MessageRepository implements domain.MessageRepository
type MessageRepository struct {
	coll *mongo.Collection
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(coll *mongo.Collection) *MessageRepository {
	return &MessageRepository{coll: coll}
}

// Create inserts a new message
func (r *MessageRepository) Create(ctx context.Context, message *domain.Message) error {
	userID, err := primitive.ObjectIDFromHex(message.UserID)
	if err != nil {
		return fmt.Errorf("invalid user id %q: %w", message.UserID, err)
	}

	now := time.Now().UTC()
	doc := messageDocument{
		ID:             primitive.NewObjectID(),
		ConversationID: message.ConversationID,
		UserID:         userID,
		Role:           string(message.Role),
		Content:        message.Content,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}

	*message = doc.toDomain()
	return nil
}

// ListByConversation retrieves the newest messages of a conversation
func (r *MessageRepository) ListByConversation(ctx context.Context, conversationID string, q domain.HistoryQuery) ([]domain.Message, error) {
	filter := bson.M{"conversationId": conversationID}

	createdAt := bson.M{}
	if q.Before != nil {
		createdAt["$lt"] = q.Before.UTC()
	}
	if q.After != nil {
		createdAt["$gt"] = q.After.UTC()
	}
	if len(createdAt) > 0 {
		filter["createdAt"] = createdAt
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(q.Limit))

	cursor, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []messageDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}

	messages := make([]domain.Message, 0, len(docs))
	for _, doc := range docs {
		messages = append(messages, doc.toDomain())
	}
	return messages, nil
}
