package mongo

import (
	"context"
	"fmt"

	"github.com/Rrens/codex-chat/internal/config"
	"github.com/Rrens/codex-chat/internal/domain"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	usersCollection    = "users"
	messagesCollection = "messages"
)

// DB wraps the MongoDB client and the application database
type DB struct {
	client   *mongo.Client
	database *mongo.Database
	users    *UserRepository
	messages *MessageRepository
}

var _ domain.Store = (*DB)(nil)

// NewDB connects to MongoDB and verifies the connection
func NewDB(ctx context.Context, cfg config.MongoConfig) (*DB, error) {
	clientOpts := options.Client().ApplyURI(cfg.URI)
	if cfg.ConnectTimeout > 0 {
		clientOpts.SetConnectTimeout(cfg.ConnectTimeout)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create mongo client: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	database := client.Database(cfg.Database)
	return &DB{
		client:   client,
		database: database,
		users:    NewUserRepository(database.Collection(usersCollection)),
		messages: NewMessageRepository(database.Collection(messagesCollection)),
	}, nil
}

func (db *DB) Users() domain.UserRepository {
	return db.users
}

func (db *DB) Messages() domain.MessageRepository {
	return db.messages
}

// Ping verifies database connectivity
func (db *DB) Ping(ctx context.Context) error {
	return db.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client
func (db *DB) Close(ctx context.Context) error {
	return db.client.Disconnect(ctx)
}
