package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Rrens/codex-chat/internal/domain"
	_ "modernc.org/sqlite"
)

// DB wraps an embedded SQLite database
type DB struct {
	db       *sql.DB
	users    *UserRepository
	messages *MessageRepository
}

var _ domain.Store = (*DB)(nil)

// NewDB opens the database file at path and applies pending migrations
func NewDB(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database file path is required")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{
		db:       db,
		users:    NewUserRepository(db),
		messages: NewMessageRepository(db),
	}, nil
}

func (d *DB) Users() domain.UserRepository {
	return d.users
}

func (d *DB) Messages() domain.MessageRepository {
	return d.messages
}

// Ping verifies database connectivity
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the database
func (d *DB) Close(_ context.Context) error {
	return d.db.Close()
}
