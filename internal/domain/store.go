package domain

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Store is a persistence backend for users and messages.
type Store interface {
	Users() UserRepository
	Messages() MessageRepository
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
