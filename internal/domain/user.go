package domain

import (
	"context"
	"strings"
	"time"
)

const (
	MinNameLength = 2
	MaxNameLength = 60
)

// User represents a chat participant. Users are looked up by name, there are
// no credentials.
type User struct {
	ID             string    `json:"_id"`
	Name           string    `json:"name"`
	NormalizedName string    `json:"normalizedName"`
	Avatar         string    `json:"avatar"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// NormalizeName is the case-insensitive identity key for a user name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// UserRepository defines the interface for user storage
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*User, error)
	GetByNormalizedName(ctx context.Context, normalizedName string) (*User, error)
	// Create returns ErrConflict when the normalized name is taken.
	Create(ctx context.Context, user *User) error
}
