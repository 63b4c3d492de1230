package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Rrens/codex-chat/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	userCachePrefix = "user:"
	userCacheTTL    = 10 * time.Minute
)

// UserCache caches user lookups by ID in Redis
type UserCache struct {
	client *Client
}

// NewUserCache creates a new user cache
func NewUserCache(client *Client) *UserCache {
	return &UserCache{client: client}
}

// Get retrieves a cached user. A miss returns (nil, nil).
func (c *UserCache) Get(ctx context.Context, id string) (*domain.User, error) {
	data, err := c.client.rdb.Get(ctx, userCachePrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read user cache: %w", err)
	}

	var user domain.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &user, nil
}

// Set caches a user
func (c *UserCache) Set(ctx context.Context, user *domain.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	return c.client.rdb.Set(ctx, userCachePrefix+user.ID, data, userCacheTTL).Err()
}

// Invalidate removes a cached user
func (c *UserCache) Invalidate(ctx context.Context, id string) error {
	return c.client.rdb.Del(ctx, userCachePrefix+id).Err()
}
