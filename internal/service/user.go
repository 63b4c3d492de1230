package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/Rrens/codex-chat/internal/domain"
	"github.com/rs/zerolog/log"
)

// UserCache is an optional read-through cache for user lookups by ID
type UserCache interface {
	Get(ctx context.Context, id string) (*domain.User, error)
	Set(ctx context.Context, user *domain.User) error
}

// UserService handles the name-based pseudo-login
type UserService struct {
	users domain.UserRepository
	cache UserCache
}

// NewUserService creates a new user service. cache may be nil.
func NewUserService(users domain.UserRepository, cache UserCache) *UserService {
	return &UserService{users: users, cache: cache}
}

// ResolveUser returns the user whose normalized name matches name, creating it
// when none exists.
func (s *UserService) ResolveUser(ctx context.Context, name, avatar string) (*domain.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid("Name is required")
	}
	if n := utf8.RuneCountInString(name); n < domain.MinNameLength || n > domain.MaxNameLength {
		return nil, invalid(fmt.Sprintf("Name must be between %d and %d characters", domain.MinNameLength, domain.MaxNameLength))
	}

	normalized := domain.NormalizeName(name)

	user, err := s.users.GetByNormalizedName(ctx, normalized)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	user = &domain.User{
		Name:           name,
		NormalizedName: normalized,
		Avatar:         strings.TrimSpace(avatar),
	}
	if err := s.users.Create(ctx, user); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
		// Lost a race with a concurrent login for the same name.
		user, err = s.users.GetByNormalizedName(ctx, normalized)
		if err != nil {
			return nil, fmt.Errorf("failed to look up user: %w", err)
		}
	}

	log.Info().Str("user_id", user.ID).Str("name", user.Name).Msg("user created")
	return user, nil
}

// GetUser retrieves a user by ID
func (s *UserService) GetUser(ctx context.Context, id string) (*domain.User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrUserNotFound
	}

	if s.cache != nil {
		cached, err := s.cache.Get(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("user_id", id).Msg("user cache read failed")
		} else if cached != nil {
			return cached, nil
		}
	}

	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, user); err != nil {
			log.Warn().Err(err).Str("user_id", id).Msg("user cache write failed")
		}
	}

	return user, nil
}
