package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Rrens/codex-chat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newMessageService() (*MessageService, *MockMessageRepository, *MockUserRepository) {
	messages := new(MockMessageRepository)
	users := new(MockUserRepository)
	return NewMessageService(messages, NewUserService(users, nil)), messages, users
}

func TestMessageService_PersistMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		svc, messages, users := newMessageService()

		users.On("GetByID", ctx, "u1").Return(&domain.User{ID: "u1"}, nil)
		messages.On("Create", ctx, mock.MatchedBy(func(m *domain.Message) bool {
			return m.ConversationID == "conv-1" && m.Role == domain.RoleModel && m.Content == "Hello world"
		})).Run(func(args mock.Arguments) {
			m := args.Get(1).(*domain.Message)
			m.ID = "m1"
			m.CreatedAt = time.Now()
		}).Return(nil)

		msg, err := svc.PersistMessage(ctx, " conv-1 ", "u1", domain.RoleModel, "  Hello world ")
		require.NoError(t, err)
		assert.Equal(t, "m1", msg.ID)
		assert.False(t, msg.CreatedAt.IsZero())
		messages.AssertExpectations(t)
	})

	t.Run("unknown role falls back to user", func(t *testing.T) {
		svc, messages, users := newMessageService()

		users.On("GetByID", ctx, "u1").Return(&domain.User{ID: "u1"}, nil)
		messages.On("Create", ctx, mock.MatchedBy(func(m *domain.Message) bool {
			return m.Role == domain.RoleUser
		})).Return(nil)

		_, err := svc.PersistMessage(ctx, "conv-1", "u1", domain.MessageRole("assistant"), "hi")
		require.NoError(t, err)
	})

	t.Run("validation", func(t *testing.T) {
		tests := []struct {
			name    string
			convID  string
			userID  string
			content string
			want    string
		}{
			{"missing conversation", "  ", "u1", "hi", "conversationId is required"},
			{"conversation too long", strings.Repeat("c", 201), "u1", "hi", "conversationId is too long"},
			{"missing user", "conv", "", "hi", "userId is required"},
			{"empty content", "conv", "u1", "   ", "content is required"},
			{"content too long", "conv", "u1", strings.Repeat("x", 8001), "content exceeds 8000 characters"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				svc, messages, _ := newMessageService()

				_, err := svc.PersistMessage(ctx, tt.convID, tt.userID, domain.RoleUser, tt.content)
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrValidation))
				assert.Equal(t, tt.want, err.Error())
				messages.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
			})
		}
	})

	t.Run("content at the limit is accepted", func(t *testing.T) {
		svc, messages, users := newMessageService()

		users.On("GetByID", ctx, "u1").Return(&domain.User{ID: "u1"}, nil)
		messages.On("Create", ctx, mock.AnythingOfType("*domain.Message")).Return(nil)

		_, err := svc.PersistMessage(ctx, "conv", "u1", domain.RoleUser, strings.Repeat("é", 8000))
		assert.NoError(t, err)
	})

	t.Run("unknown user", func(t *testing.T) {
		svc, messages, users := newMessageService()

		users.On("GetByID", ctx, "ghost").Return(nil, domain.ErrNotFound)

		_, err := svc.PersistMessage(ctx, "conv", "ghost", domain.RoleUser, "hi")
		assert.ErrorIs(t, err, ErrUserNotFound)
		messages.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})
}

func TestMessageService_FetchHistory(t *testing.T) {
	ctx := context.Background()

	t.Run("default limit", func(t *testing.T) {
		svc, messages, _ := newMessageService()

		messages.On("ListByConversation", ctx, "conv", domain.HistoryQuery{Limit: 200}).Return(nil, nil)

		got, err := svc.FetchHistory(ctx, "conv", domain.HistoryQuery{})
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})

	t.Run("limit is capped", func(t *testing.T) {
		svc, messages, _ := newMessageService()

		before := time.Now()
		expected := []domain.Message{{ID: "m2"}, {ID: "m1"}}
		messages.On("ListByConversation", ctx, "conv", domain.HistoryQuery{Limit: 500, Before: &before}).Return(expected, nil)

		got, err := svc.FetchHistory(ctx, "conv", domain.HistoryQuery{Limit: 10000, Before: &before})
		require.NoError(t, err)
		assert.Equal(t, expected, got)
	})

	t.Run("empty conversation id", func(t *testing.T) {
		svc, _, _ := newMessageService()

		_, err := svc.FetchHistory(ctx, " ", domain.HistoryQuery{})
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestClampHistoryLimit(t *testing.T) {
	assert.Equal(t, 200, ClampHistoryLimit(0))
	assert.Equal(t, 200, ClampHistoryLimit(-3))
	assert.Equal(t, 1, ClampHistoryLimit(1))
	assert.Equal(t, 500, ClampHistoryLimit(501))
	assert.Equal(t, 42, ClampHistoryLimit(42))
}
