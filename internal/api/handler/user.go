package handler

import (
	"encoding/json"
	"net/http"

	"github.com/Rrens/codex-chat/internal/api/response"
	"github.com/Rrens/codex-chat/internal/domain"
	"github.com/Rrens/codex-chat/internal/service"
	"github.com/go-chi/chi/v5"
)

// TokenIssuer signs session tokens for resolved users
type TokenIssuer interface {
	GenerateToken(userID, name string) (string, error)
}

// UserHandler handles user endpoints
type UserHandler struct {
	users  *service.UserService
	tokens TokenIssuer
	detail bool
}

// NewUserHandler creates a new user handler. tokens may be nil to skip
// issuing session tokens.
func NewUserHandler(users *service.UserService, tokens TokenIssuer, detail bool) *UserHandler {
	return &UserHandler{users: users, tokens: tokens, detail: detail}
}

type createUserRequest struct {
	Name   string `json:"name" validate:"required,max=200"`
	Avatar string `json:"avatar" validate:"max=2048"`
}

// UserResponse is a user plus an optional session token
type UserResponse struct {
	User  *domain.User `json:"user"`
	Token string       `json:"token,omitempty"`
}

// CreateOrGet returns the user with the given name, creating them on first use
func (h *UserHandler) CreateOrGet(w http.ResponseWriter, r *http.Request) {
	var input createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if err := validate.Struct(input); err != nil {
		response.BadRequest(w, decodeFailure(err))
		return
	}

	user, err := h.users.ResolveUser(r.Context(), input.Name, input.Avatar)
	if err != nil {
		serviceFailure(w, err, "Failed to create user", h.detail)
		return
	}

	resp := UserResponse{User: user}
	if h.tokens != nil {
		token, err := h.tokens.GenerateToken(user.ID, user.Name)
		if err != nil {
			serviceFailure(w, err, "Failed to issue session token", h.detail)
			return
		}
		resp.Token = token
	}

	response.OK(w, resp)
}

// Get returns a user by ID
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		serviceFailure(w, err, "Failed to fetch user", h.detail)
		return
	}

	response.OK(w, UserResponse{User: user})
}
