package handler

import (
	"errors"
	"net/http"

	"github.com/Rrens/codex-chat/internal/api/response"
	"github.com/Rrens/codex-chat/internal/service"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

var validate = validator.New()

// decodeFailure maps validator output to per-field messages
func decodeFailure(err error) any {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err.Error()
	}

	fields := make(map[string]string)
	for _, e := range validationErrors {
		switch e.Tag() {
		case "required":
			fields[e.Field()] = "field is required"
		case "max":
			fields[e.Field()] = "must be at most " + e.Param() + " characters"
		default:
			fields[e.Field()] = "validation failed on " + e.Tag()
		}
	}
	return fields
}

// serviceFailure writes the response for an error returned by a service.
// Unexpected errors only expose their text when detail is set.
func serviceFailure(w http.ResponseWriter, err error, fallback string, detail bool) {
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve):
		response.BadRequest(w, ve.Message)
	case errors.Is(err, service.ErrUserNotFound):
		response.NotFound(w, "User not found")
	default:
		log.Error().Err(err).Msg(fallback)
		if detail {
			response.ErrorWithDetail(w, http.StatusInternalServerError, fallback, err)
			return
		}
		response.InternalError(w, fallback)
	}
}
