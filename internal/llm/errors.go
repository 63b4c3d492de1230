package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotConfigured is returned when a provider has no usable credentials
var ErrNotConfigured = errors.New("provider is not configured")

// ErrorKind distinguishes provider failures that need different user-facing messages
type ErrorKind string

const (
	KindQuota       ErrorKind = "quota"
	KindUnavailable ErrorKind = "unavailable"
	KindGeneric     ErrorKind = "generic"
)

const (
	MessageQuota         = "The AI service quota has been exhausted. Please try again later."
	MessageNotConfigured = "The AI service is not configured."
	MessageGeneric       = "Failed to generate a response."
)

// ProviderError is a transport or service failure from an upstream provider
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Reason     string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Reason)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// KindForStatus maps an HTTP status code to an error kind
func KindForStatus(code int) ErrorKind {
	switch {
	case code == 429:
		return KindQuota
	case code >= 500:
		return KindUnavailable
	}
	return KindGeneric
}

// UserMessage converts a generation failure into text safe to show a client.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrNotConfigured) {
		return MessageNotConfigured
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Kind == KindQuota {
			return MessageQuota
		}
		if pe.Reason != "" {
			return pe.Reason
		}
		return MessageGeneric
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return MessageGeneric
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return MessageGeneric
}
