package llm

import "context"

// Turn is one prior exchange in a conversation
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request contains reply generation parameters
type Request struct {
	History  []Turn
	Message  string
	UserName string
}

// Stream is a finite, non-restartable sequence of text fragments.
// Next returns io.EOF once the provider has finished. Close releases the
// underlying connection and may be called at any point, including mid-stream.
type Stream interface {
	Next() (string, error)
	Close() error
}

// Provider defines the interface for LLM providers
type Provider interface {
	// Name returns the provider identifier
	Name() string

	// AvailableModels returns list of supported models
	AvailableModels() []string

	// DefaultModel returns the default model
	DefaultModel() string

	// IsConfigured checks if provider has valid credentials
	IsConfigured() bool

	// StreamReply starts generating a reply for req
	StreamReply(ctx context.Context, req Request, model string) (Stream, error)
}
