package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/Rrens/codex-chat/internal/config"
	"github.com/Rrens/codex-chat/internal/llm"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const name = "gemini"

// Provider implements llm.Provider for Google Gemini. The SDK client is
// created on first use and reused afterwards.
type Provider struct {
	apiKey      string
	model       string
	temperature float32

	mu     sync.Mutex
	client *genai.Client
}

func NewProvider(cfg config.GeminiConfig, temperature float32) *Provider {
	return &Provider{
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: temperature,
	}
}

func (p *Provider) Name() string {
	return name
}

func (p *Provider) AvailableModels() []string {
	return []string{
		"gemini-2.5-flash",
		"gemini-2.5-pro",
		"gemini-1.5-flash",
		"gemini-1.5-pro",
	}
}

func (p *Provider) DefaultModel() string {
	if p.model != "" {
		return p.model
	}
	return "gemini-2.5-flash"
}

func (p *Provider) IsConfigured() bool {
	return p.apiKey != ""
}

func (p *Provider) getClient() (*genai.Client, error) {
	if !p.IsConfigured() {
		return nil, fmt.Errorf("%w: GEMINI_API_KEY is not set", llm.ErrNotConfigured)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		// The client outlives any single request.
		client, err := genai.NewClient(context.Background(), option.WithAPIKey(p.apiKey))
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini client: %w", err)
		}
		p.client = client
	}
	return p.client, nil
}

func (p *Provider) StreamReply(ctx context.Context, req llm.Request, model string) (llm.Stream, error) {
	client, err := p.getClient()
	if err != nil {
		return nil, err
	}

	if model == "" {
		model = p.DefaultModel()
	}

	generativeModel := client.GenerativeModel(model)
	generativeModel.SetTemperature(p.temperature)

	streamCtx, cancel := context.WithCancel(ctx)
	iter := generativeModel.GenerateContentStream(streamCtx, genai.Text(llm.BuildPrompt(req)))

	return &stream{iter: iter, cancel: cancel}, nil
}

// Close releases the SDK client if one was created
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}

type stream struct {
	iter   *genai.GenerateContentResponseIterator
	cancel context.CancelFunc
	done   bool
}

func (s *stream) Next() (string, error) {
	for !s.done {
		resp, err := s.iter.Next()
		if errors.Is(err, iterator.Done) {
			s.done = true
			break
		}
		if err != nil {
			s.done = true
			return "", classify(err)
		}
		if text := textOf(resp); text != "" {
			return text, nil
		}
	}
	return "", io.EOF
}

func (s *stream) Close() error {
	s.cancel()
	return nil
}

func textOf(resp *genai.GenerateContentResponse) string {
	var out string
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				out += string(text)
			}
		}
		break
	}
	return out
}

// classify maps SDK failures to provider errors. Context errors pass through
// so callers can tell an abandoned stream from a failed one.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	pe := &llm.ProviderError{
		Provider: name,
		Kind:     llm.KindGeneric,
		Reason:   err.Error(),
		Err:      err,
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		pe.StatusCode = apiErr.Code
		pe.Kind = llm.KindForStatus(apiErr.Code)
		if apiErr.Message != "" {
			pe.Reason = apiErr.Message
		}
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.ResourceExhausted:
			pe.Kind = llm.KindQuota
			pe.StatusCode = http.StatusTooManyRequests
		case codes.Unavailable:
			pe.Kind = llm.KindUnavailable
		}
		if st.Message() != "" {
			pe.Reason = st.Message()
		}
	}

	return pe
}
