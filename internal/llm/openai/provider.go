package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Rrens/codex-chat/internal/llm"
)

// Options configures an OpenAI-compatible chat completions provider
type Options struct {
	Name        string
	APIKey      string
	Model       string
	BaseURL     string
	Models      []string
	Temperature float32
	Client      *http.Client
}

// Provider implements llm.Provider for OpenAI-compatible APIs
type Provider struct {
	name         string
	apiKey       string
	defaultModel string
	baseURL      string
	models       []string
	temperature  float32
	client       *http.Client
}

// NewProvider creates a new OpenAI-compatible provider
func NewProvider(opts Options) *Provider {
	if opts.Name == "" {
		opts.Name = "openai"
	}
	if opts.Model == "" {
		opts.Model = "gpt-4o-mini"
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
	}
	if len(opts.Models) == 0 {
		opts.Models = []string{"gpt-4o-mini", "gpt-4o", "gpt-4-turbo", "gpt-3.5-turbo"}
	}
	if opts.Client == nil {
		// No overall timeout: replies are streamed and bounded by the request context.
		opts.Client = &http.Client{}
	}
	return &Provider{
		name:         opts.Name,
		apiKey:       opts.APIKey,
		defaultModel: opts.Model,
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		models:       opts.Models,
		temperature:  opts.Temperature,
		client:       opts.Client,
	}
}

// NewDeepSeekProvider creates a provider for DeepSeek's OpenAI-compatible API
func NewDeepSeekProvider(apiKey, model string, temperature float32) *Provider {
	if model == "" {
		model = "deepseek-chat"
	}
	return NewProvider(Options{
		Name:        "deepseek",
		APIKey:      apiKey,
		Model:       model,
		BaseURL:     "https://api.deepseek.com/v1",
		Models:      []string{"deepseek-chat", "deepseek-reasoner"},
		Temperature: temperature,
	})
}

// Name returns the provider identifier
func (p *Provider) Name() string {
	return p.name
}

// AvailableModels returns list of supported models
func (p *Provider) AvailableModels() []string {
	return p.models
}

// DefaultModel returns the default model
func (p *Provider) DefaultModel() string {
	return p.defaultModel
}

// IsConfigured checks if provider has valid credentials
func (p *Provider) IsConfigured() bool {
	return p.apiKey != ""
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// StreamReply starts a streamed chat completion
func (p *Provider) StreamReply(ctx context.Context, req llm.Request, model string) (llm.Stream, error) {
	if !p.IsConfigured() {
		return nil, fmt.Errorf("%w: %s API key is not set", llm.ErrNotConfigured, p.name)
	}

	if model == "" {
		model = p.defaultModel
	}

	body, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "user", Content: llm.BuildPrompt(req)},
		},
		Temperature: p.temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, p.providerError(0, err.Error(), err)
	}

	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		return nil, p.statusError(resp)
	}

	return llm.NewLineStream(resp.Body, parseEvent, cancel, func(err error) error {
		return p.providerError(0, err.Error(), err)
	}), nil
}

// parseEvent decodes one server-sent event line
func parseEvent(line []byte) (string, bool, error) {
	data, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		// comments, event names and retry hints
		return "", false, nil
	}
	data = bytes.TrimSpace(data)
	if string(data) == "[DONE]" {
		return "", true, nil
	}

	var chunk chatChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return "", false, fmt.Errorf("failed to decode stream chunk: %w", err)
	}

	var text string
	for _, choice := range chunk.Choices {
		text += choice.Delta.Content
	}
	return text, false, nil
}

func (p *Provider) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	reason := fmt.Sprintf("%s returned status %d", p.name, resp.StatusCode)
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil && eb.Error.Message != "" {
		reason = eb.Error.Message
	}
	return p.providerError(resp.StatusCode, reason, nil)
}

func (p *Provider) providerError(code int, reason string, err error) *llm.ProviderError {
	kind := llm.KindUnavailable
	if code != 0 {
		kind = llm.KindForStatus(code)
	}
	return &llm.ProviderError{
		Provider:   p.name,
		Kind:       kind,
		StatusCode: code,
		Reason:     reason,
		Err:        err,
	}
}
