package ollama

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

// Provider implements llm.Provider for Ollama
type Provider struct {
	host         string
	defaultModel string
	temperature  float32
	client       *http.Client
}

// NewProvider creates a new Ollama provider
func NewProvider(host, defaultModel string, temperature float32) *Provider {
	if defaultModel == "" {
		defaultModel = "llama3"
	}
	return &Provider{
		host:         strings.TrimRight(host, "/"),
		defaultModel: defaultModel,
		temperature:  temperature,
		client:       &http.Client{},
	}
}

// Name returns the provider identifier
func (p *Provider) Name() string {
	return "ollama"
}

// AvailableModels returns list of supported models
func (p *Provider) AvailableModels() []string {
	return []string{
		"llama3",
		"llama3.1",
		"llama3.2",
		"mistral",
		"mixtral",
		"phi3",
		"qwen2",
	}
}

// DefaultModel returns the default model
func (p *Provider) DefaultModel() string {
	return p.defaultModel
}

// IsConfigured checks if the provider has a host to talk to
func (p *Provider) IsConfigured() bool {
	return p.host != ""
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

// StreamReply streams a completion from /api/generate
func (p *Provider) StreamReply(ctx context.Context, req llm.Request, model string) (llm.Stream, error) {
	if !p.IsConfigured() {
		return nil, fmt.Errorf("%w: OLLAMA_HOST is not set", llm.ErrNotConfigured)
	}

	if model == "" {
		model = p.defaultModel
	}

	body, err := json.Marshal(generateRequest{
		Model:  model,
		Prompt: llm.BuildPrompt(req),
		Stream: true,
		Options: map[string]any{
			"temperature": p.temperature,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, p.host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &llm.ProviderError{Provider: p.Name(), Kind: llm.KindUnavailable, Reason: err.Error(), Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

		reason := fmt.Sprintf("ollama returned status %d", resp.StatusCode)
		var gr generateResponse
		if json.Unmarshal(raw, &gr) == nil && gr.Error != "" {
			reason = gr.Error
		}
		return nil, &llm.ProviderError{
			Provider:   p.Name(),
			Kind:       llm.KindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Reason:     reason,
		}
	}

	return llm.NewLineStream(resp.Body, p.parseLine, cancel, func(err error) error {
		return &llm.ProviderError{Provider: p.Name(), Kind: llm.KindUnavailable, Reason: err.Error(), Err: err}
	}), nil
}

// parseLine decodes one NDJSON object of the generate stream
func (p *Provider) parseLine(line []byte) (string, bool, error) {
	var gr generateResponse
	if err := json.Unmarshal(line, &gr); err != nil {
		return "", false, fmt.Errorf("failed to decode stream chunk: %w", err)
	}
	if gr.Error != "" {
		return "", true, &llm.ProviderError{Provider: p.Name(), Kind: llm.KindGeneric, Reason: gr.Error}
	}
	return gr.Response, gr.Done, nil
}
