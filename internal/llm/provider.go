// Package llm defines the uniform inference seam between the pipeline and
// LLM backends. Provider-specific adaptation lives in this package's thin
// clients; the pipeline only ever sees InferenceRequest/InferenceResponse.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/omnibot-dev/omnibot/pkg/models"
)

// ErrNoProvider is returned when a pipeline stage needs inference but no
// provider is configured.
var ErrNoProvider = errors.New("llm: no provider configured")

// ChatMessage is one conversation entry in an inference request.
type ChatMessage struct {
	Role        models.Role
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// ToolSchema describes a callable tool for the model.
type ToolSchema struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// InferenceRequest is a complete request to an LLM backend.
type InferenceRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	Tools       []ToolSchema
	MaxTokens   int
	Temperature float32
}

// Usage reports token consumption for one inference.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// InferenceResponse is the model's reply: text, tool call requests, or both.
type InferenceResponse struct {
	Text      string
	ToolCalls []models.ToolCall
	Usage     Usage
	Model     string
}

// Provider is a single LLM backend.
//
// Implementations must be safe for concurrent use; the dispatcher runs many
// turns at once against the same provider.
type Provider interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// Complete sends the request and returns the full response.
	Complete(ctx context.Context, req *InferenceRequest) (*InferenceResponse, error)
}

// Config configures one provider instance.
type Config struct {
	// Provider selects the backend: "anthropic", "openai", or "stub".
	Provider string `yaml:"provider"`
	// APIKey authenticates against the backend.
	APIKey string `yaml:"api_key"`
	// BaseURL overrides the backend endpoint (proxies, self-hosted).
	BaseURL string `yaml:"base_url"`
	// DefaultModel is used when a request leaves Model empty.
	DefaultModel string `yaml:"default_model"`
	// MaxTokens is the default response budget.
	MaxTokens int `yaml:"max_tokens"`
}

// New creates the provider named by the configuration.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicProvider(cfg)
	case "openai":
		return NewOpenAIProvider(cfg)
	case "stub":
		return NewStubProvider(), nil
	case "":
		return nil, errors.New("llm: provider is required")
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}
