// Package llm abstracts chat-completion providers behind one client
// interface with streaming support. Supported providers: openai, anthropic,
// and vllm (OpenAI-compatible).
package llm

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/groundline-ai/groundline/internal/schemas"
)

// Config selects and tunes a provider client.
type Config struct {
	Provider    string // openai|anthropic|vllm
	Model       string
	Temperature float64
	MaxTokens   int
	BaseURL     string
	APIKey      string
	Streaming   bool
	Timeout     time.Duration
}

// CompletionRequest is one synthesis call.
type CompletionRequest struct {
	System    string
	Prompt    string
	MaxTokens int
}

// CompletionResponse is the non-streaming result.
type CompletionResponse struct {
	Text       string
	TokensUsed int
	Model      string
}

// StreamEvent is one unit of a streaming completion. Exactly one of Text,
// Err is meaningful per event; Done marks the final event.
type StreamEvent struct {
	Text       string
	Err        error
	Done       bool
	TokensUsed int
}

// Client is a chat-completion provider.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	// Stream sends events on the returned channel and closes it after the
	// Done event. Cancelling ctx stops the stream.
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error)
	Model() string
	Provider() string
}

// New builds a client for the configured provider. Unknown providers fail
// fast.
func New(cfg Config, log *zap.Logger) (Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	switch cfg.Provider {
	case "openai":
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.openai.com/v1"
		}
		return newOpenAIClient(cfg, log), nil
	case "vllm":
		// OpenAI-compatible wire format against a local endpoint.
		return newOpenAIClient(cfg, log), nil
	case "anthropic":
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.anthropic.com"
		}
		return newAnthropicClient(cfg, log), nil
	default:
		return nil, &schemas.ProviderError{Provider: cfg.Provider, Message: "unknown provider"}
	}
}
