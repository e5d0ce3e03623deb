package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/groundline-ai/groundline/internal/metrics"
	"github.com/groundline-ai/groundline/internal/schemas"
	"github.com/groundline-ai/groundline/internal/tracing"
)

const anthropicVersion = "2023-06-01"

type anthropicClient struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger
}

func newAnthropicClient(cfg Config, log *zap.Logger) *anthropicClient {
	return &anthropicClient{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, log: log}
}

func (c *anthropicClient) Model() string    { return c.cfg.Model }
func (c *anthropicClient) Provider() string { return c.cfg.Provider }

type antRequest struct {
	Model       string       `json:"model"`
	System      string       `json:"system,omitempty"`
	Messages    []antMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens"`
	Stream      bool         `json:"stream,omitempty"`
	Temperature float64      `json:"temperature,omitempty"`
}

type antMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type antResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model string `json:"model"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// antStreamEvent covers the streaming event payloads we care about.
type antStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *anthropicClient) post(ctx context.Context, body antRequest) (*http.Response, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/messages"
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	buf, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	tracing.InjectTraceparent(ctx, req)
	return c.http.Do(req)
}

func (c *anthropicClient) buildRequest(req CompletionRequest, stream bool) antRequest {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}
	return antRequest{
		Model:       c.cfg.Model,
		System:      req.System,
		Messages:    []antMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:   maxTokens,
		Stream:      stream,
		Temperature: c.cfg.Temperature,
	}
}

func (c *anthropicClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()
	resp, err := c.post(ctx, c.buildRequest(req, false))
	if err != nil {
		metrics.LLMRequests.WithLabelValues(c.cfg.Provider, c.cfg.Model, "error").Inc()
		return nil, &schemas.ProviderError{Provider: c.cfg.Provider, Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.LLMRequests.WithLabelValues(c.cfg.Provider, c.cfg.Model, "error").Inc()
		return nil, &schemas.ProviderError{Provider: c.cfg.Provider, Status: resp.StatusCode, Message: "messages call failed"}
	}
	var ar antResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("decode messages response: %w", err)
	}
	var text strings.Builder
	for _, block := range ar.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	metrics.LLMRequests.WithLabelValues(c.cfg.Provider, c.cfg.Model, "ok").Inc()
	metrics.LLMStreamDuration.WithLabelValues(c.cfg.Provider).Observe(time.Since(start).Seconds())
	return &CompletionResponse{
		Text:       text.String(),
		TokensUsed: ar.Usage.InputTokens + ar.Usage.OutputTokens,
		Model:      ar.Model,
	}, nil
}

func (c *anthropicClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error) {
	resp, err := c.post(ctx, c.buildRequest(req, true))
	if err != nil {
		metrics.LLMRequests.WithLabelValues(c.cfg.Provider, c.cfg.Model, "error").Inc()
		return nil, &schemas.ProviderError{Provider: c.cfg.Provider, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		metrics.LLMRequests.WithLabelValues(c.cfg.Provider, c.cfg.Model, "error").Inc()
		return nil, &schemas.ProviderError{Provider: c.cfg.Provider, Status: resp.StatusCode, Message: "stream request failed"}
	}

	out := make(chan StreamEvent, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		start := time.Now()
		parser := newSSEParser(resp.Body)
		tokens := 0
		for {
			if ctx.Err() != nil {
				out <- StreamEvent{Err: ctx.Err()}
				return
			}
			ev, err := parser.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				out <- StreamEvent{Err: err}
				return
			}
			var se antStreamEvent
			if err := json.Unmarshal([]byte(ev.Data), &se); err != nil {
				continue
			}
			switch se.Type {
			case "content_block_delta":
				if se.Delta.Text != "" {
					select {
					case out <- StreamEvent{Text: se.Delta.Text}:
					case <-ctx.Done():
						out <- StreamEvent{Err: ctx.Err()}
						return
					}
				}
			case "message_delta":
				if se.Usage.OutputTokens > 0 {
					tokens = se.Usage.OutputTokens
				}
			case "message_stop":
				metrics.LLMRequests.WithLabelValues(c.cfg.Provider, c.cfg.Model, "ok").Inc()
				metrics.LLMStreamDuration.WithLabelValues(c.cfg.Provider).Observe(time.Since(start).Seconds())
				if tokens > 0 {
					metrics.LLMTokensUsed.Observe(float64(tokens))
				}
				out <- StreamEvent{Done: true, TokensUsed: tokens}
				return
			}
		}
		out <- StreamEvent{Done: true, TokensUsed: tokens}
	}()
	return out, nil
}
