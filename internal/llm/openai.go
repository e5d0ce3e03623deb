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

// openaiClient speaks the OpenAI chat-completions wire format. vLLM and
// other compatible servers reuse it with a different base URL.
type openaiClient struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger
}

func newOpenAIClient(cfg Config, log *zap.Logger) *openaiClient {
	return &openaiClient{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, log: log}
}

func (c *openaiClient) Model() string    { return c.cfg.Model }
func (c *openaiClient) Provider() string { return c.cfg.Provider }

type oaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaRequest struct {
	Model       string      `json:"model"`
	Messages    []oaMessage `json:"messages"`
	Temperature float64     `json:"temperature"`
	MaxTokens   int         `json:"max_tokens"`
	Stream      bool        `json:"stream"`
}

type oaResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

func (c *openaiClient) buildRequest(req CompletionRequest, stream bool) oaRequest {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}
	msgs := []oaMessage{}
	if req.System != "" {
		msgs = append(msgs, oaMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, oaMessage{Role: "user", Content: req.Prompt})
	return oaRequest{
		Model:       c.cfg.Model,
		Messages:    msgs,
		Temperature: c.cfg.Temperature,
		MaxTokens:   maxTokens,
		Stream:      stream,
	}
}

func (c *openaiClient) post(ctx context.Context, body oaRequest) (*http.Response, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	buf, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	tracing.InjectTraceparent(ctx, req)
	return c.http.Do(req)
}

func (c *openaiClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()
	resp, err := c.post(ctx, c.buildRequest(req, false))
	if err != nil {
		metrics.LLMRequests.WithLabelValues(c.cfg.Provider, c.cfg.Model, "error").Inc()
		return nil, &schemas.ProviderError{Provider: c.cfg.Provider, Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.LLMRequests.WithLabelValues(c.cfg.Provider, c.cfg.Model, "error").Inc()
		return nil, &schemas.ProviderError{Provider: c.cfg.Provider, Status: resp.StatusCode, Message: "chat completion failed"}
	}
	var or oaResponse
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	if len(or.Choices) == 0 {
		return nil, &schemas.ProviderError{Provider: c.cfg.Provider, Message: "no choices returned"}
	}
	metrics.LLMRequests.WithLabelValues(c.cfg.Provider, c.cfg.Model, "ok").Inc()
	metrics.LLMStreamDuration.WithLabelValues(c.cfg.Provider).Observe(time.Since(start).Seconds())
	model := or.Model
	if model == "" {
		model = c.cfg.Model
	}
	return &CompletionResponse{
		Text:       or.Choices[0].Message.Content,
		TokensUsed: or.Usage.TotalTokens,
		Model:      model,
	}, nil
}

func (c *openaiClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error) {
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
			if strings.TrimSpace(ev.Data) == "[DONE]" {
				break
			}
			var or oaResponse
			if err := json.Unmarshal([]byte(ev.Data), &or); err != nil {
				continue
			}
			if or.Usage.TotalTokens > 0 {
				tokens = or.Usage.TotalTokens
			}
			if len(or.Choices) > 0 && or.Choices[0].Delta.Content != "" {
				select {
				case out <- StreamEvent{Text: or.Choices[0].Delta.Content}:
				case <-ctx.Done():
					out <- StreamEvent{Err: ctx.Err()}
					return
				}
			}
		}
		metrics.LLMRequests.WithLabelValues(c.cfg.Provider, c.cfg.Model, "ok").Inc()
		metrics.LLMStreamDuration.WithLabelValues(c.cfg.Provider).Observe(time.Since(start).Seconds())
		if tokens > 0 {
			metrics.LLMTokensUsed.Observe(float64(tokens))
		}
		out <- StreamEvent{Done: true, TokensUsed: tokens}
	}()
	return out, nil
}
