package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundline-ai/groundline/internal/schemas"
)

func TestSSEParserBasic(t *testing.T) {
	stream := "event: chunk\ndata: hello\n\nevent: chunk\ndata: world\n\n"
	p := newSSEParser(strings.NewReader(stream))

	ev, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "chunk", ev.Event)
	assert.Equal(t, "hello", ev.Data)

	ev, err = p.Next()
	require.NoError(t, err)
	assert.Equal(t, "world", ev.Data)

	_, err = p.Next()
	assert.Equal(t, io.EOF, err)
}

func TestSSEParserMultilineData(t *testing.T) {
	p := newSSEParser(strings.NewReader("data: line1\ndata: line2\n\n"))
	ev, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2", ev.Data)
}

func TestSSEParserMissingTrailingBlankLine(t *testing.T) {
	p := newSSEParser(strings.NewReader("data: tail"))
	ev, err := p.Next()
	require.NoError(t, err, "event at EOF without blank line still flushes")
	assert.Equal(t, "tail", ev.Data)

	_, err = p.Next()
	assert.Equal(t, io.EOF, err)
}

func TestSSEParserIgnoresHeartbeats(t *testing.T) {
	p := newSSEParser(strings.NewReader(": keepalive\n\ndata: real\n\n"))
	ev, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "real", ev.Data)
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New(Config{Provider: "mystery"}, nil)
	require.Error(t, err)
	var pe *schemas.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "mystery", pe.Provider)
}

func TestOpenAIComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req oaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, "system prompt", req.Messages[0].Content)
		io.WriteString(w, `{"choices":[{"message":{"content":"the answer"}}],"usage":{"total_tokens":42},"model":"gpt-4o-mini"}`)
	}))
	defer srv.Close()

	cli, err := New(Config{Provider: "openai", Model: "gpt-4o-mini", BaseURL: srv.URL + "/v1", APIKey: "sk-test"}, nil)
	require.NoError(t, err)
	resp, err := cli.Complete(context.Background(), CompletionRequest{System: "system prompt", Prompt: "q"})
	require.NoError(t, err)
	assert.Equal(t, "the answer", resp.Text)
	assert.Equal(t, 42, resp.TokensUsed)
	assert.Equal(t, "gpt-4o-mini", resp.Model)
}

func TestOpenAIStreamParsesUntilDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req oaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}],\"usage\":{\"total_tokens\":7}}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	cli, err := New(Config{Provider: "vllm", Model: "llama", BaseURL: srv.URL}, nil)
	require.NoError(t, err)
	ch, err := cli.Stream(context.Background(), CompletionRequest{Prompt: "q"})
	require.NoError(t, err)

	var text strings.Builder
	var done StreamEvent
	for ev := range ch {
		require.NoError(t, ev.Err)
		if ev.Done {
			done = ev
			continue
		}
		text.WriteString(ev.Text)
	}
	assert.Equal(t, "Hello", text.String())
	assert.True(t, done.Done)
	assert.Equal(t, 7, done.TokensUsed)
}

func TestOpenAIStreamHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cli, err := New(Config{Provider: "openai", Model: "m", BaseURL: srv.URL}, nil)
	require.NoError(t, err)
	_, err = cli.Stream(context.Background(), CompletionRequest{Prompt: "q"})
	require.Error(t, err)
	var pe *schemas.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusTooManyRequests, pe.Status)
	assert.True(t, pe.Retryable())
}

func TestAnthropicComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		require.Equal(t, "key-1", r.Header.Get("x-api-key"))
		require.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		io.WriteString(w, `{"content":[{"type":"text","text":"claude says"}],"model":"claude-3-5-haiku","usage":{"input_tokens":10,"output_tokens":5}}`)
	}))
	defer srv.Close()

	cli, err := New(Config{Provider: "anthropic", Model: "claude-3-5-haiku", BaseURL: srv.URL, APIKey: "key-1"}, nil)
	require.NoError(t, err)
	resp, err := cli.Complete(context.Background(), CompletionRequest{Prompt: "q"})
	require.NoError(t, err)
	assert.Equal(t, "claude says", resp.Text)
	assert.Equal(t, 15, resp.TokensUsed)
}

func TestAnthropicStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi\"}}\n\n")
		io.WriteString(w, "event: message_delta\ndata: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":3}}\n\n")
		io.WriteString(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	cli, err := New(Config{Provider: "anthropic", Model: "claude-3-5-haiku", BaseURL: srv.URL, APIKey: "k"}, nil)
	require.NoError(t, err)
	ch, err := cli.Stream(context.Background(), CompletionRequest{Prompt: "q"})
	require.NoError(t, err)

	var text strings.Builder
	sawDone := false
	for ev := range ch {
		require.NoError(t, ev.Err)
		if ev.Done {
			sawDone = true
			assert.Equal(t, 3, ev.TokensUsed)
			continue
		}
		text.WriteString(ev.Text)
	}
	assert.Equal(t, "Hi", text.String())
	assert.True(t, sawDone)
}

func TestFactoryCachesPerTenant(t *testing.T) {
	f := NewFactory(Config{Provider: "openai", Model: "gpt-4o-mini"}, nil)
	a, err := f.ForTenant("acme")
	require.NoError(t, err)
	b, err := f.ForTenant("acme")
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := f.ForTenant("globex")
	require.NoError(t, err)
	assert.NotSame(t, a, c)
}

func TestFactoryHotSwap(t *testing.T) {
	f := NewFactory(Config{Provider: "openai", Model: "gpt-4o-mini"}, nil)
	before, err := f.ForTenant("acme")
	require.NoError(t, err)

	f.SetTenantConfig("acme", Config{Provider: "anthropic", Model: "claude-3-5-haiku"})
	after, err := f.ForTenant("acme")
	require.NoError(t, err)
	assert.NotSame(t, before, after)
	assert.Equal(t, "anthropic", after.Provider())
}

func TestFactoryBadOverrideSurfacesError(t *testing.T) {
	f := NewFactory(Config{Provider: "openai", Model: "m"}, nil)
	f.SetTenantConfig("acme", Config{Provider: "nope"})
	_, err := f.ForTenant("acme")
	require.Error(t, err)
}
