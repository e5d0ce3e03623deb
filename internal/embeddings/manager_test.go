package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundline-ai/groundline/internal/chunking"
	"github.com/groundline-ai/groundline/internal/schemas"
	"github.com/groundline-ai/groundline/internal/tokenizer"
)

func embedServer(t *testing.T, dims int, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := embedResponse{Dimensions: dims, ModelUsed: req.Model}
		for range req.Texts {
			v := make([]float64, dims)
			v[0] = 3
			v[1] = 4
			resp.Embeddings = append(resp.Embeddings, v)
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func testChunker(maxTokens int) *chunking.Chunker {
	counter := tokenizer.NewCounter(tokenizer.Config{Model: "gpt-4", MaxTokens: maxTokens, SafetyMargin: 0.1})
	return chunking.New(chunking.Config{}, counter, nil)
}

func fastRetry() RetryConfig {
	return RetryConfig{InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond, MaxAttempts: 3}
}

func TestEmbedReturnsNormalizedVector(t *testing.T) {
	var calls int32
	srv := embedServer(t, 4, &calls)
	defer srv.Close()

	m := NewManager(Config{BaseURL: srv.URL, Model: "bge-m3", Dimensions: 4, Retry: fastRetry()}, nil, testChunker(512), nil)
	v, err := m.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	require.Len(t, v, 4)
	// (3,4,0,0) normalized -> (0.6,0.8,0,0)
	assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(v[1]), 1e-6)
}

func TestEmbedUsesLRUOnSecondCall(t *testing.T) {
	var calls int32
	srv := embedServer(t, 4, &calls)
	defer srv.Close()

	m := NewManager(Config{BaseURL: srv.URL, Model: "bge-m3", Dimensions: 4, Retry: fastRetry()}, nil, testChunker(512), nil)
	_, err := m.Embed(context.Background(), "cached text")
	require.NoError(t, err)
	_, err = m.Embed(context.Background(), "cached text")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestEmbedRetriesTransientFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float64{{1, 0}}, Dimensions: 2})
	}))
	defer srv.Close()

	m := NewManager(Config{BaseURL: srv.URL, Model: "bge-m3", Dimensions: 2, Retry: fastRetry()}, nil, testChunker(512), nil)
	v, err := m.Embed(context.Background(), "flaky")
	require.NoError(t, err)
	assert.Len(t, v, 2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestEmbedDoesNotRetryPayloadTooLarge(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	m := NewManager(Config{BaseURL: srv.URL, Model: "bge-m3", Retry: fastRetry()}, nil, testChunker(512), nil)
	_, err := m.Embed(context.Background(), "too big")
	require.Error(t, err)
	assert.True(t, errors.Is(err, schemas.ErrPayloadTooLarge))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "413 must not be retried")
}

func TestEmbedDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float64{{1, 2, 3}}, Dimensions: 3})
	}))
	defer srv.Close()

	m := NewManager(Config{BaseURL: srv.URL, Model: "bge-m3", Dimensions: 8, Retry: fastRetry()}, nil, testChunker(512), nil)
	_, err := m.Embed(context.Background(), "wrong dims")
	require.Error(t, err)
	var dm *schemas.DimensionMismatchError
	require.True(t, errors.As(err, &dm))
	assert.Equal(t, 8, dm.Expected)
	assert.Equal(t, 3, dm.Received)
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := embedResponse{Dimensions: 2}
		for _, text := range req.Texts {
			// Encode the text length so order is observable after
			// normalization via the component ratio.
			resp.Embeddings = append(resp.Embeddings, []float64{float64(len(text)), 1})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	m := NewManager(Config{BaseURL: srv.URL, Model: "bge-m3", Dimensions: 2, MaxBatchSize: 2, Retry: fastRetry()}, nil, testChunker(512), nil)
	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := m.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	for i, text := range texts {
		ratio := float64(vecs[i][0]) / float64(vecs[i][1])
		assert.InDelta(t, float64(len(text)), ratio, 1e-4, "text %q", text)
	}
}

func TestEmbedWithChunkingAssignsChunkIDs(t *testing.T) {
	var calls int32
	srv := embedServer(t, 4, &calls)
	defer srv.Close()

	m := NewManager(Config{BaseURL: srv.URL, Model: "bge-m3", Dimensions: 4, MaxBatchSize: 8, Retry: fastRetry()}, nil, testChunker(30), nil)
	text := "First sentence of the document. Second sentence follows here. Third sentence closes it out. Fourth adds more material."
	out, err := m.EmbedWithChunking(context.Background(), text, "t1", "d1", "body")
	require.NoError(t, err)
	require.Greater(t, len(out), 1)
	for _, ce := range out {
		assert.NotEmpty(t, ce.ChunkID)
		assert.Len(t, ce.Vector, 4)
		assert.Greater(t, ce.TokenCount, 0)
	}
	assert.Equal(t, schemas.ChunkID("t1", "d1", "body", out[0].StartIndex), out[0].ChunkID)
}

func TestRedisCacheRoundtrip(t *testing.T) {
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCache(cli)

	ctx := context.Background()
	key := MakeKey("bge-m3", "some text")
	c.Set(ctx, key, []float32{0.5, -1.25, 3}, time.Minute)
	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, []float32{0.5, -1.25, 3}, got)

	_, ok = c.Get(ctx, "emb:missing")
	assert.False(t, ok)
}

func TestNormalizeAndMean(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 1.0, math.Hypot(float64(v[0]), float64(v[1])), 1e-6)

	assert.Nil(t, MeanVector(nil))
	mean := MeanVector([][]float32{{1, 0}, {0, 1}})
	assert.Equal(t, []float32{0.5, 0.5}, mean)

	zero := Normalize([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, zero)
}

func TestHealthCheckCaches(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewManager(Config{BaseURL: srv.URL, Model: "bge-m3", Retry: fastRetry()}, nil, testChunker(512), nil)
	require.NoError(t, m.HealthCheck(context.Background()))
	require.NoError(t, m.HealthCheck(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second check within TTL hits the cache")
}
