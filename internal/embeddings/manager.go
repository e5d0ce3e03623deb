// Package embeddings calls the embedding service over HTTP with caching,
// batching, retries, and token-aware chunking for oversized inputs.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/groundline-ai/groundline/internal/chunking"
	"github.com/groundline-ai/groundline/internal/metrics"
	"github.com/groundline-ai/groundline/internal/schemas"
	"github.com/groundline-ai/groundline/internal/tracing"
)

// RetryConfig controls backoff for transient embedding failures.
type RetryConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxAttempts  int
}

// Config holds embedding manager settings.
type Config struct {
	BaseURL      string
	Model        string
	Dimensions   int
	MaxBatchSize int
	Timeout      time.Duration
	CacheTTL     time.Duration
	MaxLRU       int
	Retry        RetryConfig
}

// ChunkEmbedding is one chunk's vector with its provenance.
type ChunkEmbedding struct {
	ChunkID     string
	Vector      []float32
	TokenCount  int
	StartIndex  int
	EndIndex    int
	SectionPath string
}

// Manager generates unit-normalized embeddings. Oversized single texts fall
// back to chunk-and-average; the per-chunk path is EmbedWithChunking.
type Manager struct {
	cfg     Config
	http    *http.Client
	cache   Cache
	lru     *LocalLRU
	chunker *chunking.Chunker
	limiter *rate.Limiter
	log     *zap.Logger

	healthMu sync.Mutex
	healthAt map[string]healthEntry
}

type healthEntry struct {
	ok      bool
	checked time.Time
}

const healthCacheTTL = 5 * time.Minute

// NewManager creates an embedding manager. cache may be nil (LRU only).
func NewManager(cfg Config, cache Cache, chunker *chunking.Chunker, log *zap.Logger) *Manager {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 32
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.MaxLRU == 0 {
		cfg.MaxLRU = 2048
	}
	if cfg.Retry.InitialDelay == 0 {
		cfg.Retry.InitialDelay = 500 * time.Millisecond
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 8 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		cache:   cache,
		lru:     NewLocalLRU(cfg.MaxLRU),
		chunker: chunker,
		// 100ms between batches keeps the embedding service from saturating.
		limiter:  rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
		log:      log,
		healthAt: make(map[string]healthEntry),
	}
}

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

// Embed returns the vector for a single text. Texts over the safe token
// limit are chunked and averaged into a mean vector, which loses per-chunk
// resolution; ingest should use EmbedWithChunking instead.
func (m *Manager) Embed(ctx context.Context, text string) ([]float32, error) {
	key := MakeKey(m.cfg.Model, text)
	if v, ok := m.lru.Get(ctx, key); ok {
		metrics.RecordEmbedding(m.cfg.Model, "lru_hit", 0)
		return v, nil
	}
	if m.cache != nil {
		if v, ok := m.cache.Get(ctx, key); ok {
			m.lru.Set(ctx, key, v, 30*time.Minute)
			metrics.RecordEmbedding(m.cfg.Model, "cache_hit", 0)
			return v, nil
		}
	}

	var vec []float32
	if m.chunker != nil && m.chunker.SafeTokenLimit() > 0 &&
		!withinLimit(m.chunker, text) {
		mean, err := m.embedMean(ctx, text)
		if err != nil {
			return nil, err
		}
		vec = mean
	} else {
		vecs, err := m.callService(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		vec = vecs[0]
	}

	m.lru.Set(ctx, key, vec, 30*time.Minute)
	if m.cache != nil {
		m.cache.Set(ctx, key, vec, m.cfg.CacheTTL)
	}
	return vec, nil
}

// EmbedBatch embeds texts preserving input order. Oversized entries are
// chunked and averaged.
func (m *Manager) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	results := make([][]float32, len(texts))

	var fits []string
	var fitIdx []int
	for i, t := range texts {
		key := MakeKey(m.cfg.Model, t)
		if v, ok := m.lru.Get(ctx, key); ok {
			results[i] = v
			metrics.RecordEmbedding(m.cfg.Model, "lru_hit", 0)
			continue
		}
		if m.cache != nil {
			if v, ok := m.cache.Get(ctx, key); ok {
				results[i] = v
				m.lru.Set(ctx, key, v, 30*time.Minute)
				metrics.RecordEmbedding(m.cfg.Model, "cache_hit", 0)
				continue
			}
		}
		if m.chunker != nil && !withinLimit(m.chunker, t) {
			mean, err := m.embedMean(ctx, t)
			if err != nil {
				return nil, err
			}
			results[i] = mean
			m.storeCached(ctx, key, mean)
			continue
		}
		fits = append(fits, t)
		fitIdx = append(fitIdx, i)
	}

	for start := 0; start < len(fits); start += m.cfg.MaxBatchSize {
		end := start + m.cfg.MaxBatchSize
		if end > len(fits) {
			end = len(fits)
		}
		if start > 0 {
			if err := m.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		vecs, err := m.callService(ctx, fits[start:end])
		if err != nil {
			return nil, err
		}
		for j, v := range vecs {
			i := fitIdx[start+j]
			results[i] = v
			m.storeCached(ctx, MakeKey(m.cfg.Model, fits[start+j]), v)
		}
	}
	return results, nil
}

// EmbedWithChunking chunks a document and returns one embedding per chunk
// with deterministic ids and offsets. Batches respect MaxBatchSize with
// rate-limited pacing between calls.
func (m *Manager) EmbedWithChunking(ctx context.Context, text, tenant, docID, sectionPath string) ([]ChunkEmbedding, error) {
	if m.chunker == nil {
		return nil, fmt.Errorf("embedding manager has no chunker configured")
	}
	res := m.chunker.Chunk(text, tenant, docID, sectionPath)
	if len(res.Chunks) == 0 {
		return nil, schemas.ErrNoDocuments
	}

	out := make([]ChunkEmbedding, len(res.Chunks))
	for start := 0; start < len(res.Chunks); start += m.cfg.MaxBatchSize {
		end := start + m.cfg.MaxBatchSize
		if end > len(res.Chunks) {
			end = len(res.Chunks)
		}
		if start > 0 {
			if err := m.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		batch := make([]string, 0, end-start)
		for _, ch := range res.Chunks[start:end] {
			batch = append(batch, ch.Text)
		}
		vecs, err := m.callService(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("embedding batch %d-%d: %w", start, end, err)
		}
		for j, v := range vecs {
			ch := res.Chunks[start+j]
			out[start+j] = ChunkEmbedding{
				ChunkID:     ch.ID,
				Vector:      v,
				TokenCount:  ch.TokenCount,
				StartIndex:  ch.StartIndex,
				EndIndex:    ch.EndIndex,
				SectionPath: ch.SectionPath,
			}
		}
	}
	return out, nil
}

// HealthCheck pings the embedding service; results are cached per URL.
func (m *Manager) HealthCheck(ctx context.Context) error {
	url := m.cfg.BaseURL + "/health"

	m.healthMu.Lock()
	if e, ok := m.healthAt[url]; ok && time.Since(e.checked) < healthCacheTTL {
		m.healthMu.Unlock()
		if e.ok {
			return nil
		}
		return fmt.Errorf("embedding service unhealthy (cached)")
	}
	m.healthMu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := m.http.Do(req)
	ok := err == nil && resp.StatusCode == http.StatusOK
	if resp != nil {
		resp.Body.Close()
	}

	m.healthMu.Lock()
	m.healthAt[url] = healthEntry{ok: ok, checked: time.Now()}
	m.healthMu.Unlock()

	if !ok {
		if err != nil {
			return fmt.Errorf("embedding service unreachable: %w", err)
		}
		return fmt.Errorf("embedding service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// embedMean chunks an oversized text, embeds each piece, and averages.
func (m *Manager) embedMean(ctx context.Context, text string) ([]float32, error) {
	m.log.Warn("text exceeds safe token limit, averaging chunk embeddings",
		zap.Int("chars", len(text)))
	res := m.chunker.Chunk(text, "mean", "mean", "")
	pieces := make([]string, 0, len(res.Chunks))
	for _, ch := range res.Chunks {
		pieces = append(pieces, ch.Text)
	}
	var vecs [][]float32
	for start := 0; start < len(pieces); start += m.cfg.MaxBatchSize {
		end := start + m.cfg.MaxBatchSize
		if end > len(pieces) {
			end = len(pieces)
		}
		if start > 0 {
			if err := m.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		batch, err := m.callService(ctx, pieces[start:end])
		if err != nil {
			return nil, err
		}
		vecs = append(vecs, batch...)
	}
	return Normalize(MeanVector(vecs)), nil
}

// callService is the single HTTP path: retry with exponential backoff on
// transient failures, fail fast on 413.
func (m *Manager) callService(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	delay := m.cfg.Retry.InitialDelay
	for attempt := 0; attempt < m.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * m.cfg.Retry.Multiplier)
			if delay > m.cfg.Retry.MaxDelay {
				delay = m.cfg.Retry.MaxDelay
			}
		}
		vecs, retryable, err := m.doRequest(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, fmt.Errorf("embedding failed after %d attempts: %w", m.cfg.Retry.MaxAttempts, lastErr)
}

func (m *Manager) doRequest(ctx context.Context, texts []string) (_ [][]float32, retryable bool, _ error) {
	start := time.Now()
	url := m.cfg.BaseURL + "/embeddings/"

	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	buf, _ := json.Marshal(embedRequest{Texts: texts, Model: m.cfg.Model})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := m.http.Do(req)
	if err != nil {
		metrics.RecordEmbedding(m.cfg.Model, "error", time.Since(start).Seconds())
		return nil, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		// Payload too large is never transient: the caller must re-chunk.
		metrics.RecordEmbedding(m.cfg.Model, "rechunk", time.Since(start).Seconds())
		return nil, false, schemas.ErrPayloadTooLarge
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		metrics.RecordEmbedding(m.cfg.Model, "error", time.Since(start).Seconds())
		return nil, true, fmt.Errorf("embedding http status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		metrics.RecordEmbedding(m.cfg.Model, "error", time.Since(start).Seconds())
		return nil, false, fmt.Errorf("embedding http status %d", resp.StatusCode)
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		metrics.RecordEmbedding(m.cfg.Model, "error", time.Since(start).Seconds())
		return nil, false, err
	}
	if len(er.Embeddings) != len(texts) {
		metrics.RecordEmbedding(m.cfg.Model, "error", time.Since(start).Seconds())
		return nil, false, fmt.Errorf("embedding count mismatch: sent %d got %d", len(texts), len(er.Embeddings))
	}

	out := make([][]float32, len(er.Embeddings))
	for i, e := range er.Embeddings {
		v := make([]float32, len(e))
		for j, f := range e {
			v[j] = float32(f)
		}
		if m.cfg.Dimensions > 0 && len(v) != m.cfg.Dimensions {
			metrics.RecordEmbedding(m.cfg.Model, "error", time.Since(start).Seconds())
			return nil, false, &schemas.DimensionMismatchError{Expected: m.cfg.Dimensions, Received: len(v)}
		}
		out[i] = Normalize(v)
	}
	status := "ok"
	if len(texts) > 1 {
		status = "batch_ok"
	}
	metrics.RecordEmbedding(m.cfg.Model, status, time.Since(start).Seconds())
	return out, false, nil
}

func (m *Manager) storeCached(ctx context.Context, key string, v []float32) {
	m.lru.Set(ctx, key, v, 30*time.Minute)
	if m.cache != nil {
		m.cache.Set(ctx, key, v, m.cfg.CacheTTL)
	}
}

func withinLimit(c *chunking.Chunker, text string) bool {
	// Cheap length screen before the exact count.
	if len(text) <= c.SafeTokenLimit()*2 {
		return true
	}
	return c.Count(text) <= c.SafeTokenLimit()
}

// Normalize scales a vector to unit length. Zero vectors pass unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) * inv)
	}
	return out
}

// MeanVector averages vectors element-wise. Empty input yields nil.
func MeanVector(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	out := make([]float32, len(vecs[0]))
	for _, v := range vecs {
		for i := range v {
			if i < len(out) {
				out[i] += v[i]
			}
		}
	}
	n := float32(len(vecs))
	for i := range out {
		out[i] /= n
	}
	return out
}
