// Package vectordb is a minimal Qdrant HTTP client scoped to chunk storage:
// dense search with adaptive ef, full-text scroll for keyword retrieval,
// upserts, and filtered deletes.
package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/groundline-ai/groundline/internal/metrics"
	"github.com/groundline-ai/groundline/internal/tracing"
)

// Client is a minimal Qdrant HTTP client.
type Client struct {
	cfg  Config
	http *http.Client
	base string
	log  *zap.Logger
}

// New creates a Qdrant client.
func New(cfg Config, log *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.EfBase == 0 {
		cfg.EfBase = 128
	}
	if cfg.EfMin == 0 {
		cfg.EfMin = 64
	}
	if cfg.EfMax == 0 {
		cfg.EfMax = 512
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		base: strings.TrimRight(cfg.URL, "/"),
		log:  log,
	}
}

// Collection returns the configured collection name.
func (c *Client) Collection() string { return c.cfg.Collection }

// AdaptiveEf scales the HNSW ef parameter with query length: longer queries
// get a wider beam, clamped to [EfMin, EfMax].
func (c *Client) AdaptiveEf(queryWordCount int) int {
	scale := float64(queryWordCount) / 10
	if scale > 1 {
		scale = 1
	}
	ef := int(float64(c.cfg.EfBase) * (1 + scale))
	if ef < c.cfg.EfMin {
		ef = c.cfg.EfMin
	}
	if ef > c.cfg.EfMax {
		ef = c.cfg.EfMax
	}
	return ef
}

type qdrantQueryRequest struct {
	Query          []float32              `json:"query"`
	Limit          int                    `json:"limit"`
	ScoreThreshold *float64               `json:"score_threshold,omitempty"`
	WithPayload    bool                   `json:"with_payload"`
	Filter         map[string]interface{} `json:"filter,omitempty"`
	Params         map[string]interface{} `json:"params,omitempty"`
}

type qdrantPoint struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
	Vector  []float32              `json:"vector,omitempty"`
}

type qdrantSearchResponse struct {
	Result []qdrantPoint `json:"result"`
	Status string        `json:"status"`
}

// qdrantQueryResponse for the /points/query endpoint which nests points.
type qdrantQueryResponse struct {
	Result struct {
		Points []qdrantPoint `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

func (c *Client) do(ctx context.Context, method, url string, body interface{}) (*http.Response, error) {
	var rdr *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(buf)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("api-key", c.cfg.APIKey)
	}
	tracing.InjectTraceparent(ctx, req)
	return c.http.Do(req)
}

// Search runs dense vector search with the given filter. ef tunes the HNSW
// beam width; pass 0 to let the store decide.
func (c *Client) Search(ctx context.Context, vec []float32, limit int, threshold float64, filter map[string]interface{}, ef int) ([]ScoredPoint, error) {
	start := time.Now()
	collection := c.cfg.Collection

	urlQuery := fmt.Sprintf("%s/collections/%s/points/query", c.base, collection)
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", urlQuery)
	defer span.End()

	var thr *float64
	if threshold > 0 {
		thr = &threshold
	}
	var params map[string]interface{}
	if ef > 0 {
		params = map[string]interface{}{"hnsw_ef": ef}
	}
	reqBody := qdrantQueryRequest{Query: vec, Limit: limit, ScoreThreshold: thr, WithPayload: true, Filter: filter, Params: params}

	resp, err := c.do(ctx, http.MethodPost, urlQuery, reqBody)
	if err != nil {
		metrics.RecordVectorSearch(collection, "error", time.Since(start).Seconds())
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Fallback to legacy /points/search for older servers.
		legacy := map[string]interface{}{"vector": vec, "limit": limit, "with_payload": true}
		if threshold > 0 {
			legacy["score_threshold"] = threshold
		}
		if filter != nil {
			legacy["filter"] = filter
		}
		if params != nil {
			legacy["params"] = params
		}
		urlSearch := fmt.Sprintf("%s/collections/%s/points/search", c.base, collection)
		resp2, err2 := c.do(ctx, http.MethodPost, urlSearch, legacy)
		if err2 != nil {
			metrics.RecordVectorSearch(collection, "error", time.Since(start).Seconds())
			return nil, fmt.Errorf("qdrant query/search failed: %w", err2)
		}
		defer resp2.Body.Close()
		if resp2.StatusCode != http.StatusOK {
			metrics.RecordVectorSearch(collection, "error", time.Since(start).Seconds())
			return nil, fmt.Errorf("qdrant status %d", resp2.StatusCode)
		}
		var sr qdrantSearchResponse
		if err := json.NewDecoder(resp2.Body).Decode(&sr); err != nil {
			metrics.RecordVectorSearch(collection, "error", time.Since(start).Seconds())
			return nil, err
		}
		metrics.RecordVectorSearch(collection, "ok", time.Since(start).Seconds())
		return toScored(sr.Result), nil
	}

	var qr qdrantQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		metrics.RecordVectorSearch(collection, "error", time.Since(start).Seconds())
		return nil, err
	}
	metrics.RecordVectorSearch(collection, "ok", time.Since(start).Seconds())
	return toScored(qr.Result.Points), nil
}

type qdrantScrollRequest struct {
	Filter      map[string]interface{} `json:"filter,omitempty"`
	Limit       int                    `json:"limit"`
	WithPayload bool                   `json:"with_payload"`
	Offset      interface{}            `json:"offset,omitempty"`
}

type qdrantScrollResponse struct {
	Result struct {
		Points         []qdrantPoint `json:"points"`
		NextPageOffset interface{}   `json:"next_page_offset"`
	} `json:"result"`
	Status string `json:"status"`
}

// Scroll pages through points matching a filter. Returns the points and the
// offset for the next page (nil when exhausted).
func (c *Client) Scroll(ctx context.Context, filter map[string]interface{}, limit int, offset interface{}) ([]ScoredPoint, interface{}, error) {
	url := fmt.Sprintf("%s/collections/%s/points/scroll", c.base, c.cfg.Collection)
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	resp, err := c.do(ctx, http.MethodPost, url, qdrantScrollRequest{
		Filter: filter, Limit: limit, WithPayload: true, Offset: offset,
	})
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("qdrant scroll status %d", resp.StatusCode)
	}
	var sr qdrantScrollResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, nil, err
	}
	return toScored(sr.Result.Points), sr.Result.NextPageOffset, nil
}

// Upsert writes points into the collection.
func (c *Client) Upsert(ctx context.Context, points []UpsertItem) (*UpsertResponse, error) {
	url := fmt.Sprintf("%s/collections/%s/points?wait=true", c.base, c.cfg.Collection)
	ctx, span := tracing.StartHTTPSpan(ctx, "PUT", url)
	defer span.End()

	resp, err := c.do(ctx, http.MethodPut, url, map[string]interface{}{"points": points})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("qdrant upsert status %d", resp.StatusCode)
	}
	var r UpsertResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, err
	}
	metrics.IngestChunksWritten.Add(float64(len(points)))
	return &r, nil
}

// DeleteByFilter removes every point matching the filter. Tombstones use
// TenantDocFilter so a delete can never cross tenants.
func (c *Client) DeleteByFilter(ctx context.Context, filter map[string]interface{}) error {
	url := fmt.Sprintf("%s/collections/%s/points/delete?wait=true", c.base, c.cfg.Collection)
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	resp, err := c.do(ctx, http.MethodPost, url, map[string]interface{}{"filter": filter})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant delete status %d", resp.StatusCode)
	}
	return nil
}

// EnsureCollection creates the collection when missing. Existing collections
// are left untouched.
func (c *Client) EnsureCollection(ctx context.Context, params CollectionParams) error {
	checkURL := fmt.Sprintf("%s/collections/%s", c.base, c.cfg.Collection)
	resp, err := c.do(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	body := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     params.VectorSize,
			"distance": params.Distance,
		},
		"hnsw_config": map[string]interface{}{
			"m":            params.HnswM,
			"ef_construct": params.HnswEfConstruct,
		},
		"quantization_config": map[string]interface{}{
			"scalar": map[string]interface{}{
				"type":       "int8",
				"quantile":   params.QuantizationQuantile,
				"always_ram": true,
			},
		},
	}
	resp2, err := c.do(ctx, http.MethodPut, checkURL, body)
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode < 200 || resp2.StatusCode >= 300 {
		return fmt.Errorf("create collection status %d", resp2.StatusCode)
	}
	c.log.Info("collection created",
		zap.String("collection", c.cfg.Collection),
		zap.Int("vector_size", params.VectorSize))
	return nil
}

// EnsurePayloadIndexes creates the payload indexes needed by filters and
// keyword search. Conflicts on re-creation are ignored.
func (c *Client) EnsurePayloadIndexes(ctx context.Context) error {
	url := fmt.Sprintf("%s/collections/%s/index", c.base, c.cfg.Collection)
	for field, schema := range PayloadIndexes {
		body := map[string]interface{}{
			"field_name":   field,
			"field_schema": schema,
		}
		if schema == "text" {
			body["field_schema"] = map[string]interface{}{
				"type":      "text",
				"tokenizer": "word",
				"lowercase": true,
			}
		}
		resp, err := c.do(ctx, http.MethodPut, url, body)
		if err != nil {
			return fmt.Errorf("index %s: %w", field, err)
		}
		resp.Body.Close()
		// 4xx here usually means the index already exists.
		if resp.StatusCode >= 500 {
			return fmt.Errorf("index %s: status %d", field, resp.StatusCode)
		}
	}
	return nil
}

// Health checks the Qdrant liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("qdrant health status %d", resp.StatusCode)
	}
	return nil
}

func toScored(points []qdrantPoint) []ScoredPoint {
	out := make([]ScoredPoint, 0, len(points))
	for _, p := range points {
		out = append(out, ScoredPoint{
			ID:      fmt.Sprintf("%v", p.ID),
			Score:   p.Score,
			Payload: p.Payload,
			Vector:  p.Vector,
		})
	}
	return out
}
