// Package reranker provides the optional cross-encoder rerank stage.
// Implementations are interchangeable; pipeline code treats rerank failure
// as non-fatal and falls back to the fused order.
package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/groundline-ai/groundline/internal/metrics"
	"github.com/groundline-ai/groundline/internal/schemas"
	"github.com/groundline-ai/groundline/internal/tracing"
)

// Reranker re-scores candidates against the query.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []schemas.RetrievedResult, topK int) ([]schemas.RetrievedResult, error)
}

// HTTPReranker calls a cross-encoder service.
type HTTPReranker struct {
	url  string
	http *http.Client
	log  *zap.Logger
}

func NewHTTP(url string, timeout time.Duration, log *zap.Logger) *HTTPReranker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPReranker{url: strings.TrimRight(url, "/"), http: &http.Client{Timeout: timeout}, log: log}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopK      int      `json:"top_k,omitempty"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

func (r *HTTPReranker) Rerank(ctx context.Context, query string, candidates []schemas.RetrievedResult, topK int) ([]schemas.RetrievedResult, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}
	start := time.Now()
	url := r.url + "/rerank"
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.Content
	}
	buf, _ := json.Marshal(rerankRequest{Query: query, Documents: docs, TopK: topK})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reranker call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reranker status %d", resp.StatusCode)
	}
	var rr rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, err
	}
	if len(rr.Scores) != len(candidates) {
		return nil, fmt.Errorf("reranker score count mismatch: sent %d got %d", len(candidates), len(rr.Scores))
	}
	metrics.RetrievalStageDuration.WithLabelValues("rerank").Observe(time.Since(start).Seconds())
	return applyScores(candidates, rr.Scores, topK), nil
}

// MockReranker scores by query term overlap. Used in tests and as a local
// fallback when no cross-encoder is deployed.
type MockReranker struct{}

func (MockReranker) Rerank(_ context.Context, query string, candidates []schemas.RetrievedResult, topK int) ([]schemas.RetrievedResult, error) {
	terms := strings.Fields(strings.ToLower(query))
	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		content := strings.ToLower(c.Content)
		hits := 0
		for _, t := range terms {
			if strings.Contains(content, t) {
				hits++
			}
		}
		if len(terms) > 0 {
			scores[i] = float64(hits) / float64(len(terms))
		}
	}
	return applyScores(candidates, scores, topK), nil
}

// applyScores attaches rerankerScore, re-sorts descending, truncates.
func applyScores(candidates []schemas.RetrievedResult, scores []float64, topK int) []schemas.RetrievedResult {
	out := make([]schemas.RetrievedResult, len(candidates))
	copy(out, candidates)
	for i := range out {
		out[i].RerankerScore = scores[i]
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RerankerScore > out[j].RerankerScore })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}
