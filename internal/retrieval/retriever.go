// Package retrieval orchestrates hybrid retrieval: dense and keyword search
// fan out concurrently, results merge with reciprocal rank fusion, and a
// short-TTL cache absorbs repeated queries.
package retrieval

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/groundline-ai/groundline/internal/metrics"
	"github.com/groundline-ai/groundline/internal/schemas"
)

// Searcher is one retrieval source.
type Searcher interface {
	Search(ctx context.Context, query string, userCtx schemas.UserContext, topK int) ([]schemas.RetrievedResult, error)
}

// Config tunes the retriever.
type Config struct {
	TopK     int
	Fusion   FusionConfig
	CacheCap int
	CacheTTL time.Duration
}

// Retriever runs hybrid retrieval over a dense and a keyword source. Either
// source may be nil, degrading to single-source retrieval.
type Retriever struct {
	dense   Searcher
	keyword Searcher
	cfg     Config
	cache   *resultCache
	log     *zap.Logger
}

func New(dense, keyword Searcher, cfg Config, log *zap.Logger) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.Fusion.K == 0 {
		cfg.Fusion = DefaultFusionConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Retriever{
		dense:   dense,
		keyword: keyword,
		cfg:     cfg,
		cache:   newResultCache(cfg.CacheCap, cfg.CacheTTL),
		log:     log,
	}
}

// Retrieve returns the fused, ranked result list for a query. Both sources
// run concurrently; a failure in either fails the whole retrieval since a
// silently half-empty result set would skew the guardrail.
func (r *Retriever) Retrieve(ctx context.Context, query string, userCtx schemas.UserContext) ([]schemas.RetrievedResult, error) {
	key := cacheKey(query, userCtx, r.cfg.TopK)
	if cached, ok := r.cache.get(key); ok {
		metrics.CacheHits.WithLabelValues("retrieval").Inc()
		return cached, nil
	}
	metrics.CacheMisses.WithLabelValues("retrieval").Inc()

	var vecResults, kwResults []schemas.RetrievedResult
	g, gctx := errgroup.WithContext(ctx)
	if r.dense != nil {
		g.Go(func() error {
			res, err := r.dense.Search(gctx, query, userCtx, r.cfg.TopK)
			if err != nil {
				return err
			}
			vecResults = res
			return nil
		})
	}
	if r.keyword != nil {
		g.Go(func() error {
			start := time.Now()
			res, err := r.keyword.Search(gctx, query, userCtx, r.cfg.TopK)
			if err != nil {
				return err
			}
			metrics.RetrievalStageDuration.WithLabelValues("keyword").Observe(time.Since(start).Seconds())
			kwResults = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	start := time.Now()
	fused := FuseRRF(vecResults, kwResults, r.cfg.Fusion)
	if len(fused) > r.cfg.TopK {
		fused = fused[:r.cfg.TopK]
	}
	metrics.RetrievalStageDuration.WithLabelValues("fusion").Observe(time.Since(start).Seconds())

	r.cache.set(key, fused)
	return fused, nil
}
