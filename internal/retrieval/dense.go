package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/groundline-ai/groundline/internal/embeddings"
	"github.com/groundline-ai/groundline/internal/metrics"
	"github.com/groundline-ai/groundline/internal/schemas"
	"github.com/groundline-ai/groundline/internal/vectordb"
)

// DenseSearcher embeds the query and searches the vector store with the
// caller's tenant+ACL filter and an adaptive ef.
type DenseSearcher struct {
	embedder  *embeddings.Manager
	store     *vectordb.Client
	threshold float64
	log       *zap.Logger
}

func NewDenseSearcher(embedder *embeddings.Manager, store *vectordb.Client, threshold float64, log *zap.Logger) *DenseSearcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &DenseSearcher{embedder: embedder, store: store, threshold: threshold, log: log}
}

func (d *DenseSearcher) Search(ctx context.Context, query string, userCtx schemas.UserContext, topK int) ([]schemas.RetrievedResult, error) {
	start := time.Now()
	vec, err := d.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	ef := d.store.AdaptiveEf(len(strings.Fields(query)))
	points, err := d.store.Search(ctx, vec, topK, d.threshold, vectordb.ACLFilter(userCtx), ef)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	metrics.RetrievalStageDuration.WithLabelValues("vector").Observe(time.Since(start).Seconds())

	out := make([]schemas.RetrievedResult, 0, len(points))
	for i, p := range points {
		content, _ := p.Payload["content"].(string)
		out = append(out, schemas.RetrievedResult{
			ID:          p.ID,
			Content:     content,
			Score:       p.Score,
			VectorScore: p.Score,
			Rank:        i + 1,
			SearchType:  schemas.SearchTypeVectorOnly,
			Payload:     p.Payload,
			Vector:      p.Vector,
		})
	}
	return out, nil
}
