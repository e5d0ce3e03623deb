package retrieval

import (
	"sort"

	"github.com/groundline-ai/groundline/internal/schemas"
)

// FusionConfig tunes reciprocal rank fusion.
type FusionConfig struct {
	K             int
	VectorWeight  float64
	KeywordWeight float64
}

func DefaultFusionConfig() FusionConfig {
	return FusionConfig{K: 60, VectorWeight: 1.0, KeywordWeight: 1.0}
}

// FuseRRF merges vector and keyword result lists with reciprocal rank
// fusion: fused(d) = Σ weight_s / (k + rank_s(d)) over the sources that
// returned d. Per-source scores survive on the fused results; ranks are
// reassigned 1-based on the fused order.
func FuseRRF(vector, kw []schemas.RetrievedResult, cfg FusionConfig) []schemas.RetrievedResult {
	if cfg.K <= 0 {
		cfg.K = 60
	}
	if cfg.VectorWeight == 0 && cfg.KeywordWeight == 0 {
		cfg.VectorWeight, cfg.KeywordWeight = 1, 1
	}

	merged := make(map[string]*schemas.RetrievedResult)
	order := make([]string, 0, len(vector)+len(kw))

	for i, r := range vector {
		rr := r
		rr.FusionScore = cfg.VectorWeight / float64(cfg.K+i+1)
		merged[r.ID] = &rr
		order = append(order, r.ID)
	}
	for i, r := range kw {
		contribution := cfg.KeywordWeight / float64(cfg.K+i+1)
		if existing, ok := merged[r.ID]; ok {
			existing.FusionScore += contribution
			existing.KeywordScore = r.KeywordScore
			existing.SearchType = schemas.SearchTypeHybrid
			if existing.Content == "" {
				existing.Content = r.Content
			}
			continue
		}
		rr := r
		rr.FusionScore = contribution
		merged[r.ID] = &rr
		order = append(order, r.ID)
	}

	out := make([]schemas.RetrievedResult, 0, len(order))
	for _, id := range order {
		out = append(out, *merged[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FusionScore > out[j].FusionScore })
	for i := range out {
		out[i].Rank = i + 1
		out[i].Score = out[i].FusionScore
	}
	return out
}
