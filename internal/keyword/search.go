// Package keyword implements lexical retrieval over the vector store's
// full-text payload index. Candidates come back unranked from the store, so
// scoring happens here: IDF-weighted query term coverage with a term
// frequency tie-break.
package keyword

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/groundline-ai/groundline/internal/schemas"
	"github.com/groundline-ai/groundline/internal/vectordb"
)

// IDFSource supplies per-tenant inverse document frequencies. A nil source
// weights all terms equally.
type IDFSource interface {
	IDF(ctx context.Context, tenant, term string) float64
}

// Searcher runs keyword retrieval.
type Searcher struct {
	store *vectordb.Client
	idf   IDFSource
	log   *zap.Logger
	// candidateCap bounds how many points are scrolled per query.
	candidateCap int
}

// New creates a keyword searcher. idf may be nil.
func New(store *vectordb.Client, idf IDFSource, log *zap.Logger) *Searcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Searcher{store: store, idf: idf, log: log, candidateCap: 256}
}

// Search returns up to topK results for the query within the caller's tenant
// and ACL scope, ranked by lexical score.
func (s *Searcher) Search(ctx context.Context, query string, userCtx schemas.UserContext, topK int) ([]schemas.RetrievedResult, error) {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	filter := vectordb.WithTextMatch(vectordb.ACLFilter(userCtx), query)

	var candidates []vectordb.ScoredPoint
	var offset interface{}
	for len(candidates) < s.candidateCap {
		page, next, err := s.store.Scroll(ctx, filter, 64, offset)
		if err != nil {
			return nil, fmt.Errorf("keyword scroll: %w", err)
		}
		candidates = append(candidates, page...)
		if next == nil || len(page) == 0 {
			break
		}
		offset = next
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	weights := s.termWeights(ctx, userCtx.TenantID, terms)

	type scored struct {
		point vectordb.ScoredPoint
		score float64
	}
	scoredList := make([]scored, 0, len(candidates))
	for _, p := range candidates {
		content, _ := p.Payload["content"].(string)
		sc := scoreContent(content, terms, weights)
		if sc <= 0 {
			continue
		}
		scoredList = append(scoredList, scored{point: p, score: sc})
	}
	sort.SliceStable(scoredList, func(i, j int) bool { return scoredList[i].score > scoredList[j].score })
	if topK > 0 && len(scoredList) > topK {
		scoredList = scoredList[:topK]
	}

	out := make([]schemas.RetrievedResult, 0, len(scoredList))
	for i, sp := range scoredList {
		content, _ := sp.point.Payload["content"].(string)
		out = append(out, schemas.RetrievedResult{
			ID:           sp.point.ID,
			Content:      content,
			Score:        sp.score,
			KeywordScore: sp.score,
			Rank:         i + 1,
			SearchType:   schemas.SearchTypeKeywordOnly,
			Payload:      sp.point.Payload,
		})
	}
	return out, nil
}

// termWeights resolves IDF weights, defaulting to 1 per term.
func (s *Searcher) termWeights(ctx context.Context, tenant string, terms []string) map[string]float64 {
	w := make(map[string]float64, len(terms))
	for _, t := range terms {
		w[t] = 1
		if s.idf != nil {
			if idf := s.idf.IDF(ctx, tenant, t); idf > 0 {
				w[t] = idf
			}
		}
	}
	return w
}

// scoreContent combines weighted term coverage with a log-damped term
// frequency bonus. Coverage dominates: a document matching all query terms
// once outranks one repeating a single term.
func scoreContent(content string, terms []string, weights map[string]float64) float64 {
	if content == "" {
		return 0
	}
	freq := make(map[string]int)
	for _, tok := range strings.Fields(strings.ToLower(content)) {
		tok = strings.Trim(tok, ".,;:!?()[]{}\"'")
		if tok != "" {
			freq[tok]++
		}
	}

	var matched, total float64
	var tfBonus float64
	for _, t := range terms {
		w := weights[t]
		total += w
		if n := freq[t]; n > 0 {
			matched += w
			tfBonus += w * math.Log1p(float64(n))
		}
	}
	if total == 0 || matched == 0 {
		return 0
	}
	coverage := matched / total
	return coverage + 0.1*tfBonus/total
}

// queryTerms lowercases, strips punctuation, and dedups query tokens.
func queryTerms(query string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		tok = strings.Trim(tok, ".,;:!?()[]{}\"'")
		if tok == "" {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}
