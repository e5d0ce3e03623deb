// Package corpusstats maintains per-tenant lexical statistics in Redis:
// document frequencies, co-occurrence counts, and the totals needed for IDF
// and PMI. Ingest updates them incrementally; keyword search and payload
// enrichment read them. All keys carry a 24h TTL so stats decay with the
// corpus rather than accumulating stale mass forever.
package corpusstats

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyTTL = 24 * time.Hour
	// coocWindow is the token distance within which a pair counts as
	// co-occurring.
	coocWindow = 5
	// maxPairsPerDoc bounds the write amplification of one document.
	maxPairsPerDoc = 512
)

// Store reads and writes tenant corpus statistics.
type Store struct {
	cli redis.UniversalClient
	log *zap.Logger
}

func New(cli redis.UniversalClient, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{cli: cli, log: log}
}

func dfKey(tenant string) string    { return "cs:" + tenant + ":df" }
func coocKey(tenant string) string  { return "cs:" + tenant + ":cooc" }
func docsKey(tenant string) string  { return "cs:" + tenant + ":docs" }
func tokKey(tenant string) string   { return "cs:" + tenant + ":tokens" }

// RecordDocument updates statistics for one published document. Failures are
// logged and swallowed: stats are advisory, never a reason to fail ingest.
func (s *Store) RecordDocument(ctx context.Context, tenant, text string) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return
	}
	unique := uniqueTerms(tokens)

	pipe := s.cli.Pipeline()
	for _, term := range unique {
		pipe.HIncrBy(ctx, dfKey(tenant), term, 1)
	}
	pairs := 0
	for i := 0; i < len(tokens) && pairs < maxPairsPerDoc; i++ {
		for j := i + 1; j < len(tokens) && j <= i+coocWindow; j++ {
			if tokens[i] == tokens[j] {
				continue
			}
			pipe.HIncrBy(ctx, coocKey(tenant), pairField(tokens[i], tokens[j]), 1)
			pairs++
			if pairs >= maxPairsPerDoc {
				break
			}
		}
	}
	pipe.Incr(ctx, docsKey(tenant))
	pipe.IncrBy(ctx, tokKey(tenant), int64(len(tokens)))
	for _, k := range []string{dfKey(tenant), coocKey(tenant), docsKey(tenant), tokKey(tenant)} {
		pipe.Expire(ctx, k, keyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn("corpus stats update failed", zap.String("tenant", tenant), zap.Error(err))
	}
}

// IDF returns log(1 + N/(1+df)) for a term, or 0 when stats are unavailable.
func (s *Store) IDF(ctx context.Context, tenant, term string) float64 {
	total, err := s.cli.Get(ctx, docsKey(tenant)).Int64()
	if err != nil || total <= 0 {
		return 0
	}
	df, err := s.cli.HGet(ctx, dfKey(tenant), term).Int64()
	if err != nil {
		df = 0
	}
	return math.Log1p(float64(total) / float64(1+df))
}

// PMI returns the pointwise mutual information of two terms, or 0 when
// either term or the pair is unseen.
func (s *Store) PMI(ctx context.Context, tenant, a, b string) float64 {
	total, err := s.cli.Get(ctx, docsKey(tenant)).Int64()
	if err != nil || total <= 0 {
		return 0
	}
	pair, err := s.cli.HGet(ctx, coocKey(tenant), pairField(a, b)).Int64()
	if err != nil || pair == 0 {
		return 0
	}
	dfA, _ := s.cli.HGet(ctx, dfKey(tenant), a).Int64()
	dfB, _ := s.cli.HGet(ctx, dfKey(tenant), b).Int64()
	if dfA == 0 || dfB == 0 {
		return 0
	}
	n := float64(total)
	return math.Log((float64(pair) / n) / ((float64(dfA) / n) * (float64(dfB) / n)))
}

// CoreTokens returns up to n terms of text ranked by IDF, for the
// lexicalCoreTokens payload field.
func (s *Store) CoreTokens(ctx context.Context, tenant, text string, n int) []string {
	terms := uniqueTerms(tokenize(text))
	if len(terms) == 0 {
		return nil
	}
	type weighted struct {
		term string
		idf  float64
	}
	ws := make([]weighted, 0, len(terms))
	for _, t := range terms {
		ws = append(ws, weighted{term: t, idf: s.IDF(ctx, tenant, t)})
	}
	sort.SliceStable(ws, func(i, j int) bool { return ws[i].idf > ws[j].idf })
	if n > 0 && len(ws) > n {
		ws = ws[:n]
	}
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.term
	}
	return out
}

// Phrases returns up to n adjacent bigrams of text with positive PMI, for
// the lexicalPhrases payload field.
func (s *Store) Phrases(ctx context.Context, tenant, text string, n int) []string {
	tokens := tokenize(text)
	type scored struct {
		phrase string
		pmi    float64
	}
	seen := make(map[string]struct{})
	var out []scored
	for i := 0; i+1 < len(tokens); i++ {
		a, b := tokens[i], tokens[i+1]
		if a == b {
			continue
		}
		phrase := a + " " + b
		if _, ok := seen[phrase]; ok {
			continue
		}
		seen[phrase] = struct{}{}
		if pmi := s.PMI(ctx, tenant, a, b); pmi > 0 {
			out = append(out, scored{phrase: phrase, pmi: pmi})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].pmi > out[j].pmi })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	phrases := make([]string, len(out))
	for i, o := range out {
		phrases[i] = o.phrase
	}
	return phrases
}

// pairField orders the pair so (a,b) and (b,a) share one hash field.
func pairField(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%s|%s", a, b)
}

func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?()[]{}\"'")
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

func uniqueTerms(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
