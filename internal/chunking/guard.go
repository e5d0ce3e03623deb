package chunking

import (
	"strings"

	"go.uber.org/zap"

	"github.com/groundline-ai/groundline/internal/schemas"
)

// GuardConfig bounds what the ingestion guard accepts.
type GuardConfig struct {
	MinContentLength int
	MaxContentLength int
	DedupThreshold   float64 // Jaccard similarity above which chunks are near-duplicates
}

// DefaultGuardConfig returns the standard ingest bounds.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		MinContentLength: 10,
		MaxContentLength: 10000,
		DedupThreshold:   0.8,
	}
}

// Guard validates chunks before embedding: length bounds, required
// metadata, and near-duplicate removal.
type Guard struct {
	cfg GuardConfig
	log *zap.Logger
}

// NewGuard creates an ingestion guard with defaults filled in.
func NewGuard(cfg GuardConfig, log *zap.Logger) *Guard {
	if cfg.MinContentLength <= 0 {
		cfg.MinContentLength = 10
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = 10000
	}
	if cfg.DedupThreshold <= 0 || cfg.DedupThreshold > 1 {
		cfg.DedupThreshold = 0.8
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{cfg: cfg, log: log}
}

// Filter returns the chunks that pass validation, in input order, plus one
// rejection reason per dropped chunk. Near-duplicate detection keeps the
// first occurrence.
func (g *Guard) Filter(chunks []schemas.Chunk) (kept []schemas.Chunk, rejected []string) {
	var keptTokens [][]string
	for _, ch := range chunks {
		trimmed := strings.TrimSpace(ch.Text)
		if len(trimmed) < g.cfg.MinContentLength {
			rejected = append(rejected, "content too short: "+ch.ID)
			continue
		}
		if len(trimmed) > g.cfg.MaxContentLength {
			rejected = append(rejected, "content too long: "+ch.ID)
			continue
		}
		if ch.Metadata.Tenant == "" || ch.Metadata.DocID == "" {
			rejected = append(rejected, "missing required metadata: "+ch.ID)
			continue
		}

		tokens := tokenSet(trimmed)
		dup := false
		// Quadratic scan is fine at current chunk counts; switch to
		// min-hash/LSH if per-document chunk counts grow past a few thousand.
		for _, prev := range keptTokens {
			if jaccard(tokens, prev) >= g.cfg.DedupThreshold {
				dup = true
				break
			}
		}
		if dup {
			rejected = append(rejected, "near-duplicate: "+ch.ID)
			g.log.Debug("near-duplicate chunk dropped", zap.String("chunk_id", ch.ID))
			continue
		}
		keptTokens = append(keptTokens, tokens)
		kept = append(kept, ch)
	}
	return kept, rejected
}

func tokenSet(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	seen := make(map[string]struct{}, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// jaccard computes |a ∩ b| / |a ∪ b| over unique whitespace tokens.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	inter := 0
	for _, t := range b {
		if _, ok := set[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
