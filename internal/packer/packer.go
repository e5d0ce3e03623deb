// Package packer selects retrieved chunks into a token-budgeted context
// window for synthesis. Selection is greedy over boosted fusion scores with
// per-document and per-section caps, a novelty filter against already
// selected chunks, and an optional section reunification pass.
package packer

import (
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/groundline-ai/groundline/internal/metrics"
	"github.com/groundline-ai/groundline/internal/schemas"
)

// Config tunes packing.
type Config struct {
	TokenBudget          int
	PerDocCap            int
	PerSectionCap        int
	NoveltyAlpha         float64
	AnswerabilityBonus   float64
	SectionReunification bool
}

func DefaultConfig() Config {
	return Config{
		TokenBudget:        8000,
		PerDocCap:          2,
		PerSectionCap:      2,
		NoveltyAlpha:       0.5,
		AnswerabilityBonus: 0.15,
	}
}

// Trace records why each chunk was kept or dropped.
type Trace struct {
	SelectedIDs     []string           `json:"selectedIds"`
	TokenCounts     map[string]int     `json:"tokenCounts"`
	Scores          map[string]float64 `json:"scores"`
	CapsApplied     []string           `json:"capsApplied"`
	NoveltyScores   map[string]float64 `json:"noveltyScores"`
	DroppedReasons  map[string]string  `json:"droppedReasons"`
	SectionReunions []string           `json:"sectionReunions"`
}

// Result is the packed context.
type Result struct {
	Chunks      []schemas.RetrievedResult
	TotalTokens int
	Truncated   bool
	Trace       Trace
}

// Packer packs chunks into the context budget.
type Packer struct {
	cfg Config
	log *zap.Logger
}

type candidate struct {
	r       schemas.RetrievedResult
	boosted float64
	tokens  int
}

func New(cfg Config, log *zap.Logger) *Packer {
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = 8000
	}
	if cfg.PerDocCap <= 0 {
		cfg.PerDocCap = 2
	}
	if cfg.PerSectionCap <= 0 {
		cfg.PerSectionCap = 2
	}
	if cfg.NoveltyAlpha == 0 {
		cfg.NoveltyAlpha = 0.5
	}
	if cfg.AnswerabilityBonus == 0 {
		cfg.AnswerabilityBonus = 0.15
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Packer{cfg: cfg, log: log}
}

// EstimateTokens is the packing-time token estimate.
func EstimateTokens(text string) int {
	return int(math.Ceil(float64(len(text)) / 4))
}

// Pack selects chunks for the query under the configured constraints.
func (p *Packer) Pack(query string, results []schemas.RetrievedResult) Result {
	start := time.Now()
	defer func() {
		metrics.RetrievalStageDuration.WithLabelValues("pack").Observe(time.Since(start).Seconds())
	}()

	trace := Trace{
		TokenCounts:    map[string]int{},
		Scores:         map[string]float64{},
		NoveltyScores:  map[string]float64{},
		DroppedReasons: map[string]string{},
	}
	res := Result{Trace: trace}
	if len(results) == 0 {
		return res
	}

	queryTerms := termSet(query)

	cands := make([]candidate, 0, len(results))
	for _, r := range results {
		boost := 0.0
		if isDirectAnswer(queryTerms, r.Content) {
			boost = p.cfg.AnswerabilityBonus
		}
		cands = append(cands, candidate{
			r:       r,
			boosted: r.FusionScore + boost,
			tokens:  EstimateTokens(r.Content),
		})
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].boosted > cands[j].boosted })

	docCount := map[string]int{}
	sectionCount := map[string]int{}
	remaining := p.cfg.TokenBudget
	var selected []schemas.RetrievedResult

	for _, c := range cands {
		id := c.r.ID
		if isSelected(selected, id) {
			continue
		}
		trace.Scores[id] = c.boosted

		docID := c.r.PayloadString("docId")
		section := c.r.PayloadString("sectionPath")

		if docID != "" && docCount[docID] >= p.cfg.PerDocCap {
			trace.DroppedReasons[id] = "perDocCap"
			trace.CapsApplied = append(trace.CapsApplied, "doc:"+docID)
			continue
		}
		if section != "" && sectionCount[sectionKey(docID, section)] >= p.cfg.PerSectionCap {
			trace.DroppedReasons[id] = "perSectionCap"
			trace.CapsApplied = append(trace.CapsApplied, "section:"+section)
			continue
		}

		novelty := p.novelty(c.r, selected)
		trace.NoveltyScores[id] = novelty
		if novelty < 0 {
			trace.DroppedReasons[id] = "novelty"
			continue
		}

		if c.tokens > remaining {
			trace.DroppedReasons[id] = "budget"
			if p.cfg.SectionReunification && section != "" && sectionCount[sectionKey(docID, section)] > 0 {
				reunited := p.reunite(c.r, cands, selected, &remaining, docCount, sectionCount, &trace)
				selected = append(selected, reunited...)
			}
			continue
		}

		selected = append(selected, c.r)
		remaining -= c.tokens
		trace.SelectedIDs = append(trace.SelectedIDs, id)
		trace.TokenCounts[id] = c.tokens
		if docID != "" {
			docCount[docID]++
		}
		if section != "" {
			sectionCount[sectionKey(docID, section)]++
		}
	}

	res.Chunks = selected
	res.TotalTokens = p.cfg.TokenBudget - remaining
	res.Truncated = res.TotalTokens >= p.cfg.TokenBudget
	res.Trace = trace
	return res
}

// reunite swaps in up to 2 section-mates of an over-budget chunk, nearest by
// orderIndex, that still fit the remaining budget.
func (p *Packer) reunite(over schemas.RetrievedResult, cands []candidate, selected []schemas.RetrievedResult, remaining *int, docCount, sectionCount map[string]int, trace *Trace) []schemas.RetrievedResult {
	docID := over.PayloadString("docId")
	section := over.PayloadString("sectionPath")
	overOrder := payloadInt(over, "orderIndex")

	type mate struct {
		r      schemas.RetrievedResult
		tokens int
		dist   int
	}
	var mates []mate
	for _, c := range cands {
		if c.r.ID == over.ID || c.r.PayloadString("docId") != docID || c.r.PayloadString("sectionPath") != section {
			continue
		}
		if isSelected(selected, c.r.ID) {
			continue
		}
		mates = append(mates, mate{r: c.r, tokens: c.tokens, dist: abs(payloadInt(c.r, "orderIndex") - overOrder)})
	}
	sort.SliceStable(mates, func(i, j int) bool { return mates[i].dist < mates[j].dist })

	var added []schemas.RetrievedResult
	for _, mt := range mates {
		if len(added) >= 2 || mt.tokens > *remaining {
			continue
		}
		added = append(added, mt.r)
		*remaining -= mt.tokens
		trace.SelectedIDs = append(trace.SelectedIDs, mt.r.ID)
		trace.TokenCounts[mt.r.ID] = mt.tokens
		trace.SectionReunions = append(trace.SectionReunions, mt.r.ID)
		if docID != "" {
			docCount[docID]++
		}
		sectionCount[sectionKey(docID, section)]++
	}
	return added
}

// novelty = 1 - alpha * max cosine similarity against selected chunks.
// Chunks without vectors are treated as fully novel.
func (p *Packer) novelty(c schemas.RetrievedResult, selected []schemas.RetrievedResult) float64 {
	if len(c.Vector) == 0 || len(selected) == 0 {
		return 1
	}
	maxCos := 0.0
	for _, s := range selected {
		if len(s.Vector) == 0 {
			continue
		}
		if cos := cosine(c.Vector, s.Vector); cos > maxCos {
			maxCos = cos
		}
	}
	return 1 - p.cfg.NoveltyAlpha*maxCos
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// isDirectAnswer holds when the chunk covers at least 80% of the query's
// terms.
func isDirectAnswer(queryTerms map[string]struct{}, content string) bool {
	if len(queryTerms) == 0 {
		return false
	}
	lower := strings.ToLower(content)
	hits := 0
	for t := range queryTerms {
		if strings.Contains(lower, t) {
			hits++
		}
	}
	return float64(hits)/float64(len(queryTerms)) >= 0.8
}

func termSet(query string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, t := range strings.Fields(strings.ToLower(query)) {
		t = strings.Trim(t, ".,;:!?")
		if len(t) > 2 {
			out[t] = struct{}{}
		}
	}
	return out
}

func sectionKey(docID, section string) string { return docID + "\x00" + section }

func isSelected(selected []schemas.RetrievedResult, id string) bool {
	for _, s := range selected {
		if s.ID == id {
			return true
		}
	}
	return false
}

func payloadInt(r schemas.RetrievedResult, key string) int {
	switch v := r.Payload[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
