// Package chunking splits normalized text into bounded-token chunks for
// embedding and retrieval. Strategy selection prefers sentence boundaries,
// falls back to paragraphs, and finally to character cuts when the text has
// no usable structure.
package chunking

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/groundline-ai/groundline/internal/schemas"
	"github.com/groundline-ai/groundline/internal/tokenizer"
)

// Strategy selects how text is split.
type Strategy string

const (
	StrategyTokenAware     Strategy = "token-aware"
	StrategyParagraphAware Strategy = "paragraph-aware"
	StrategyCharacter      Strategy = "character"
)

// Config controls chunker behavior.
type Config struct {
	Strategy      Strategy
	OverlapTokens int
	// RepeatTableHeader re-emits the table header on continuation chunks.
	RepeatTableHeader bool
}

// ChunkResult is the output of one chunking call.
type ChunkResult struct {
	Chunks      []schemas.Chunk
	TotalTokens int
	Strategy    Strategy
	Warnings    []string
}

// Chunker splits text with token awareness.
type Chunker struct {
	cfg     Config
	counter *tokenizer.Counter
	log     *zap.Logger
}

// sentence boundary: terminal punctuation, whitespace, then an uppercase
// letter. Go's regexp has no lookbehind, so we locate boundaries by
// submatch position instead.
var sentenceBoundary = regexp.MustCompile(`[.!?]\s+[A-Z]`)

var blankLine = regexp.MustCompile(`\n\s*\n`)

// New creates a chunker. A nil logger is replaced with a no-op one.
func New(cfg Config, counter *tokenizer.Counter, log *zap.Logger) *Chunker {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyTokenAware
	}
	return &Chunker{cfg: cfg, counter: counter, log: log}
}

// SafeTokenLimit exposes the underlying counter's per-chunk budget.
func (c *Chunker) SafeTokenLimit() int { return c.counter.SafeTokenLimit() }

// Count returns the token count for text using the underlying counter.
func (c *Chunker) Count(text string) int { return c.counter.Count(text).TokenCount }

// Chunk splits text into chunks under the safe token limit. baseID feeds the
// deterministic chunk id together with sectionPath and each chunk's start
// offset; ids are stable across republications.
func (c *Chunker) Chunk(text, tenant, docID, sectionPath string) ChunkResult {
	strategy := c.cfg.Strategy
	var res ChunkResult
	switch strategy {
	case StrategyParagraphAware:
		res = c.chunkParagraphs(text)
	case StrategyCharacter:
		res = c.chunkCharacters(text)
	default:
		strategy = StrategyTokenAware
		res = c.chunkSentences(text)
	}
	res.Strategy = strategy

	if c.cfg.OverlapTokens > 0 {
		c.applyOverlap(&res)
	}

	total := 0
	for i := range res.Chunks {
		ch := &res.Chunks[i]
		count := c.counter.Count(ch.Text)
		ch.TokenCount = count.TokenCount
		ch.CharacterCount = count.CharacterCount
		ch.SectionPath = sectionPath
		ch.ID = schemas.ChunkID(tenant, docID, sectionPath, ch.StartIndex)
		ch.Metadata.Tenant = tenant
		ch.Metadata.DocID = docID
		ch.Metadata.OrderIndex = i
		total += ch.TokenCount
		if ch.TokenCount > c.counter.SafeTokenLimit() {
			w := fmt.Sprintf("chunk %d exceeds safe token limit (%d > %d)", i, ch.TokenCount, c.counter.SafeTokenLimit())
			res.Warnings = append(res.Warnings, w)
			c.log.Warn("oversized chunk emitted",
				zap.String("doc_id", docID),
				zap.Int("chunk", i),
				zap.Int("tokens", ch.TokenCount),
				zap.Int("limit", c.counter.SafeTokenLimit()))
		}
	}
	res.TotalTokens = total
	return res
}

// chunkSentences is the token-aware strategy: greedily accumulate sentences
// while the running chunk stays under the safe limit.
func (c *Chunker) chunkSentences(text string) ChunkResult {
	var res ChunkResult
	if strings.TrimSpace(text) == "" {
		return res
	}
	limit := c.counter.SafeTokenLimit()

	sentences := splitSentences(text)
	if len(sentences) == 1 && c.counter.Count(sentences[0].text).TokenCount <= limit {
		res.Chunks = append(res.Chunks, schemas.Chunk{
			Text:       sentences[0].text,
			StartIndex: sentences[0].start,
			EndIndex:   sentences[0].start + len(sentences[0].text),
		})
		return res
	}

	var cur strings.Builder
	curStart := -1
	flush := func(end int) {
		if cur.Len() == 0 {
			return
		}
		res.Chunks = append(res.Chunks, schemas.Chunk{
			Text:       cur.String(),
			StartIndex: curStart,
			EndIndex:   end,
		})
		cur.Reset()
		curStart = -1
	}

	for _, s := range sentences {
		sentTokens := c.counter.Count(s.text).TokenCount
		if sentTokens > limit {
			// Single sentence over the limit: flush and word-split it.
			flush(s.start)
			parts, warned := c.splitWords(s.text, s.start, limit)
			res.Chunks = append(res.Chunks, parts...)
			if warned {
				res.Warnings = append(res.Warnings, "sentence exceeded token limit, word-split fallback applied")
			}
			continue
		}
		candidate := s.text
		if cur.Len() > 0 {
			candidate = cur.String() + " " + s.text
		}
		if c.counter.Count(candidate).TokenCount > limit {
			flush(s.start)
		}
		if curStart < 0 {
			curStart = s.start
		}
		if cur.Len() > 0 {
			cur.WriteString(" ")
		}
		cur.WriteString(s.text)
	}
	flush(len(text))
	return res
}

// chunkParagraphs splits on blank lines; oversized paragraphs recurse into
// the sentence strategy.
func (c *Chunker) chunkParagraphs(text string) ChunkResult {
	var res ChunkResult
	if strings.TrimSpace(text) == "" {
		return res
	}
	limit := c.counter.SafeTokenLimit()
	offset := 0
	for _, para := range blankLine.Split(text, -1) {
		start := strings.Index(text[offset:], para)
		if start < 0 {
			start = 0
		}
		start += offset
		offset = start + len(para)

		trimmed := strings.TrimSpace(para)
		if trimmed == "" {
			continue
		}
		if c.counter.Count(trimmed).TokenCount <= limit {
			res.Chunks = append(res.Chunks, schemas.Chunk{
				Text:       trimmed,
				StartIndex: start,
				EndIndex:   start + len(para),
			})
			continue
		}
		inner := c.chunkSentences(para)
		for _, ch := range inner.Chunks {
			ch.StartIndex += start
			ch.EndIndex += start
			res.Chunks = append(res.Chunks, ch)
		}
		res.Warnings = append(res.Warnings, inner.Warnings...)
	}
	return res
}

// chunkCharacters estimates chars/token from a sample and cuts at a word
// boundary when one is within 80% of the target.
func (c *Chunker) chunkCharacters(text string) ChunkResult {
	var res ChunkResult
	if strings.TrimSpace(text) == "" {
		return res
	}
	limit := c.counter.SafeTokenLimit()

	sample := text
	if len(sample) > 1000 {
		sample = sample[:1000]
	}
	sampleTokens := c.counter.Count(sample).TokenCount
	charsPerToken := 4.0
	if sampleTokens > 0 {
		charsPerToken = float64(len(sample)) / float64(sampleTokens)
	}
	target := int(float64(limit) * charsPerToken)
	if target < 1 {
		target = 1
	}

	for start := 0; start < len(text); {
		end := start + target
		if end >= len(text) {
			end = len(text)
		} else {
			// Prefer a word boundary within 80% of the target length.
			if i := strings.LastIndexAny(text[start:end], " \t\n"); i >= 0 && i >= int(0.8*float64(target)) {
				end = start + i
			}
		}
		piece := strings.TrimSpace(text[start:end])
		if piece != "" {
			res.Chunks = append(res.Chunks, schemas.Chunk{Text: piece, StartIndex: start, EndIndex: end})
		}
		if end == start {
			end = start + 1
		}
		start = end
	}
	return res
}

// splitWords cuts an oversized sentence on word boundaries.
func (c *Chunker) splitWords(text string, base, limit int) ([]schemas.Chunk, bool) {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil, false
	}
	var out []schemas.Chunk
	var cur []string
	curStart := base
	consumed := 0
	for _, w := range words {
		candidate := strings.Join(append(cur, w), " ")
		if len(cur) > 0 && c.counter.Count(candidate).TokenCount > limit {
			joined := strings.Join(cur, " ")
			out = append(out, schemas.Chunk{Text: joined, StartIndex: curStart, EndIndex: curStart + len(joined)})
			curStart = base + consumed
			cur = cur[:0]
		}
		cur = append(cur, w)
		consumed += len(w) + 1
	}
	if len(cur) > 0 {
		joined := strings.Join(cur, " ")
		out = append(out, schemas.Chunk{Text: joined, StartIndex: curStart, EndIndex: curStart + len(joined)})
	}
	return out, true
}

// applyOverlap prepends the tail words of the previous chunk to each chunk
// except the first. Word count approximates overlapTokens * 0.75.
func (c *Chunker) applyOverlap(res *ChunkResult) {
	overlapWords := int(math.Ceil(float64(c.cfg.OverlapTokens) * 0.75))
	if overlapWords <= 0 {
		return
	}
	for i := len(res.Chunks) - 1; i >= 1; i-- {
		prevWords := strings.Fields(res.Chunks[i-1].Text)
		n := overlapWords
		if n > len(prevWords) {
			n = len(prevWords)
		}
		if n == 0 {
			continue
		}
		tail := strings.Join(prevWords[len(prevWords)-n:], " ")
		res.Chunks[i].Text = tail + " " + res.Chunks[i].Text
	}
}

type sentence struct {
	text  string
	start int
}

// splitSentences finds boundaries after [.!?] followed by whitespace and an
// uppercase letter, returning each sentence with its byte offset.
func splitSentences(text string) []sentence {
	var out []sentence
	locs := sentenceBoundary.FindAllStringIndex(text, -1)
	prev := 0
	for _, loc := range locs {
		// loc[0] points at the terminal punctuation; the sentence ends just
		// after it, and the next begins at the uppercase letter (loc[1]-1).
		end := loc[0] + 1
		s := strings.TrimSpace(text[prev:end])
		if s != "" {
			out = append(out, sentence{text: s, start: prev})
		}
		prev = loc[1] - 1
	}
	if rest := strings.TrimSpace(text[prev:]); rest != "" {
		out = append(out, sentence{text: rest, start: prev})
	}
	if len(out) == 0 {
		out = append(out, sentence{text: strings.TrimSpace(text), start: 0})
	}
	return out
}
