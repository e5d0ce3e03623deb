// Package tokenizer counts tokens per model family. Counting is
// estimation-based: none of the supported embedding services expose their
// tokenizer over the wire, so the counter mirrors the service-side ratios
// and keeps a safety margin between the estimate and the model limit.
package tokenizer

import (
	"math"
	"strings"
	"unicode"
)

// TokenizerType names the tokenizer family backing a model.
type TokenizerType string

const (
	TypeTransformers TokenizerType = "transformers"
	TypeTiktoken     TokenizerType = "tiktoken"
	TypeCustom       TokenizerType = "custom"
)

// Config identifies a tokenizer and its limits.
type Config struct {
	Model            string
	Type             TokenizerType
	MaxTokens        int
	SafetyMargin     float64 // fraction of MaxTokens held back, e.g. 0.1
	CharToTokenRatio float64 // 0 = derive from model family
}

// Result is one counting outcome.
type Result struct {
	TokenCount      int
	CharacterCount  int
	EstimatedTokens int
	IsWithinLimit   bool
	SafeTokenLimit  int
}

// Counter estimates token counts for a fixed model configuration.
type Counter struct {
	cfg   Config
	ratio float64
	cache *lruCache
}

// NewCounter builds a counter with model-family defaults filled in.
func NewCounter(cfg Config) *Counter {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	if cfg.SafetyMargin < 0 || cfg.SafetyMargin >= 1 {
		cfg.SafetyMargin = 0.1
	}
	ratio := cfg.CharToTokenRatio
	if ratio <= 0 {
		ratio = ratioForModel(cfg.Model)
	}
	return &Counter{cfg: cfg, ratio: ratio, cache: newLRUCache(cacheCapacity)}
}

// ratioForModel returns characters-per-token for known model families.
// BGE-style multilingual encoders run denser than GPT-family BPE.
func ratioForModel(model string) float64 {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "bge"):
		return 3.2
	case strings.Contains(m, "gpt"), strings.Contains(m, "text-embedding"):
		return 4.0
	default:
		return 4.0
	}
}

// SafeTokenLimit is floor(maxTokens * (1 - safetyMargin)).
func (c *Counter) SafeTokenLimit() int {
	return int(math.Floor(float64(c.cfg.MaxTokens) * (1 - c.cfg.SafetyMargin)))
}

// MaxTokens returns the hard model limit.
func (c *Counter) MaxTokens() int { return c.cfg.MaxTokens }

// Model returns the configured model name.
func (c *Counter) Model() string { return c.cfg.Model }

// Count estimates tokens for text. Results are cached; short texts key the
// cache directly, long texts by a 32-bit hash.
func (c *Counter) Count(text string) Result {
	key := cacheKey(text)
	if r, ok := c.cache.get(key); ok {
		return r
	}
	r := c.count(text)
	c.cache.set(key, r)
	return r
}

func (c *Counter) count(text string) Result {
	chars := len([]rune(text))
	estimated := c.estimate(text)
	tokens := estimated

	// Word-boundary refinement: whitespace token runs approximate subword
	// counts better than raw character division for space-delimited text.
	if words := countWords(text); words > 0 {
		byWords := int(math.Ceil(float64(words) * 1.3))
		// Prefer the larger estimate so the safety check never undercounts.
		if byWords > tokens {
			tokens = byWords
		}
	}

	limit := c.SafeTokenLimit()
	return Result{
		TokenCount:      tokens,
		CharacterCount:  chars,
		EstimatedTokens: estimated,
		IsWithinLimit:   tokens <= limit,
		SafeTokenLimit:  limit,
	}
}

// estimate is the ceil(len/ratio) character fallback.
func (c *Counter) estimate(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len([]rune(text))) / c.ratio))
}

func countWords(text string) int {
	n := 0
	inWord := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			n++
			inWord = true
		}
	}
	return n
}
