package chunking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundline-ai/groundline/internal/schemas"
	"github.com/groundline-ai/groundline/internal/tokenizer"
)

func testCounter(maxTokens int) *tokenizer.Counter {
	return tokenizer.NewCounter(tokenizer.Config{
		Model:        "gpt-4",
		Type:         tokenizer.TypeTiktoken,
		MaxTokens:    maxTokens,
		SafetyMargin: 0.1,
	})
}

func TestChunkShortTextSingleChunk(t *testing.T) {
	c := New(Config{}, testCounter(500), nil)
	res := c.Chunk("A small paragraph. Nothing to split here.", "t1", "d1", "intro")

	require.Len(t, res.Chunks, 1)
	assert.Equal(t, StrategyTokenAware, res.Strategy)
	assert.Empty(t, res.Warnings)
	ch := res.Chunks[0]
	assert.LessOrEqual(t, ch.TokenCount, c.SafeTokenLimit())
	assert.Equal(t, schemas.ChunkID("t1", "d1", "intro", ch.StartIndex), ch.ID)
}

func TestChunkNoSentenceBoundaries(t *testing.T) {
	c := New(Config{}, testCounter(500), nil)
	text := strings.Repeat("lowercase words without punctuation ", 5)
	res := c.Chunk(text, "t1", "d1", "")

	require.Len(t, res.Chunks, 1, "text with no boundaries that fits stays whole")
	assert.Empty(t, res.Warnings)
}

func TestChunkOversizedSentenceWordFallback(t *testing.T) {
	c := New(Config{}, testCounter(20), nil)
	// One long "sentence" with no boundaries, well over 18 safe tokens.
	text := strings.Repeat("word ", 100)
	res := c.Chunk(text, "t1", "d1", "")

	assert.Greater(t, len(res.Chunks), 1)
	assert.NotEmpty(t, res.Warnings, "word-split fallback records a warning")
	for _, ch := range res.Chunks {
		assert.LessOrEqual(t, ch.TokenCount, c.SafeTokenLimit())
	}
}

func TestChunkSentenceAccumulation(t *testing.T) {
	c := New(Config{}, testCounter(40), nil)
	text := "First sentence is here. Second sentence follows it. Third one closes the set. Fourth keeps going onward. Fifth wraps everything up."
	res := c.Chunk(text, "t1", "d1", "body")

	require.Greater(t, len(res.Chunks), 1)
	for _, ch := range res.Chunks {
		assert.LessOrEqual(t, ch.TokenCount, c.SafeTokenLimit())
	}
	// Order indexes are sequential.
	for i, ch := range res.Chunks {
		assert.Equal(t, i, ch.Metadata.OrderIndex)
	}
}

func TestChunkParagraphStrategy(t *testing.T) {
	c := New(Config{Strategy: StrategyParagraphAware}, testCounter(200), nil)
	text := "First paragraph stands alone here.\n\nSecond paragraph is separate."
	res := c.Chunk(text, "t1", "d1", "")

	require.Len(t, res.Chunks, 2)
	assert.Equal(t, "First paragraph stands alone here.", res.Chunks[0].Text)
	assert.Equal(t, "Second paragraph is separate.", res.Chunks[1].Text)
}

func TestChunkCharacterStrategy(t *testing.T) {
	c := New(Config{Strategy: StrategyCharacter}, testCounter(30), nil)
	text := strings.Repeat("several plain words in a row ", 30)
	res := c.Chunk(text, "t1", "d1", "")

	assert.Greater(t, len(res.Chunks), 1)
	assert.Equal(t, StrategyCharacter, res.Strategy)
}

func TestChunkOverlap(t *testing.T) {
	c := New(Config{OverlapTokens: 8}, testCounter(30), nil)
	text := "Alpha beta gamma delta epsilon zeta eta theta. Iota kappa lambda mu nu xi omicron pi. Rho sigma tau upsilon phi chi psi omega."
	res := c.Chunk(text, "t1", "d1", "")

	require.Greater(t, len(res.Chunks), 1)
	// ceil(8*0.75) = 6 words from the previous chunk prefix the next.
	firstWords := strings.Fields(res.Chunks[0].Text)
	tail := strings.Join(firstWords[len(firstWords)-6:], " ")
	assert.True(t, strings.HasPrefix(res.Chunks[1].Text, tail),
		"second chunk should start with the previous chunk's tail")
}

func TestChunkDeterministicIDs(t *testing.T) {
	c := New(Config{}, testCounter(40), nil)
	text := "One sentence here. Another sentence there. A third for good measure."
	a := c.Chunk(text, "t1", "d1", "s")
	b := c.Chunk(text, "t1", "d1", "s")
	require.Equal(t, len(a.Chunks), len(b.Chunks))
	for i := range a.Chunks {
		assert.Equal(t, a.Chunks[i].ID, b.Chunks[i].ID)
	}
}

func TestSmallTableUnchanged(t *testing.T) {
	c := New(Config{}, tokenizer.NewCounter(tokenizer.Config{Model: "gpt-4", MaxTokens: 389, SafetyMargin: 0.1}), nil)
	// safeTokenLimit = floor(389*0.9) = 350
	table := "| Name | Qty |\n| --- | --- |\n| apples | 4 |\n| pears | 7 |"
	res := c.ChunkTable(table, "t1", "d1", "inventory")

	require.Len(t, res.Chunks, 1)
	assert.True(t, res.Chunks[0].Metadata.IsTable)
	assert.Equal(t, table, res.Chunks[0].Text, "small table passes through unchanged")
}

func TestLargeTablePreservesRows(t *testing.T) {
	c := New(Config{RepeatTableHeader: true}, testCounter(40), nil)
	var sb strings.Builder
	sb.WriteString("| Name | Description |\n| --- | --- |\n")
	rows := []string{}
	for i := 0; i < 12; i++ {
		row := "| item | a reasonably long description cell with several words |"
		rows = append(rows, row)
		sb.WriteString(row + "\n")
	}
	res := c.ChunkTable(strings.TrimRight(sb.String(), "\n"), "t1", "d1", "")

	require.Greater(t, len(res.Chunks), 1)
	for _, ch := range res.Chunks {
		assert.True(t, ch.Metadata.IsTable)
		assert.True(t, strings.HasPrefix(ch.Text, "| Name | Description |"),
			"header repeats on every chunk when configured")
		for _, line := range strings.Split(ch.Text, "\n") {
			assert.True(t, strings.HasPrefix(line, "|"), "no row is ever split")
		}
	}
	// Every body row survives exactly once.
	joined := ""
	for _, ch := range res.Chunks {
		joined += ch.Text + "\n"
	}
	assert.Equal(t, len(rows), strings.Count(joined, rows[0]))
}

func TestGuardLengthBounds(t *testing.T) {
	g := NewGuard(DefaultGuardConfig(), nil)
	chunks := []schemas.Chunk{
		{ID: "a", Text: "tiny", Metadata: schemas.ChunkMetadata{Tenant: "t", DocID: "d"}},
		{ID: "b", Text: "long enough content to pass the minimum", Metadata: schemas.ChunkMetadata{Tenant: "t", DocID: "d"}},
		{ID: "c", Text: strings.Repeat("x", 10001), Metadata: schemas.ChunkMetadata{Tenant: "t", DocID: "d"}},
	}
	kept, rejected := g.Filter(chunks)
	require.Len(t, kept, 1)
	assert.Equal(t, "b", kept[0].ID)
	assert.Len(t, rejected, 2)
}

func TestGuardMissingMetadata(t *testing.T) {
	g := NewGuard(DefaultGuardConfig(), nil)
	kept, rejected := g.Filter([]schemas.Chunk{
		{ID: "a", Text: "content that is clearly long enough"},
	})
	assert.Empty(t, kept)
	require.Len(t, rejected, 1)
	assert.Contains(t, rejected[0], "missing required metadata")
}

func TestGuardNearDuplicateKeepsFirst(t *testing.T) {
	g := NewGuard(DefaultGuardConfig(), nil)
	base := "the quick brown fox jumps over the lazy dog near the river bank today"
	chunks := []schemas.Chunk{
		{ID: "first", Text: base, Metadata: schemas.ChunkMetadata{Tenant: "t", DocID: "d"}},
		{ID: "second", Text: base + " again", Metadata: schemas.ChunkMetadata{Tenant: "t", DocID: "d"}},
		{ID: "third", Text: "entirely different subject matter about database replication lag", Metadata: schemas.ChunkMetadata{Tenant: "t", DocID: "d"}},
	}
	kept, rejected := g.Filter(chunks)
	require.Len(t, kept, 2)
	assert.Equal(t, "first", kept[0].ID)
	assert.Equal(t, "third", kept[1].ID)
	require.Len(t, rejected, 1)
	assert.Contains(t, rejected[0], "near-duplicate")
}

func TestJaccard(t *testing.T) {
	assert.InDelta(t, 1.0, jaccard([]string{"a", "b"}, []string{"a", "b"}), 1e-9)
	assert.InDelta(t, 0.0, jaccard([]string{"a"}, []string{"b"}), 1e-9)
	assert.InDelta(t, 1.0/3.0, jaccard([]string{"a", "b"}, []string{"b", "c"}), 1e-9)
}
