package packer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundline-ai/groundline/internal/schemas"
)

func chunk(id, docID, section string, order int, score float64, content string) schemas.RetrievedResult {
	return schemas.RetrievedResult{
		ID:          id,
		Content:     content,
		FusionScore: score,
		Payload: map[string]interface{}{
			"docId":       docID,
			"sectionPath": section,
			"orderIndex":  float64(order),
		},
	}
}

func TestPackRespectsBudget(t *testing.T) {
	p := New(Config{TokenBudget: 50}, nil)
	// Each chunk is 100 chars -> 25 tokens.
	body := strings.Repeat("x", 100)
	res := p.Pack("query", []schemas.RetrievedResult{
		chunk("a", "d1", "s1", 0, 0.9, body),
		chunk("b", "d2", "s2", 0, 0.8, body),
		chunk("c", "d3", "s3", 0, 0.7, body),
	})

	require.Len(t, res.Chunks, 2)
	assert.Equal(t, 50, res.TotalTokens)
	assert.True(t, res.Truncated, "budget fully consumed")
	assert.Equal(t, "budget", res.Trace.DroppedReasons["c"])
}

func TestPackPerDocCap(t *testing.T) {
	p := New(DefaultConfig(), nil)
	res := p.Pack("query", []schemas.RetrievedResult{
		chunk("a", "d1", "s1", 0, 0.9, "first"),
		chunk("b", "d1", "s2", 1, 0.8, "second"),
		chunk("c", "d1", "s3", 2, 0.7, "third"),
		chunk("d", "d2", "s1", 0, 0.6, "other doc"),
	})

	require.Len(t, res.Chunks, 3)
	assert.Equal(t, "perDocCap", res.Trace.DroppedReasons["c"])
	assert.Contains(t, res.Trace.CapsApplied, "doc:d1")
}

func TestPackPerSectionCap(t *testing.T) {
	p := New(DefaultConfig(), nil)
	res := p.Pack("query", []schemas.RetrievedResult{
		chunk("a", "d1", "intro", 0, 0.9, "one"),
		chunk("b", "d2", "intro", 0, 0.8, "two"),
		chunk("c", "d3", "intro", 0, 0.7, "three"),
	})
	// Sections are scoped per doc, so three docs with the same section name
	// all pass.
	assert.Len(t, res.Chunks, 3)

	res2 := p.Pack("query", []schemas.RetrievedResult{
		chunk("a", "d1", "intro", 0, 0.9, "one"),
		chunk("b", "d1", "intro", 1, 0.8, "two"),
		chunk("c", "d1", "intro", 2, 0.7, "three"),
	})
	require.Len(t, res2.Chunks, 2)
	assert.Equal(t, "perSectionCap", res2.Trace.DroppedReasons["c"])
}

func TestPackSelectionOrderByBoostedScore(t *testing.T) {
	p := New(DefaultConfig(), nil)
	// "b" covers the query terms so its boosted score (0.70 + 0.15) beats "a".
	res := p.Pack("reset password", []schemas.RetrievedResult{
		chunk("a", "d1", "s", 0, 0.80, "unrelated content entirely"),
		chunk("b", "d2", "s", 0, 0.70, "to reset your password follow these steps"),
	})
	require.Len(t, res.Chunks, 2)
	assert.Equal(t, "b", res.Chunks[0].ID)
	assert.InDelta(t, 0.85, res.Trace.Scores["b"], 1e-9)
}

func TestPackNoveltyDropsNearDuplicateVectors(t *testing.T) {
	p := New(Config{NoveltyAlpha: 1.5}, nil)
	same := []float32{1, 0, 0}
	a := chunk("a", "d1", "s1", 0, 0.9, "alpha")
	a.Vector = same
	b := chunk("b", "d2", "s2", 0, 0.8, "beta")
	b.Vector = same

	res := p.Pack("query", []schemas.RetrievedResult{a, b})
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, "novelty", res.Trace.DroppedReasons["b"])
	assert.InDelta(t, -0.5, res.Trace.NoveltyScores["b"], 1e-6)
}

func TestPackNoVectorsAreFullyNovel(t *testing.T) {
	p := New(DefaultConfig(), nil)
	res := p.Pack("query", []schemas.RetrievedResult{
		chunk("a", "d1", "s1", 0, 0.9, "alpha"),
		chunk("b", "d2", "s2", 0, 0.8, "beta"),
	})
	assert.Len(t, res.Chunks, 2)
	assert.Equal(t, 1.0, res.Trace.NoveltyScores["b"])
}

func TestPackSectionReunification(t *testing.T) {
	p := New(Config{TokenBudget: 60, SectionReunification: true}, nil)
	small := strings.Repeat("s", 80)  // 20 tokens
	large := strings.Repeat("L", 400) // 100 tokens, never fits

	res := p.Pack("query", []schemas.RetrievedResult{
		chunk("head", "d1", "sec", 0, 0.9, small),
		chunk("big", "d1", "sec", 1, 0.8, large),
		chunk("near", "d1", "sec", 2, 0.5, small),
	})

	assert.Equal(t, "budget", res.Trace.DroppedReasons["big"])
	assert.Contains(t, res.Trace.SectionReunions, "near", "section mate swapped in for the over-budget chunk")
	assert.Contains(t, res.Trace.SelectedIDs, "near")
}

func TestPackEmptyInput(t *testing.T) {
	res := New(DefaultConfig(), nil).Pack("query", nil)
	assert.Empty(t, res.Chunks)
	assert.Zero(t, res.TotalTokens)
	assert.False(t, res.Truncated)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 25, EstimateTokens(strings.Repeat("x", 100)))
}
