package guardrail

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundline-ai/groundline/internal/schemas"
)

func defaultEngine(t *testing.T) *Engine {
	t.Helper()
	cfg, err := NewConfigStore("", nil)
	require.NoError(t, err)
	return NewEngine(cfg, nil)
}

func userCtx() schemas.UserContext {
	return schemas.UserContext{ID: "u", TenantID: "t", GroupIDs: []string{"g"}}
}

func results(scores ...float64) []schemas.RetrievedResult {
	out := make([]schemas.RetrievedResult, len(scores))
	for i, s := range scores {
		out[i] = schemas.RetrievedResult{ID: string(rune('a' + i)), Score: s}
	}
	return out
}

func TestEmptyResultsIDK(t *testing.T) {
	d := defaultEngine(t).Evaluate("q", nil, userCtx())

	assert.False(t, d.IsAnswerable)
	assert.Zero(t, d.Confidence)
	assert.Equal(t, schemas.ReasonNoRelevantDocs, d.ReasonCode)
	assert.GreaterOrEqual(t, len(d.Suggestions), 1)
	require.NotNil(t, d.ScoreStats)
	assert.Zero(t, d.ScoreStats.Count)
}

func TestHighConfidenceAnswerable(t *testing.T) {
	d := defaultEngine(t).Evaluate("q", results(0.80, 0.85, 0.82), userCtx())

	assert.True(t, d.IsAnswerable)
	assert.Greater(t, d.Confidence, 0.6)
	require.NotNil(t, d.ScoreStats)
	assert.InDelta(t, 0.823, d.ScoreStats.Mean, 0.001)
	require.NotNil(t, d.AlgorithmScores)
	assert.Equal(t, 1.0, d.AlgorithmScores.Threshold)
}

func TestLowScoresNotAnswerable(t *testing.T) {
	d := defaultEngine(t).Evaluate("q", results(0.2, 0.15, 0.1), userCtx())

	assert.False(t, d.IsAnswerable)
	assert.Equal(t, schemas.ReasonPoorRetrievalScores, d.ReasonCode)
	assert.GreaterOrEqual(t, len(d.Suggestions), 3)
	assert.LessOrEqual(t, len(d.Suggestions), 5)
}

func TestScoresClampedTo01(t *testing.T) {
	d := defaultEngine(t).Evaluate("q", results(1.7, -0.3), userCtx())
	require.NotNil(t, d.ScoreStats)
	assert.Equal(t, 1.0, d.ScoreStats.Max)
	assert.Equal(t, 0.0, d.ScoreStats.Min)
}

func TestConfidenceInRange(t *testing.T) {
	for _, scores := range [][]float64{{0.99, 0.99, 0.99, 0.99, 0.99}, {0.01}, {0.5, 0.9, 0.1}} {
		d := defaultEngine(t).Evaluate("q", results(scores...), userCtx())
		assert.GreaterOrEqual(t, d.Confidence, 0.0)
		assert.LessOrEqual(t, d.Confidence, 1.0)
	}
}

func TestRerankerScoresFeedMLFeatures(t *testing.T) {
	rs := results(0.8, 0.8)
	for i := range rs {
		rs[i].RerankerScore = 0.95
	}
	withRerank := defaultEngine(t).Evaluate("q", rs, userCtx())
	without := defaultEngine(t).Evaluate("q", results(0.8, 0.8), userCtx())
	require.NotNil(t, withRerank.AlgorithmScores)
	require.NotNil(t, without.AlgorithmScores)
	assert.NotEqual(t, without.AlgorithmScores.MLFeatures, withRerank.AlgorithmScores.MLFeatures)
}

func TestDisabledGuardrailAnswers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guardrail.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tenants:\n  t:\n    enabled: false\n"), 0o644))
	cfg, err := NewConfigStore(path, nil)
	require.NoError(t, err)

	d := NewEngine(cfg, nil).Evaluate("q", nil, userCtx())
	assert.True(t, d.IsAnswerable)
	assert.Equal(t, "Guardrail disabled", d.Reasoning)
}

func TestTenantOverrideAndDefaultEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guardrail.yaml")
	yaml := `tenants:
  default:
    enabled: true
    min_confidence: 0.35
    min_top_score: 0.5
    min_mean_score: 0.3
    min_result_count: 1
  strict:
    enabled: true
    min_confidence: 0.9
    min_top_score: 0.95
    min_mean_score: 0.9
    min_result_count: 3
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	cfg, err := NewConfigStore(path, nil)
	require.NoError(t, err)
	engine := NewEngine(cfg, nil)

	relaxed := engine.Evaluate("q", results(0.8, 0.85, 0.82), schemas.UserContext{ID: "u", TenantID: "unknown-tenant"})
	assert.True(t, relaxed.IsAnswerable, "unknown tenant uses the default entry")

	strict := engine.Evaluate("q", results(0.8, 0.85, 0.82), schemas.UserContext{ID: "u", TenantID: "strict"})
	assert.False(t, strict.IsAnswerable)
}

func TestConfigHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guardrail.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tenants:\n  t:\n    enabled: true\n    min_confidence: 0.35\n    min_top_score: 0.5\n    min_mean_score: 0.3\n    min_result_count: 1\n"), 0o644))

	cfg, err := NewConfigStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, cfg.Watch())
	defer cfg.Close()

	require.NoError(t, os.WriteFile(path, []byte("tenants:\n  t:\n    enabled: false\n"), 0o644))
	require.Eventually(t, func() bool {
		return !cfg.For("t").Enabled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReloadFailureKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guardrail.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tenants:\n  t:\n    enabled: false\n"), 0o644))
	cfg, err := NewConfigStore(path, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(":::not yaml"), 0o644))
	assert.Error(t, cfg.Reload())
	assert.False(t, cfg.For("t").Enabled, "previous config survives a bad reload")
}

func TestBuildIdkResponse(t *testing.T) {
	d := defaultEngine(t).Evaluate("q", nil, userCtx())
	idk := BuildIdkResponse(d)
	assert.NotEmpty(t, idk.Message)
	assert.Equal(t, schemas.ReasonNoRelevantDocs, idk.ReasonCode)
	assert.Equal(t, d.Suggestions, idk.Suggestions)
}

func TestSuggestionCountsPerReason(t *testing.T) {
	for _, reason := range []schemas.ReasonCode{
		schemas.ReasonNoRelevantDocs,
		schemas.ReasonLowConfidence,
		schemas.ReasonPoorRetrievalScores,
		schemas.ReasonContextInsufficient,
		schemas.ReasonOutOfScope,
		schemas.ReasonAmbiguousQuery,
	} {
		s := Suggestions(reason, "how do I configure the widget")
		assert.GreaterOrEqual(t, len(s), 3, string(reason))
		assert.LessOrEqual(t, len(s), 5, string(reason))
	}
}
