// Package guardrail decides whether retrieved context can support an
// answer. Confidence blends a statistical score over the retrieval
// distribution, a hard threshold indicator, and lightweight ML-style
// features; thresholds are per-tenant with hot reload.
package guardrail

import (
	"fmt"
	"math"
	"strconv"

	"go.uber.org/zap"

	"github.com/groundline-ai/groundline/internal/metrics"
	"github.com/groundline-ai/groundline/internal/schemas"
)

// Blend weights across the three sub-scores; they sum to 1.
const (
	weightStatistical = 0.5
	weightThreshold   = 0.3
	weightMLFeatures  = 0.2
)

// Statistical sub-score weights over mean, max, and consistency.
const (
	statWeightMean        = 0.4
	statWeightMax         = 0.4
	statWeightConsistency = 0.2
)

// Engine evaluates answerability.
type Engine struct {
	cfg *ConfigStore
	log *zap.Logger
}

func NewEngine(cfg *ConfigStore, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{cfg: cfg, log: log}
}

// Evaluate computes the guardrail decision for a query and its retrieval
// results under the caller's tenant thresholds.
func (e *Engine) Evaluate(query string, results []schemas.RetrievedResult, userCtx schemas.UserContext) schemas.GuardrailDecision {
	th := e.cfg.For(userCtx.TenantID)

	if !th.Enabled {
		d := schemas.GuardrailDecision{
			IsAnswerable: true,
			Confidence:   1,
			Reasoning:    "Guardrail disabled",
		}
		e.record(userCtx.TenantID, d)
		return d
	}

	stats := computeStats(results)
	if stats.Count == 0 {
		d := schemas.GuardrailDecision{
			IsAnswerable: false,
			Confidence:   0,
			ReasonCode:   schemas.ReasonNoRelevantDocs,
			Suggestions:  Suggestions(schemas.ReasonNoRelevantDocs, query),
			ScoreStats:   &stats,
			Reasoning:    "no documents retrieved",
		}
		e.record(userCtx.TenantID, d)
		return d
	}

	statistical := statWeightMean*stats.Mean + statWeightMax*stats.Max + statWeightConsistency*(1-stats.StdDev)
	threshold := 0.0
	if stats.Max >= th.MinTopScore && stats.Mean >= th.MinMeanScore && stats.Count >= th.MinResultCount {
		threshold = 1
	}
	ml := mlFeatures(results, stats)

	confidence := clamp01(weightStatistical*statistical + weightThreshold*threshold + weightMLFeatures*ml)

	answerable := stats.Count >= th.MinResultCount &&
		confidence >= th.MinConfidence &&
		stats.Max >= th.MinTopScore &&
		stats.Mean >= th.MinMeanScore

	d := schemas.GuardrailDecision{
		IsAnswerable: answerable,
		Confidence:   confidence,
		ScoreStats:   &stats,
		AlgorithmScores: &schemas.AlgorithmScores{
			Statistical: clamp01(statistical),
			Threshold:   threshold,
			MLFeatures:  clamp01(ml),
		},
		Reasoning: fmt.Sprintf("confidence=%.3f (stat=%.3f thr=%.0f ml=%.3f)", confidence, statistical, threshold, ml),
	}
	if !answerable {
		d.ReasonCode = reasonFor(stats, th, confidence)
		d.Suggestions = Suggestions(d.ReasonCode, query)
	}
	e.record(userCtx.TenantID, d)
	return d
}

func (e *Engine) record(tenant string, d schemas.GuardrailDecision) {
	metrics.GuardrailDecisions.WithLabelValues(tenant, strconv.FormatBool(d.IsAnswerable), string(d.ReasonCode)).Inc()
}

// computeStats clamps every score to [0,1]; missing scores count as 0.
func computeStats(results []schemas.RetrievedResult) schemas.ScoreStats {
	n := len(results)
	stats := schemas.ScoreStats{Count: n}
	if n == 0 {
		return stats
	}
	scores := make([]float64, n)
	var sum float64
	stats.Min = 1
	for i, r := range results {
		s := clamp01(r.Score)
		scores[i] = s
		sum += s
		if s > stats.Max {
			stats.Max = s
		}
		if s < stats.Min {
			stats.Min = s
		}
	}
	stats.Mean = sum / float64(n)
	var variance float64
	for _, s := range scores {
		d := s - stats.Mean
		variance += d * d
	}
	stats.StdDev = math.Sqrt(variance / float64(n))
	return stats
}

// mlFeatures blends result count, score spread, and reranker confidence
// when available.
func mlFeatures(results []schemas.RetrievedResult, stats schemas.ScoreStats) float64 {
	countScore := float64(stats.Count) / 5
	if countScore > 1 {
		countScore = 1
	}
	spread := stats.Max - stats.Min
	spreadScore := 1 - spread

	var rerankSum float64
	var rerankN int
	for _, r := range results {
		if r.RerankerScore > 0 {
			rerankSum += clamp01(r.RerankerScore)
			rerankN++
		}
	}
	if rerankN > 0 {
		return 0.5*countScore + 0.3*spreadScore + 0.2*(rerankSum/float64(rerankN))
	}
	return 0.6*countScore + 0.4*spreadScore
}

func reasonFor(stats schemas.ScoreStats, th Thresholds, confidence float64) schemas.ReasonCode {
	switch {
	case stats.Count < th.MinResultCount:
		return schemas.ReasonNoRelevantDocs
	case stats.Max < th.MinTopScore || stats.Mean < th.MinMeanScore:
		return schemas.ReasonPoorRetrievalScores
	case confidence < th.MinConfidence:
		return schemas.ReasonLowConfidence
	default:
		return schemas.ReasonContextInsufficient
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
