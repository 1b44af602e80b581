// Package scoring ranks memories by combining semantic similarity with
// recency, confidence, and access frequency under configurable weights,
// decay curves, and boost rules.
package scoring

import (
	"math"
	"time"

	"memograph/internal/config"
	"memograph/internal/types"
)

// Result carries a final score together with the contribution of every factor.
type Result struct {
	Score     float64
	Breakdown map[string]float64
}

// Score ranks one memory. semantic is the raw similarity from the vector
// channel in [0,1]. For fixed inputs and time the function is pure.
func Score(m *types.Memory, semantic float64, cfg *config.ScoringConfig, now time.Time) Result {
	semanticScore := clamp01(semantic)
	recencyScore := recencyScore(m, cfg, now)
	confidenceScore := CalculateDecayedConfidence(m, cfg, now)
	frequencyScore := frequencyScore(m.AccessCount, &cfg.Frequency)

	ws, wr, wc, wf := normaliseWeights(&cfg.Weights)

	raw := ws*semanticScore + wr*recencyScore + wc*confidenceScore + wf*frequencyScore
	final := applyBoosts(raw, m, cfg.BoostRules, now)

	return Result{
		Score: final,
		Breakdown: map[string]float64{
			"semantic":   semanticScore,
			"recency":    recencyScore,
			"confidence": confidenceScore,
			"frequency":  frequencyScore,
			"raw":        raw,
			"final":      final,
		},
	}
}

// normaliseWeights scales the four weights to sum to 1. All-zero weights
// fall back to 0.25 each.
func normaliseWeights(w *config.ScoringWeights) (semantic, recency, confidence, frequency float64) {
	ws := sanitizeWeight(w.Semantic)
	wr := sanitizeWeight(w.Recency)
	wc := sanitizeWeight(w.Confidence)
	wf := sanitizeWeight(w.Frequency)

	sum := ws + wr + wc + wf
	if sum == 0 {
		return 0.25, 0.25, 0.25, 0.25
	}
	return ws / sum, wr / sum, wc / sum, wf / sum
}

func sanitizeWeight(w float64) float64 {
	if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
		return 0
	}
	return w
}

// recencyScore decays over the newer of created-at and accessed-at.
// Non-finite or negative ages score 1 (treated as fresh).
func recencyScore(m *types.Memory, cfg *config.ScoringConfig, now time.Time) float64 {
	ageDays := m.AgeDays(now)
	if math.IsNaN(ageDays) || math.IsInf(ageDays, 0) || ageDays < 0 {
		return 1
	}
	return decayFactor(&cfg.Recency, ageDays, 1)
}

// frequencyScore normalises the access count to [0,1]. A count of zero
// returns the configured cold-start value; counts above MaxCount score 1.
func frequencyScore(count int64, spec *config.FrequencySpec) float64 {
	if count <= 0 {
		cold := spec.ColdStart
		if cold == 0 {
			cold = 0.5
		}
		return clamp01(cold)
	}

	maxCount := spec.MaxCount
	if maxCount <= 0 {
		maxCount = 100
	}
	if count >= maxCount {
		return 1
	}

	switch spec.Method {
	case "", "log":
		return math.Log(1+float64(count)) / math.Log(1+float64(maxCount))
	case "linear":
		return float64(count) / float64(maxCount)
	case "sigmoid":
		// Logistic curve centred at half of maxCount.
		x := float64(count)/float64(maxCount) - 0.5
		return 1 / (1 + math.Exp(-10*x))
	}
	return float64(count) / float64(maxCount)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
