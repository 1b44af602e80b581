// Package bench measures stage-level retrieval latency, persists benchmark
// history, and enforces the performance quality gate.
package bench

import (
	"math"
	"sort"
)

// StatSummary aggregates one latency sample set in milliseconds.
type StatSummary struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// Percentile computes the nearest-rank percentile of a sorted sample:
// index ceil((p/100)*n)-1, clamped to [0, n-1].
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// Summarize computes min/max/avg and the p50/p95/p99 nearest-rank
// percentiles of a sample set. The input is not modified.
func Summarize(samples []float64) StatSummary {
	if len(samples) == 0 {
		return StatSummary{}
	}

	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	sum := 0.0
	for _, s := range sorted {
		sum += s
	}

	return StatSummary{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Avg:   sum / float64(len(sorted)),
		P50:   Percentile(sorted, 50),
		P95:   Percentile(sorted, 95),
		P99:   Percentile(sorted, 99),
	}
}
