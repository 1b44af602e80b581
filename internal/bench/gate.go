package bench

import (
	"fmt"
	"sort"
	"strings"

	"memograph/internal/config"
	"memograph/internal/logging"
	"memograph/internal/types"
)

// GateError reports every threshold a benchmark run violated.
type GateError struct {
	Violations []string
}

func (e *GateError) Error() string {
	return fmt.Sprintf("quality gate failed: %s", strings.Join(e.Violations, "; "))
}

// EvaluateGate checks a benchmark result against the configured absolute
// thresholds and, when a baseline comparison is available, the regression
// thresholds. A nil return means the gate passed. Zero-valued thresholds
// are disabled.
func EvaluateGate(cfg config.BenchConfig, result *RetrievalBenchmarkResult, cmp *Comparison) error {
	var violations []string

	gate := cfg.Gate
	if gate.MaxP95Ms > 0 && result.Overall.P95 > gate.MaxP95Ms {
		violations = append(violations,
			fmt.Sprintf("overall p95 %.2fms exceeds limit %.2fms", result.Overall.P95, gate.MaxP95Ms))
	}

	if gate.MaxP95Ratio > 0 && cmp != nil {
		if route, ok := result.Routes[types.RouteMemory]; ok && route.Count > 0 && cmp.P95Ratio > gate.MaxP95Ratio {
			violations = append(violations,
				fmt.Sprintf("p95 ratio %.2fx exceeds limit %.2fx", cmp.P95Ratio, gate.MaxP95Ratio))
		}
	}

	stages := make([]string, 0, len(gate.StageMaxP95Ms))
	for stage := range gate.StageMaxP95Ms {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	for _, stage := range stages {
		limit := gate.StageMaxP95Ms[stage]
		if limit <= 0 {
			continue
		}
		summary, ok := result.Stages[stage]
		if !ok {
			continue
		}
		if summary.P95 > limit {
			violations = append(violations,
				fmt.Sprintf("stage %s p95 %.2fms exceeds limit %.2fms", stage, summary.P95, limit))
		}
	}

	hist := cfg.History
	if cmp == nil {
		if hist.RequireBaseline {
			violations = append(violations, "no baseline found and baseline is required")
		}
	} else {
		if hist.MaxP95Ratio > 0 && cmp.P95Ratio > hist.MaxP95Ratio {
			violations = append(violations,
				fmt.Sprintf("p95 regressed %.2fx against baseline %s, limit %.2fx",
					cmp.P95Ratio, cmp.BaselineRunID, hist.MaxP95Ratio))
		}
		if hist.MaxP95DeltaMs > 0 && cmp.P95DeltaMs > hist.MaxP95DeltaMs {
			violations = append(violations,
				fmt.Sprintf("p95 regressed +%.2fms against baseline %s, limit +%.2fms",
					cmp.P95DeltaMs, cmp.BaselineRunID, hist.MaxP95DeltaMs))
		}
	}

	if len(violations) > 0 {
		logging.Bench("Quality gate failed with %d violations", len(violations))
		return &GateError{Violations: violations}
	}
	logging.Bench("Quality gate passed: overall p95=%.2fms", result.Overall.P95)
	return nil
}
