package bench

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memograph/internal/config"
	"memograph/internal/types"
)

func gateResult(p95 float64) *RetrievalBenchmarkResult {
	return &RetrievalBenchmarkResult{
		Overall: StatSummary{Count: 10, P95: p95},
		Stages: map[string]StatSummary{
			"rag":   {Count: 10, P95: p95 * 0.4},
			"total": {Count: 10, P95: p95},
		},
		Routes: map[types.Route]StatSummary{
			types.RouteMemory: {Count: 10, P95: p95},
		},
	}
}

func TestGatePassesWithoutThresholds(t *testing.T) {
	cfg := config.DefaultBenchConfig()
	assert.NoError(t, EvaluateGate(cfg, gateResult(500), nil))
}

func TestGateOverallP95(t *testing.T) {
	cfg := config.DefaultBenchConfig()
	cfg.Gate.MaxP95Ms = 100

	assert.NoError(t, EvaluateGate(cfg, gateResult(80), nil))

	err := EvaluateGate(cfg, gateResult(150), nil)
	require.Error(t, err)
	var gateErr *GateError
	require.ErrorAs(t, err, &gateErr)
	require.Len(t, gateErr.Violations, 1)
	assert.Contains(t, gateErr.Violations[0], "overall p95")
}

func TestGateStageLimit(t *testing.T) {
	cfg := config.DefaultBenchConfig()
	cfg.Gate.StageMaxP95Ms = map[string]float64{"rag": 10}

	err := EvaluateGate(cfg, gateResult(100), nil)
	require.Error(t, err)
	var gateErr *GateError
	require.ErrorAs(t, err, &gateErr)
	assert.Contains(t, gateErr.Violations[0], "stage rag")
}

func TestGateRequireBaseline(t *testing.T) {
	cfg := config.DefaultBenchConfig()
	cfg.History.RequireBaseline = true

	err := EvaluateGate(cfg, gateResult(50), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "baseline")

	cmp := &Comparison{BaselineRunID: "run-base", P95Ratio: 1.0}
	assert.NoError(t, EvaluateGate(cfg, gateResult(50), cmp))
}

func TestGateBaselineRegression(t *testing.T) {
	cfg := config.DefaultBenchConfig()
	cfg.History.MaxP95Ratio = 1.2
	cfg.History.MaxP95DeltaMs = 20

	ok := &Comparison{BaselineRunID: "run-base", P95Ratio: 1.1, P95DeltaMs: 5}
	assert.NoError(t, EvaluateGate(cfg, gateResult(55), ok))

	bad := &Comparison{BaselineRunID: "run-base", P95Ratio: 1.5, P95DeltaMs: 25}
	err := EvaluateGate(cfg, gateResult(75), bad)
	require.Error(t, err)
	var gateErr *GateError
	require.ErrorAs(t, err, &gateErr)
	require.Len(t, gateErr.Violations, 2)
	assert.Contains(t, gateErr.Violations[0], "1.50x")
	assert.Contains(t, gateErr.Violations[1], "+25.00ms")
}

func TestGateMemoryRouteRatio(t *testing.T) {
	cfg := config.DefaultBenchConfig()
	cfg.Gate.MaxP95Ratio = 1.3

	cmp := &Comparison{BaselineRunID: "run-base", P95Ratio: 1.6}
	err := EvaluateGate(cfg, gateResult(80), cmp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "p95 ratio")

	// Without memory-route samples the check does not apply.
	result := gateResult(80)
	delete(result.Routes, types.RouteMemory)
	assert.NoError(t, EvaluateGate(cfg, result, cmp))
}

func TestGateCollectsAllViolations(t *testing.T) {
	cfg := config.DefaultBenchConfig()
	cfg.Gate.MaxP95Ms = 50
	cfg.Gate.StageMaxP95Ms = map[string]float64{"rag": 10, "total": 50}

	err := EvaluateGate(cfg, gateResult(100), nil)
	require.Error(t, err)
	var gateErr *GateError
	require.ErrorAs(t, err, &gateErr)
	assert.Len(t, gateErr.Violations, 3)
}
