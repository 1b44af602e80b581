package bench

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memograph/internal/config"
)

func testHistory(t *testing.T, cfg config.HistoryConfig) *History {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "bench_history.jsonl")
	}
	return NewHistory(cfg)
}

func historyRecord(runID, branch, configHash string, ts time.Time, p95 float64) HistoryRecord {
	return HistoryRecord{
		Metadata: RunMetadata{
			RunID:     runID,
			Timestamp: ts.UTC().Format(time.RFC3339),
			Branch:    branch,
			Source:    "local",
		},
		ConfigHash: configHash,
		Result: &RetrievalBenchmarkResult{
			Overall: StatSummary{Count: 5, P50: p95 * 0.6, P95: p95, Avg: p95 * 0.7},
			Stages: map[string]StatSummary{
				"rag":   {Count: 5, P95: p95 * 0.5},
				"total": {Count: 5, P95: p95},
			},
		},
	}
}

func TestHistoryAppendAndLoad(t *testing.T) {
	h := testHistory(t, config.HistoryConfig{Retention: 100})

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rec := historyRecord(fmt.Sprintf("run-%d", i), "main", "cfg-a", base.Add(time.Duration(i)*time.Minute), 50)
		total, pruned, err := h.Append(rec)
		require.NoError(t, err)
		assert.Equal(t, i+1, total)
		assert.Equal(t, 0, pruned)
	}

	records, err := h.Load()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "run-0", records[0].Metadata.RunID)
	assert.Equal(t, "run-2", records[2].Metadata.RunID)
	assert.Equal(t, 50.0, records[1].Result.Overall.P95)
}

func TestHistoryRetentionKeepsNewest(t *testing.T) {
	h := testHistory(t, config.HistoryConfig{Retention: 3})

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	var lastTotal, lastPruned int
	for i := 0; i < 5; i++ {
		rec := historyRecord(fmt.Sprintf("run-%d", i), "main", "cfg-a", base.Add(time.Duration(i)*time.Minute), 50)
		total, pruned, err := h.Append(rec)
		require.NoError(t, err)
		lastTotal, lastPruned = total, pruned
	}
	assert.Equal(t, 3, lastTotal)
	assert.Equal(t, 1, lastPruned)

	records, err := h.Load()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "run-2", records[0].Metadata.RunID, "oldest records are pruned first")
	assert.Equal(t, "run-4", records[2].Metadata.RunID)
}

func TestHistoryLoadSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench_history.jsonl")
	h := testHistory(t, config.HistoryConfig{Path: path, Retention: 100})

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	_, _, err := h.Append(historyRecord("run-0", "main", "cfg-a", base, 50))
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not valid json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, _, err = h.Append(historyRecord("run-1", "main", "cfg-a", base.Add(time.Minute), 60))
	require.NoError(t, err)

	records, err := h.Load()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "run-0", records[0].Metadata.RunID)
	assert.Equal(t, "run-1", records[1].Metadata.RunID)
}

func TestHistoryPersistsConfigSnapshot(t *testing.T) {
	h := testHistory(t, config.HistoryConfig{Retention: 100})

	cfg := config.Default()
	snapshot := NewConfigSnapshot(cfg)
	rec := historyRecord("run-0", "main", snapshot.Hash(), time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC), 50)
	rec.Config = &snapshot
	_, _, err := h.Append(rec)
	require.NoError(t, err)

	records, err := h.Load()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].Config)
	assert.Equal(t, snapshot.ScoringHash, records[0].Config.ScoringHash)
	assert.Equal(t, cfg.Retrieval.RAGLimit, records[0].Config.Retrieval.RAGLimit)
	assert.Equal(t, records[0].Config.Hash(), records[0].ConfigHash,
		"stored hash stays derivable from the stored snapshot")
}

func TestConfigSnapshotHashTracksChanges(t *testing.T) {
	a := NewConfigSnapshot(config.Default())
	b := NewConfigSnapshot(config.Default())
	assert.Equal(t, a.Hash(), b.Hash())

	changed := config.Default()
	changed.Bench.TokenBudget = 999
	assert.NotEqual(t, a.Hash(), NewConfigSnapshot(changed).Hash())
}

func TestHistoryLoadMissingFile(t *testing.T) {
	h := NewHistory(config.HistoryConfig{Path: filepath.Join(t.TempDir(), "absent.jsonl")})
	records, err := h.Load()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFindBaselinePicksNewestEarlierRun(t *testing.T) {
	h := testHistory(t, config.HistoryConfig{Retention: 100, MaxLookback: 20, SameBranch: true})

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, _, err := h.Append(historyRecord(fmt.Sprintf("run-%d", i), "main", "cfg-a", base.Add(time.Duration(i)*time.Minute), 50))
		require.NoError(t, err)
	}

	current := historyRecord("run-current", "main", "cfg-a", base.Add(10*time.Minute), 55)
	_, _, err := h.Append(current)
	require.NoError(t, err)

	baseline, err := h.FindBaseline(current)
	require.NoError(t, err)
	require.NotNil(t, baseline)
	assert.Equal(t, "run-2", baseline.Metadata.RunID, "newest strictly earlier run wins")
}

func TestFindBaselineFilters(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	current := historyRecord("run-current", "main", "cfg-a", base.Add(time.Hour), 55)

	t.Run("same branch required", func(t *testing.T) {
		h := testHistory(t, config.HistoryConfig{Retention: 100, MaxLookback: 20, SameBranch: true})
		_, _, err := h.Append(historyRecord("run-other", "feature", "cfg-a", base, 50))
		require.NoError(t, err)

		baseline, err := h.FindBaseline(current)
		require.NoError(t, err)
		assert.Nil(t, baseline)
	})

	t.Run("same config required", func(t *testing.T) {
		h := testHistory(t, config.HistoryConfig{Retention: 100, MaxLookback: 20, SameConfig: true})
		_, _, err := h.Append(historyRecord("run-other", "main", "cfg-b", base, 50))
		require.NoError(t, err)

		baseline, err := h.FindBaseline(current)
		require.NoError(t, err)
		assert.Nil(t, baseline)
	})

	t.Run("non-earlier timestamps are skipped", func(t *testing.T) {
		h := testHistory(t, config.HistoryConfig{Retention: 100, MaxLookback: 20})
		_, _, err := h.Append(historyRecord("run-future", "main", "cfg-a", base.Add(2*time.Hour), 50))
		require.NoError(t, err)

		baseline, err := h.FindBaseline(current)
		require.NoError(t, err)
		assert.Nil(t, baseline)
	})

	t.Run("lookback bounds the scan", func(t *testing.T) {
		h := testHistory(t, config.HistoryConfig{Retention: 100, MaxLookback: 2, SameBranch: true})
		_, _, err := h.Append(historyRecord("run-match", "main", "cfg-a", base, 50))
		require.NoError(t, err)
		for i := 0; i < 2; i++ {
			_, _, err := h.Append(historyRecord(fmt.Sprintf("run-feature-%d", i), "feature", "cfg-a", base.Add(time.Duration(i+1)*time.Minute), 50))
			require.NoError(t, err)
		}

		baseline, err := h.FindBaseline(current)
		require.NoError(t, err)
		assert.Nil(t, baseline, "the matching run sits past the lookback window")
	})
}

func TestCompare(t *testing.T) {
	baseline := &RetrievalBenchmarkResult{
		Overall: StatSummary{P50: 30, P95: 50, Avg: 35},
		Stages: map[string]StatSummary{
			"rag":   {P95: 20},
			"total": {P95: 50},
		},
	}
	baseline.Cache.HitRate = 0.5

	current := &RetrievalBenchmarkResult{
		Overall: StatSummary{P50: 33, P95: 60, Avg: 40},
		Stages: map[string]StatSummary{
			"rag":   {P95: 25},
			"total": {P95: 60},
		},
	}
	current.Cache.HitRate = 0.75

	cmp := Compare(current, baseline)
	assert.InDelta(t, 3.0, cmp.P50DeltaMs, 1e-9)
	assert.InDelta(t, 10.0, cmp.P95DeltaMs, 1e-9)
	assert.InDelta(t, 5.0, cmp.AvgDeltaMs, 1e-9)
	assert.InDelta(t, 1.2, cmp.P95Ratio, 1e-9)
	assert.InDelta(t, 5.0, cmp.Stages["rag"].P95DeltaMs, 1e-9)
	assert.InDelta(t, 1.25, cmp.Stages["rag"].P95Ratio, 1e-9)
	assert.InDelta(t, 0.25, cmp.CacheHitRateDelta, 1e-9)
}

func TestCompareNearZeroBaseline(t *testing.T) {
	baseline := &RetrievalBenchmarkResult{Overall: StatSummary{P95: 0}, Stages: map[string]StatSummary{}}
	current := &RetrievalBenchmarkResult{Overall: StatSummary{P95: 1}, Stages: map[string]StatSummary{}}

	cmp := Compare(current, baseline)
	assert.InDelta(t, 100.0, cmp.P95Ratio, 1e-9, "baseline is floored at 0.01ms")
}
