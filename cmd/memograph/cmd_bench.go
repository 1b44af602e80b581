package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"memograph/internal/bench"
	"memograph/internal/config"
)

var (
	benchJSON      bool
	benchNoHistory bool
)

// benchCmd runs the retrieval benchmark and enforces the quality gate.
var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Benchmark retrieval latency and enforce the quality gate",
	Long: `Runs the configured benchmark query set, records stage-level
latency percentiles, appends the run to the JSONL history file, compares
against the discovered baseline, and evaluates the quality gate.

Exits 1 with a one-line diagnostic on stderr when the gate fails.`,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().BoolVar(&benchJSON, "json", false, "emit the full result as JSON")
	benchCmd.Flags().BoolVar(&benchNoHistory, "no-history", false, "skip history persistence and baseline comparison")
}

func runBench(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	runner := bench.NewRunner(rt.engine, rt.cfg.Bench)
	result, err := runner.Run(cmd.Context())
	if err != nil {
		return err
	}

	var cmp *bench.Comparison
	if !benchNoHistory {
		cmp, err = persistAndCompare(rt.cfg, result)
		if err != nil {
			return err
		}
	}

	if benchJSON {
		out := struct {
			Result     *bench.RetrievalBenchmarkResult `json:"result"`
			Comparison *bench.Comparison               `json:"comparison,omitempty"`
		}{result, cmp}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	} else {
		printBenchSummary(result, cmp)
	}

	if err := bench.EvaluateGate(rt.cfg.Bench, result, cmp); err != nil {
		var gateErr *bench.GateError
		if errors.As(err, &gateErr) {
			fmt.Fprintln(os.Stderr, gateErr.Error())
			cmd.SilenceErrors = true
		}
		return err
	}
	return nil
}

// persistAndCompare appends the run to history and compares it against
// the discovered baseline, if any.
func persistAndCompare(cfg *config.Config, result *bench.RetrievalBenchmarkResult) (*bench.Comparison, error) {
	history := bench.NewHistory(cfg.Bench.History)
	snapshot := bench.NewConfigSnapshot(cfg)
	record := bench.HistoryRecord{
		Metadata:   bench.NewRunMetadata(workspace),
		ConfigHash: snapshot.Hash(),
		Config:     &snapshot,
		Result:     result,
	}

	total, pruned, err := history.Append(record)
	if err != nil {
		return nil, fmt.Errorf("failed to persist benchmark history: %w", err)
	}
	logger.Info("benchmark history updated",
		zap.String("run_id", record.Metadata.RunID),
		zap.Int("total_records", total),
		zap.Int("pruned_records", pruned))

	baseline, err := history.FindBaseline(record)
	if err != nil {
		return nil, err
	}
	if baseline == nil {
		return nil, nil
	}

	cmp := bench.Compare(result, baseline.Result)
	cmp.BaselineRunID = baseline.Metadata.RunID
	return &cmp, nil
}

// benchConfigHash fingerprints the config fields that shape benchmark
// results, so baseline discovery can demand a matching configuration.
func benchConfigHash(cfg *config.Config) string {
	return bench.NewConfigSnapshot(cfg).Hash()
}

func printBenchSummary(result *bench.RetrievalBenchmarkResult, cmp *bench.Comparison) {
	fmt.Printf("samples=%d failures=%d\n", len(result.Samples), len(result.Failures))
	fmt.Printf("overall: p50=%.2fms p95=%.2fms p99=%.2fms avg=%.2fms\n",
		result.Overall.P50, result.Overall.P95, result.Overall.P99, result.Overall.Avg)

	for _, stage := range config.BenchStages {
		if s, ok := result.Stages[stage]; ok {
			fmt.Printf("stage %-9s p95=%.2fms (n=%d)\n", stage, s.P95, s.Count)
		}
	}
	for route, s := range result.Routes {
		fmt.Printf("route %-7s p95=%.2fms (n=%d)\n", route, s.P95, s.Count)
	}
	fmt.Printf("cache: hits=%d misses=%d hit_rate=%.2f\n",
		result.Cache.Hits, result.Cache.Misses, result.Cache.HitRate)

	if cmp != nil {
		fmt.Printf("baseline %s: p95 %+.2fms (%.2fx), p50 %+.2fms, cache hit rate %+.2f\n",
			cmp.BaselineRunID, cmp.P95DeltaMs, cmp.P95Ratio, cmp.P50DeltaMs, cmp.CacheHitRateDelta)
	}
}
