package bench

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"memograph/internal/cache"
	"memograph/internal/config"
	"memograph/internal/logging"
	"memograph/internal/retrieval"
	"memograph/internal/types"
)

// QuerySpec is one benchmark query scenario.
type QuerySpec struct {
	Query            string `json:"query"`
	IncludeCodeGraph bool   `json:"includeCodeGraph"`
	IncludeGraphRAG  bool   `json:"includeGraphRAG"`
	Template         string `json:"template,omitempty"`
}

// defaultQueries exercise every route when no query set is configured.
var defaultQueries = []QuerySpec{
	{Query: "Why did we choose this storage engine?"},
	{Query: "What were the main architecture decisions?"},
	{Query: "What calls buildContext and what depends on it?", IncludeCodeGraph: true},
	{Query: "How does retrieveChannels work and why was it designed this way?", IncludeCodeGraph: true},
	{Query: "What do we know about authentication?", IncludeGraphRAG: true},
}

// RunSample records one timed retrieval.
type RunSample struct {
	Query     string             `json:"query"`
	Run       int                `json:"run"`
	Route     types.Route        `json:"route"`
	LatencyMs float64            `json:"latency_ms"`
	Tokens    int                `json:"tokens"`
	Sections  int                `json:"sections"`
	CacheHit  bool               `json:"cache_hit"`
	StageMs   map[string]float64 `json:"stage_ms"`
}

// QueryFailure records a query that errored without aborting the run.
type QueryFailure struct {
	Query string `json:"query"`
	Error string `json:"error"`
}

// RetrievalBenchmarkResult aggregates a full benchmark run.
type RetrievalBenchmarkResult struct {
	Overall  StatSummary                 `json:"overall"`
	Stages   map[string]StatSummary      `json:"stages"`
	Routes   map[types.Route]StatSummary `json:"routes"`
	Cache    cache.Stats                 `json:"cache"`
	Samples  []RunSample                 `json:"samples"`
	Failures []QueryFailure              `json:"failures,omitempty"`
}

// Runner drives timed retrievals against an engine.
type Runner struct {
	engine *retrieval.Engine
	cfg    config.BenchConfig
}

// NewRunner builds a benchmark runner.
func NewRunner(engine *retrieval.Engine, cfg config.BenchConfig) *Runner {
	return &Runner{engine: engine, cfg: cfg}
}

// LoadQueries resolves the benchmark query set: inline JSON first, then a
// fixture file, then the built-in defaults.
func (r *Runner) LoadQueries() ([]QuerySpec, error) {
	if r.cfg.QueriesJSON != "" {
		var queries []QuerySpec
		if err := json.Unmarshal([]byte(r.cfg.QueriesJSON), &queries); err != nil {
			return nil, fmt.Errorf("invalid BENCH_QUERIES_JSON: %w", err)
		}
		return queries, nil
	}
	if r.cfg.QueriesPath != "" {
		data, err := os.ReadFile(r.cfg.QueriesPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read query fixture: %w", err)
		}
		var queries []QuerySpec
		if err := json.Unmarshal(data, &queries); err != nil {
			return nil, fmt.Errorf("invalid query fixture %s: %w", r.cfg.QueriesPath, err)
		}
		return queries, nil
	}
	return defaultQueries, nil
}

// Run executes the benchmark: warmup runs (not recorded), then
// runsPerQuery timed retrievals per query. One failing query is recorded
// and does not stop the others from being measured.
func (r *Runner) Run(ctx context.Context) (*RetrievalBenchmarkResult, error) {
	timer := logging.StartTimer(logging.CategoryBench, "Run")
	defer timer.Stop()

	queries, err := r.LoadQueries()
	if err != nil {
		return nil, err
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("benchmark query set is empty")
	}

	logging.Bench("Benchmarking %d queries, %d runs each (%d warmup)",
		len(queries), r.cfg.RunsPerQuery, r.cfg.WarmupRuns)

	result := &RetrievalBenchmarkResult{
		Stages: map[string]StatSummary{},
		Routes: map[types.Route]StatSummary{},
	}

	var (
		overallMs []float64
		stageMs   = map[string][]float64{}
		routeMs   = map[types.Route][]float64{}
	)

	for _, q := range queries {
		in := retrieval.BuildInput{
			Query:            q.Query,
			TokenBudget:      r.cfg.TokenBudget,
			IncludeCodeGraph: q.IncludeCodeGraph,
			IncludeGraphRAG:  q.IncludeGraphRAG,
			IncludeEvidence:  true,
			Template:         q.Template,
		}

		failed := false
		for w := 0; w < r.cfg.WarmupRuns && !failed; w++ {
			if _, err := r.engine.BuildContext(ctx, in); err != nil {
				result.Failures = append(result.Failures, QueryFailure{Query: q.Query, Error: err.Error()})
				failed = true
			}
		}
		if failed {
			continue
		}

		for run := 0; run < r.cfg.RunsPerQuery; run++ {
			if r.cfg.ResetCacheEachRun {
				retrieval.ResetContextCache()
			}

			res, timings, err := r.engine.BuildContextTimed(ctx, in)
			if err != nil {
				result.Failures = append(result.Failures, QueryFailure{Query: q.Query, Error: err.Error()})
				break
			}

			sample := RunSample{
				Query:     q.Query,
				Run:       run,
				Route:     res.Metadata.Route,
				LatencyMs: durationMs(timings[retrieval.StageTotal]),
				Tokens:    res.Metadata.TotalTokens,
				Sections:  res.Metadata.SectionsIncluded,
				CacheHit:  res.Metadata.CacheHit,
				StageMs:   map[string]float64{},
			}
			for stage, d := range timings {
				sample.StageMs[stage] = durationMs(d)
			}
			result.Samples = append(result.Samples, sample)

			overallMs = append(overallMs, sample.LatencyMs)
			routeMs[sample.Route] = append(routeMs[sample.Route], sample.LatencyMs)
			for stage, ms := range sample.StageMs {
				stageMs[stage] = append(stageMs[stage], ms)
			}
		}
	}

	if len(overallMs) == 0 {
		return nil, fmt.Errorf("all %d benchmark queries failed", len(queries))
	}

	result.Overall = Summarize(overallMs)
	for stage, samples := range stageMs {
		result.Stages[stage] = Summarize(samples)
	}
	for route, samples := range routeMs {
		result.Routes[route] = Summarize(samples)
	}
	result.Cache = retrieval.GetContextCacheStats()

	logging.Bench("Benchmark complete: %d samples, overall p95=%.2fms, %d failures",
		len(result.Samples), result.Overall.P95, len(result.Failures))
	return result, nil
}

func durationMs(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}
