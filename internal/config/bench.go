package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"memograph/internal/logging"
)

// =============================================================================
// BENCHMARK / QUALITY GATE CONFIGURATION
// =============================================================================

// BenchStages are the timed stages of one retrieval, in pipeline order.
var BenchStages = []string{"rag", "kag", "graphrag", "rerank", "format", "tokenize", "evidence", "total"}

// GateConfig holds the quality-gate thresholds. Zero values disable the
// corresponding check.
type GateConfig struct {
	// MaxP95Ms fails the run when overall p95 exceeds it.
	MaxP95Ms float64 `yaml:"max_p95_ms" json:"max_p95_ms"`

	// MaxP95Ratio fails the run when the memory-route p95 ratio against the
	// baseline comparison exceeds it.
	MaxP95Ratio float64 `yaml:"max_p95_ratio" json:"max_p95_ratio"`

	// StageMaxP95Ms holds per-stage p95 limits keyed by stage name.
	StageMaxP95Ms map[string]float64 `yaml:"stage_max_p95_ms,omitempty" json:"stage_max_p95_ms,omitempty"`
}

// HistoryConfig controls benchmark history persistence and baseline lookup.
type HistoryConfig struct {
	Path            string  `yaml:"path" json:"path"`
	Retention       int     `yaml:"retention" json:"retention"`
	MaxLookback     int     `yaml:"max_lookback" json:"max_lookback"`
	SameBranch      bool    `yaml:"same_branch" json:"same_branch"`
	SameConfig      bool    `yaml:"same_config" json:"same_config"`
	RequireBaseline bool    `yaml:"require_baseline" json:"require_baseline"`
	MaxP95Ratio     float64 `yaml:"max_p95_ratio" json:"max_p95_ratio"`
	MaxP95DeltaMs   float64 `yaml:"max_p95_delta_ms" json:"max_p95_delta_ms"`
}

// BenchConfig drives benchmarkContextRetrieval.
type BenchConfig struct {
	// QueriesJSON / QueriesPath override the default query set. JSON takes
	// precedence over path.
	QueriesJSON string `yaml:"queries_json,omitempty" json:"queries_json,omitempty"`
	QueriesPath string `yaml:"queries_path,omitempty" json:"queries_path,omitempty"`

	RunsPerQuery int `yaml:"runs_per_query" json:"runs_per_query"`
	WarmupRuns   int `yaml:"warmup_runs" json:"warmup_runs"`
	TokenBudget  int `yaml:"token_budget" json:"token_budget"`

	// ResetCacheEachRun measures the cold path on every run.
	ResetCacheEachRun bool `yaml:"reset_cache_each_run" json:"reset_cache_each_run"`

	Gate    GateConfig    `yaml:"gate" json:"gate"`
	History HistoryConfig `yaml:"history" json:"history"`
}

// DefaultBenchConfig returns sensible defaults.
func DefaultBenchConfig() BenchConfig {
	return BenchConfig{
		RunsPerQuery: 5,
		WarmupRuns:   1,
		TokenBudget:  4000,
		Gate: GateConfig{
			StageMaxP95Ms: map[string]float64{},
		},
		History: HistoryConfig{
			Path:        ".memograph/bench_history.jsonl",
			Retention:   200,
			MaxLookback: 20,
			SameBranch:  true,
		},
	}
}

// ApplyEnv overlays recognised environment variables onto the config.
// Unparseable values are logged and ignored.
func (c *BenchConfig) ApplyEnv() {
	if v := os.Getenv("BENCH_QUERIES_JSON"); v != "" {
		c.QueriesJSON = v
	}
	if v := os.Getenv("BENCH_QUERIES_PATH"); v != "" {
		c.QueriesPath = v
	}

	envInt("PERF_RUNS_PER_QUERY", &c.RunsPerQuery)
	envInt("PERF_WARMUP_RUNS", &c.WarmupRuns)
	envInt("PERF_TOKEN_BUDGET", &c.TokenBudget)

	envFloat("PERF_GATE_MAX_P95_MS", &c.Gate.MaxP95Ms)
	envFloat("PERF_GATE_MAX_P95_RATIO", &c.Gate.MaxP95Ratio)

	if c.Gate.StageMaxP95Ms == nil {
		c.Gate.StageMaxP95Ms = map[string]float64{}
	}
	for _, stage := range BenchStages {
		key := fmt.Sprintf("PERF_GATE_MAX_%s_P95_MS", strings.ToUpper(stage))
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				logging.Get(logging.CategoryConfig).Warn("Ignoring %s=%q: %v", key, v, err)
				continue
			}
			c.Gate.StageMaxP95Ms[stage] = f
		}
	}

	if v := os.Getenv("PERF_HISTORY_PATH"); v != "" {
		c.History.Path = v
	}
	envInt("PERF_HISTORY_RETENTION", &c.History.Retention)
	envInt("PERF_HISTORY_MAX_LOOKBACK", &c.History.MaxLookback)
	envBool("PERF_HISTORY_SAME_BRANCH", &c.History.SameBranch)
	envBool("PERF_HISTORY_SAME_CONFIG", &c.History.SameConfig)
	envBool("PERF_HISTORY_REQUIRE_BASELINE", &c.History.RequireBaseline)
	envFloat("PERF_HISTORY_MAX_P95_RATIO", &c.History.MaxP95Ratio)
	envFloat("PERF_HISTORY_MAX_P95_DELTA_MS", &c.History.MaxP95DeltaMs)
}

// Validate checks the benchmark configuration.
func (c *BenchConfig) Validate() error {
	if c.RunsPerQuery <= 0 {
		return fmt.Errorf("runs_per_query must be > 0, got %d", c.RunsPerQuery)
	}
	if c.WarmupRuns < 0 {
		return fmt.Errorf("warmup_runs must be >= 0, got %d", c.WarmupRuns)
	}
	if c.TokenBudget <= 0 {
		return fmt.Errorf("token_budget must be > 0, got %d", c.TokenBudget)
	}
	for stage := range c.Gate.StageMaxP95Ms {
		if !isKnownStage(stage) {
			return fmt.Errorf("unknown benchmark stage %q in gate config", stage)
		}
	}
	return nil
}

func isKnownStage(stage string) bool {
	for _, s := range BenchStages {
		if s == stage {
			return true
		}
	}
	return false
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logging.Get(logging.CategoryConfig).Warn("Ignoring %s=%q: %v", key, v, err)
		return
	}
	*dst = n
}

func envFloat(key string, dst *float64) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logging.Get(logging.CategoryConfig).Warn("Ignoring %s=%q: %v", key, v, err)
		return
	}
	*dst = f
}

func envBool(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logging.Get(logging.CategoryConfig).Warn("Ignoring %s=%q: %v", key, v, err)
		return
	}
	*dst = b
}
