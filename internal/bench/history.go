package bench

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"memograph/internal/config"
	"memograph/internal/logging"
)

// RunMetadata identifies one benchmark run in history.
type RunMetadata struct {
	RunID       string `json:"run_id"`
	Timestamp   string `json:"timestamp"`
	CommitSHA   string `json:"commit_sha,omitempty"`
	Branch      string `json:"branch,omitempty"`
	Source      string `json:"source"`
	ProjectPath string `json:"project_path,omitempty"`
}

// ConfigSnapshot pins the config fields that shape benchmark results.
// Scoring is reduced to its hash; the rest is stored verbatim so a history
// reader can see which knobs a run was measured under.
type ConfigSnapshot struct {
	ScoringHash string                 `json:"scoring_hash"`
	Retrieval   config.RetrievalConfig `json:"retrieval"`
	Cache       config.CacheConfig     `json:"cache"`
	Bench       config.BenchConfig     `json:"bench"`
}

// NewConfigSnapshot captures the benchmark-relevant slice of a config.
func NewConfigSnapshot(cfg *config.Config) ConfigSnapshot {
	return ConfigSnapshot{
		ScoringHash: cfg.Scoring.Hash(),
		Retrieval:   cfg.Retrieval,
		Cache:       cfg.Cache,
		Bench:       cfg.Bench,
	}
}

// Hash fingerprints the snapshot for baseline matching.
func (s ConfigSnapshot) Hash() string {
	data, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// HistoryRecord is one JSONL line in the benchmark history file.
// ConfigHash is the snapshot's hash, kept as its own column so baseline
// filtering never re-marshals the snapshot.
type HistoryRecord struct {
	Metadata   RunMetadata               `json:"metadata"`
	ConfigHash string                    `json:"config_hash"`
	Config     *ConfigSnapshot           `json:"config,omitempty"`
	Result     *RetrievalBenchmarkResult `json:"result"`
}

// StageComparison holds the per-stage delta against a baseline.
type StageComparison struct {
	P95DeltaMs float64 `json:"p95_delta_ms"`
	P95Ratio   float64 `json:"p95_ratio"`
}

// Comparison summarises a run against its baseline record.
type Comparison struct {
	BaselineRunID     string                     `json:"baseline_run_id"`
	P50DeltaMs        float64                    `json:"p50_delta_ms"`
	P95DeltaMs        float64                    `json:"p95_delta_ms"`
	AvgDeltaMs        float64                    `json:"avg_delta_ms"`
	P95Ratio          float64                    `json:"p95_ratio"`
	Stages            map[string]StageComparison `json:"stages"`
	CacheHitRateDelta float64                    `json:"cache_hit_rate_delta"`
}

// History persists benchmark records as JSONL and finds baselines.
type History struct {
	cfg config.HistoryConfig
}

// NewHistory builds a history layer over the configured JSONL file.
func NewHistory(cfg config.HistoryConfig) *History {
	return &History{cfg: cfg}
}

// NewRunMetadata captures the identity of the current run. Git lookups
// are best-effort; a missing repository leaves the fields empty.
func NewRunMetadata(projectPath string) RunMetadata {
	source := "local"
	if os.Getenv("CI") != "" {
		source = "ci"
	}
	return RunMetadata{
		RunID:       uuid.NewString(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		CommitSHA:   gitOutput(projectPath, "rev-parse", "HEAD"),
		Branch:      gitOutput(projectPath, "rev-parse", "--abbrev-ref", "HEAD"),
		Source:      source,
		ProjectPath: projectPath,
	}
}

func gitOutput(dir string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// Append writes one record and enforces retention, keeping the newest
// records. Returns the total and pruned record counts after the write.
func (h *History) Append(record HistoryRecord) (total, pruned int, err error) {
	if h.cfg.Path == "" {
		return 0, 0, fmt.Errorf("history path is not configured")
	}
	if dir := filepath.Dir(h.cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, 0, fmt.Errorf("failed to create history dir: %w", err)
		}
	}

	line, err := json.Marshal(record)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to encode history record: %w", err)
	}

	f, err := os.OpenFile(h.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open history file: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return 0, 0, fmt.Errorf("failed to append history record: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, 0, fmt.Errorf("failed to close history file: %w", err)
	}

	records, err := h.Load()
	if err != nil {
		return 0, 0, err
	}
	total = len(records)

	if h.cfg.Retention > 0 && total > h.cfg.Retention {
		pruned = total - h.cfg.Retention
		keep := records[pruned:]
		if err := h.rewrite(keep); err != nil {
			return 0, 0, err
		}
		total = len(keep)
		logging.Bench("History pruned %d records, %d retained", pruned, total)
	}
	return total, pruned, nil
}

func (h *History) rewrite(records []HistoryRecord) error {
	tmp := h.cfg.Path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to rewrite history: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, r := range records {
		line, err := json.Marshal(r)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to encode history record: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to flush history: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close history: %w", err)
	}
	return os.Rename(tmp, h.cfg.Path)
}

// Load reads all history records in file order. Unreadable lines are
// skipped so one corrupt record never poisons the whole file.
func (h *History) Load() ([]HistoryRecord, error) {
	f, err := os.Open(h.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	defer f.Close()

	var records []HistoryRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec HistoryRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			logging.Bench("Skipping corrupt history line %d: %v", lineNo, err)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history file: %w", err)
	}
	return records, nil
}

// FindBaseline scans history newest-first for the comparison baseline of
// the given run. It skips the run itself and any record that is not
// strictly older, applies the same-branch and same-config filters, and
// gives up after maxLookback candidates.
func (h *History) FindBaseline(current HistoryRecord) (*HistoryRecord, error) {
	records, err := h.Load()
	if err != nil {
		return nil, err
	}

	curTime, err := time.Parse(time.RFC3339, current.Metadata.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("invalid run timestamp %q: %w", current.Metadata.Timestamp, err)
	}

	examined := 0
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Metadata.RunID == current.Metadata.RunID {
			continue
		}
		recTime, err := time.Parse(time.RFC3339, rec.Metadata.Timestamp)
		if err != nil || !recTime.Before(curTime) {
			continue
		}

		examined++
		if h.cfg.MaxLookback > 0 && examined > h.cfg.MaxLookback {
			break
		}

		if h.cfg.SameBranch && rec.Metadata.Branch != current.Metadata.Branch {
			continue
		}
		if h.cfg.SameConfig && rec.ConfigHash != current.ConfigHash {
			continue
		}
		return &rec, nil
	}
	return nil, nil
}

// Compare computes deltas between the current run and a baseline. Ratios
// divide by max(0.01, baseline) so a near-zero baseline cannot blow up.
func Compare(current, baseline *RetrievalBenchmarkResult) Comparison {
	cmp := Comparison{
		P50DeltaMs: current.Overall.P50 - baseline.Overall.P50,
		P95DeltaMs: current.Overall.P95 - baseline.Overall.P95,
		AvgDeltaMs: current.Overall.Avg - baseline.Overall.Avg,
		P95Ratio:   ratio(current.Overall.P95, baseline.Overall.P95),
		Stages:     map[string]StageComparison{},
	}
	for stage, cur := range current.Stages {
		base, ok := baseline.Stages[stage]
		if !ok {
			continue
		}
		cmp.Stages[stage] = StageComparison{
			P95DeltaMs: cur.P95 - base.P95,
			P95Ratio:   ratio(cur.P95, base.P95),
		}
	}
	cmp.CacheHitRateDelta = current.Cache.HitRate - baseline.Cache.HitRate
	return cmp
}

func ratio(current, baseline float64) float64 {
	if baseline < 0.01 {
		baseline = 0.01
	}
	return current / baseline
}
