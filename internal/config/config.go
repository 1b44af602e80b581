// Package config provides configuration loading, defaulting and validation
// for memograph. Configuration lives in .memograph/config.yaml under the
// workspace root; benchmark knobs may be overridden by environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"memograph/internal/logging"
)

// LoggingConfig mirrors the logging package's view of the config file.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode" json:"debug_mode"`
	Categories map[string]bool `yaml:"categories,omitempty" json:"categories,omitempty"`
	Level      string          `yaml:"level,omitempty" json:"level,omitempty"`
}

// EmbeddingConfig configures the vector embedding engine.
// Supports Ollama (local) and GenAI (cloud) backends.
type EmbeddingConfig struct {
	// Provider: "ollama" or "genai"
	Provider string `yaml:"provider" json:"provider"`

	// Ollama Configuration (local embedding server)
	OllamaEndpoint string `yaml:"ollama_endpoint" json:"ollama_endpoint"` // Default: "http://localhost:11434"
	OllamaModel    string `yaml:"ollama_model" json:"ollama_model"`       // Default: "embeddinggemma"

	// GenAI Configuration (Google cloud embedding)
	GenAIAPIKey string `yaml:"genai_api_key" json:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model" json:"genai_model"` // Default: "gemini-embedding-001"

	// TaskType for GenAI embeddings: SEMANTIC_SIMILARITY, RETRIEVAL_QUERY,
	// RETRIEVAL_DOCUMENT
	TaskType string `yaml:"task_type" json:"task_type"`
}

// Config is the root memograph configuration.
type Config struct {
	// DatabasePath is the SQLite database location, relative to the workspace.
	DatabasePath string `yaml:"database_path" json:"database_path"`

	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Embedding EmbeddingConfig `yaml:"embedding" json:"embedding"`
	Scoring   ScoringConfig   `yaml:"scoring" json:"scoring"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	Retrieval RetrievalConfig `yaml:"retrieval" json:"retrieval"`
	Bench     BenchConfig     `yaml:"bench" json:"bench"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DatabasePath: filepath.Join(".memograph", "memograph.db"),
		Logging:      LoggingConfig{Level: "info"},
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			TaskType:       "SEMANTIC_SIMILARITY",
		},
		Scoring:   DefaultScoringConfig(),
		Cache:     DefaultCacheConfig(),
		Retrieval: DefaultRetrievalConfig(),
		Bench:     DefaultBenchConfig(),
	}
}

// ConfigPath returns the config file location for a workspace.
func ConfigPath(workspace string) string {
	return filepath.Join(workspace, ".memograph", "config.yaml")
}

// Load reads the workspace config, applying defaults for missing fields and
// environment overrides for benchmark knobs. A missing file is not an error;
// defaults are returned.
func Load(workspace string) (*Config, error) {
	timer := logging.StartTimer(logging.CategoryConfig, "Load")
	defer timer.Stop()

	cfg := Default()

	path := ConfigPath(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.ConfigDebug("No config file at %s, using defaults", path)
			cfg.Bench.ApplyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.Bench.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logging.Config("Loaded config from %s", path)
	return cfg, nil
}

// Validate checks every sub-config.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path must not be empty")
	}
	if err := c.Scoring.Validate(); err != nil {
		return fmt.Errorf("scoring: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := c.Retrieval.Validate(); err != nil {
		return fmt.Errorf("retrieval: %w", err)
	}
	if err := c.Bench.Validate(); err != nil {
		return fmt.Errorf("bench: %w", err)
	}
	return nil
}
