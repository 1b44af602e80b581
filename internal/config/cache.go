package config

import "fmt"

// CacheConfig configures the process-wide context cache.
type CacheConfig struct {
	Enabled    bool  `yaml:"enabled" json:"enabled"`
	MaxEntries int   `yaml:"max_entries" json:"max_entries"`
	TTLMs      int64 `yaml:"ttl_ms" json:"ttl_ms"`
}

// DefaultCacheConfig returns the default cache settings:
// enabled, 100 entries, 5 minute TTL.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:    true,
		MaxEntries: 100,
		TTLMs:      300_000,
	}
}

// Validate checks the cache configuration.
func (c *CacheConfig) Validate() error {
	if c.MaxEntries <= 0 {
		return fmt.Errorf("cache max_entries must be > 0, got %d", c.MaxEntries)
	}
	if c.TTLMs <= 0 {
		return fmt.Errorf("cache ttl_ms must be > 0, got %d", c.TTLMs)
	}
	return nil
}
