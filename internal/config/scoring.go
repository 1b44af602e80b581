package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"memograph/internal/types"
)

// =============================================================================
// SCORING CONFIGURATION
// =============================================================================

// ScoringWeights are the relative weights of the four ranking factors.
// They are renormalised to sum to 1 at scoring time; if all are zero the
// scorer falls back to 0.25 each.
type ScoringWeights struct {
	Semantic   float64 `yaml:"semantic" json:"semantic"`
	Recency    float64 `yaml:"recency" json:"recency"`
	Confidence float64 `yaml:"confidence" json:"confidence"`
	Frequency  float64 `yaml:"frequency" json:"frequency"`
}

// StepThreshold is one row of a step-decay table: any age up to MaxAgeDays
// scores Value. The table is evaluated sorted ascending; the last threshold
// wins for ages beyond the table.
type StepThreshold struct {
	MaxAgeDays float64 `yaml:"max_age_days" json:"max_age_days"`
	Value      float64 `yaml:"value" json:"value"`
}

// DecaySpec selects a decay curve and its parameters.
type DecaySpec struct {
	// Function: "exponential", "linear" or "step"
	Function      string          `yaml:"function" json:"function"`
	HalfLifeDays  float64         `yaml:"half_life_days" json:"half_life_days"`
	FullDecayDays float64         `yaml:"full_decay_days" json:"full_decay_days"`
	Thresholds    []StepThreshold `yaml:"thresholds,omitempty" json:"thresholds,omitempty"`
}

// FrequencySpec controls access-count normalisation.
type FrequencySpec struct {
	// Method: "log", "linear" or "sigmoid"
	Method string `yaml:"method" json:"method"`
	// MaxCount caps the normalisation; counts above it score 1.
	MaxCount int64 `yaml:"max_count" json:"max_count"`
	// ColdStart is the score for never-accessed memories (default 0.5).
	ColdStart float64 `yaml:"cold_start" json:"cold_start"`
}

// ConfidenceDecaySpec ages importance over time.
type ConfidenceDecaySpec struct {
	Enabled         bool               `yaml:"enabled" json:"enabled"`
	Decay           DecaySpec          `yaml:"decay" json:"decay"`
	Floor           float64            `yaml:"floor" json:"floor"`
	RefreshOnAccess bool               `yaml:"refresh_on_access" json:"refresh_on_access"`
	ExemptTypes     []types.MemoryKind `yaml:"exempt_types,omitempty" json:"exempt_types,omitempty"`
	ExemptTags      []string           `yaml:"exempt_tags,omitempty" json:"exempt_tags,omitempty"`
}

// BoostCondition is the predicate half of a boost rule. Kind selects which
// field set applies.
type BoostCondition struct {
	// Kind: "recency", "staleness", "importance", "frequency", "memoryType", "tags"
	Kind string `yaml:"kind" json:"kind"`

	MaxDays        float64            `yaml:"max_days,omitempty" json:"max_days,omitempty"`
	MinDays        float64            `yaml:"min_days,omitempty" json:"min_days,omitempty"`
	MinValue       float64            `yaml:"min_value,omitempty" json:"min_value,omitempty"`
	MinAccessCount int64              `yaml:"min_access_count,omitempty" json:"min_access_count,omitempty"`
	Types          []types.MemoryKind `yaml:"types,omitempty" json:"types,omitempty"`
	Tags           []string           `yaml:"tags,omitempty" json:"tags,omitempty"`
	// Match: "any" (default) or "all" - tag intersection mode
	Match string `yaml:"match,omitempty" json:"match,omitempty"`
}

// BoostRule multiplies the raw score by Factor when the condition holds.
// Rules apply in listed order; the final score is clamped to [0, 2].
type BoostRule struct {
	Name      string         `yaml:"name" json:"name"`
	Condition BoostCondition `yaml:"condition" json:"condition"`
	Factor    float64        `yaml:"factor" json:"factor"`
}

// ScoringConfig is passed through every scoring call; there is no global
// mutable scoring state.
type ScoringConfig struct {
	Weights         ScoringWeights      `yaml:"weights" json:"weights"`
	Recency         DecaySpec           `yaml:"recency" json:"recency"`
	Frequency       FrequencySpec       `yaml:"frequency" json:"frequency"`
	ConfidenceDecay ConfidenceDecaySpec `yaml:"confidence_decay" json:"confidence_decay"`
	BoostRules      []BoostRule         `yaml:"boost_rules,omitempty" json:"boost_rules,omitempty"`
}

// DefaultScoringConfig returns sensible defaults.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		Weights: ScoringWeights{
			Semantic:   0.4,
			Recency:    0.25,
			Confidence: 0.2,
			Frequency:  0.15,
		},
		Recency: DecaySpec{
			Function:     "exponential",
			HalfLifeDays: 30,
		},
		Frequency: FrequencySpec{
			Method:    "log",
			MaxCount:  100,
			ColdStart: 0.5,
		},
		ConfidenceDecay: ConfidenceDecaySpec{
			Enabled: false,
			Decay: DecaySpec{
				Function:     "exponential",
				HalfLifeDays: 90,
			},
			Floor:           0.1,
			RefreshOnAccess: true,
		},
	}
}

// Validate checks the configuration for out-of-range values.
func (c *ScoringConfig) Validate() error {
	for name, w := range map[string]float64{
		"semantic":   c.Weights.Semantic,
		"recency":    c.Weights.Recency,
		"confidence": c.Weights.Confidence,
		"frequency":  c.Weights.Frequency,
	} {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return fmt.Errorf("scoring weight %q must be finite and non-negative, got %v", name, w)
		}
	}

	if err := validateDecaySpec(&c.Recency, "recency"); err != nil {
		return err
	}

	switch c.Frequency.Method {
	case "", "log", "linear", "sigmoid":
	default:
		return fmt.Errorf("unknown frequency method %q", c.Frequency.Method)
	}
	if c.Frequency.MaxCount < 0 {
		return fmt.Errorf("frequency max_count must be >= 0, got %d", c.Frequency.MaxCount)
	}

	if c.ConfidenceDecay.Enabled {
		if err := validateDecaySpec(&c.ConfidenceDecay.Decay, "confidence_decay"); err != nil {
			return err
		}
		if c.ConfidenceDecay.Floor < 0 || c.ConfidenceDecay.Floor > 1 {
			return fmt.Errorf("confidence decay floor must be in [0,1], got %v", c.ConfidenceDecay.Floor)
		}
	}

	for i, rule := range c.BoostRules {
		if rule.Factor < 0 || math.IsNaN(rule.Factor) || math.IsInf(rule.Factor, 0) {
			return fmt.Errorf("boost rule %q (index %d): factor must be finite and non-negative", rule.Name, i)
		}
		switch rule.Condition.Kind {
		case "recency", "staleness", "importance", "frequency", "memoryType", "tags":
		default:
			return fmt.Errorf("boost rule %q (index %d): unknown condition kind %q", rule.Name, i, rule.Condition.Kind)
		}
		if rule.Condition.Kind == "tags" {
			switch rule.Condition.Match {
			case "", "any", "all":
			default:
				return fmt.Errorf("boost rule %q: tag match must be \"any\" or \"all\", got %q", rule.Name, rule.Condition.Match)
			}
		}
	}

	return nil
}

func validateDecaySpec(d *DecaySpec, where string) error {
	switch d.Function {
	case "", "exponential":
		if d.HalfLifeDays < 0 {
			return fmt.Errorf("%s: half_life_days must be >= 0", where)
		}
	case "linear":
		if d.FullDecayDays < 0 {
			return fmt.Errorf("%s: full_decay_days must be >= 0", where)
		}
	case "step":
		if len(d.Thresholds) == 0 {
			return fmt.Errorf("%s: step decay requires at least one threshold", where)
		}
		for _, t := range d.Thresholds {
			if t.MaxAgeDays < 0 || t.Value < 0 {
				return fmt.Errorf("%s: step threshold values must be non-negative", where)
			}
		}
	default:
		return fmt.Errorf("%s: unknown decay function %q", where, d.Function)
	}
	return nil
}

// SortedThresholds returns the step table sorted by MaxAgeDays ascending.
func (d *DecaySpec) SortedThresholds() []StepThreshold {
	out := make([]StepThreshold, len(d.Thresholds))
	copy(out, d.Thresholds)
	sort.Slice(out, func(i, j int) bool { return out[i].MaxAgeDays < out[j].MaxAgeDays })
	return out
}

// Hash returns a deterministic digest of the scoring configuration, used as a
// component of context-cache fingerprints so a config change invalidates
// cached contexts.
func (c *ScoringConfig) Hash() string {
	// JSON marshalling of a struct is deterministic (fields in declaration
	// order), which is all the fingerprint needs.
	data, err := json.Marshal(c)
	if err != nil {
		return "unhashable"
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
