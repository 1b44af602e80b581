package scoring

import (
	"fmt"
	"math"
	"sync"
	"time"

	"memograph/internal/config"
	"memograph/internal/logging"
	"memograph/internal/types"
)

// =============================================================================
// DECAY CURVES
// =============================================================================

// decayFactor evaluates a decay curve at ageDays. rate is the per-memory
// multiplier: r scales the effective half-life/full-decay window by 1/r, and
// for step decay divides each threshold's day value by r. rate <= 0 is
// treated as 1 (callers handle pinning before this point).
func decayFactor(spec *config.DecaySpec, ageDays, rate float64) float64 {
	if math.IsNaN(ageDays) || math.IsInf(ageDays, 0) || ageDays < 0 {
		return 1
	}
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		rate = 1
	}

	switch spec.Function {
	case "", "exponential":
		halfLife := spec.HalfLifeDays / rate
		if halfLife <= 0 {
			return 1
		}
		return math.Pow(2, -ageDays/halfLife)

	case "linear":
		fullDecay := spec.FullDecayDays / rate
		if fullDecay <= 0 {
			return 1
		}
		return math.Max(0, 1-ageDays/fullDecay)

	case "step":
		thresholds := spec.SortedThresholds()
		if len(thresholds) == 0 {
			return 1
		}
		for _, t := range thresholds {
			if ageDays <= t.MaxAgeDays/rate {
				return t.Value
			}
		}
		// Past the table: last threshold wins.
		return thresholds[len(thresholds)-1].Value
	}
	return 1
}

// =============================================================================
// CONFIDENCE DECAY
// =============================================================================

// decayAnchor returns the timestamp confidence decay ages from.
// Priority: last-refreshed > accessed (only when refreshOnAccess) > created.
func decayAnchor(m *types.Memory, spec *config.ConfidenceDecaySpec) int64 {
	if m.LastRefreshedAt > 0 {
		return m.LastRefreshedAt
	}
	if spec.RefreshOnAccess && m.AccessedAt > 0 {
		return m.AccessedAt
	}
	return m.CreatedAt
}

// decayExempt reports whether the memory never decays: exempt kind, exempt
// tag, pinned rate (0), or an explicit "none" decay function.
func decayExempt(m *types.Memory, spec *config.ConfidenceDecaySpec) bool {
	for _, kind := range spec.ExemptTypes {
		if m.Kind == kind {
			return true
		}
	}
	for _, tag := range spec.ExemptTags {
		if m.HasTag(tag) {
			return true
		}
	}
	if m.DecayRate != nil && *m.DecayRate == 0 {
		return true
	}
	if m.DecayFn == types.DecayNone {
		return true
	}
	return false
}

// CalculateDecayedConfidence ages a memory's importance according to the
// confidence-decay spec. The result is always within [floor, importance] and
// monotonically non-increasing in time since the anchor. The floor never
// inflates confidence above importance.
func CalculateDecayedConfidence(m *types.Memory, cfg *config.ScoringConfig, now time.Time) float64 {
	spec := &cfg.ConfidenceDecay
	importance := clampConfidence(m.Importance)

	if !spec.Enabled || decayExempt(m, spec) {
		return importance
	}

	anchor := decayAnchor(m, spec)
	if cached, ok := decayCache.get(m.ID, anchor, now); ok {
		return applyFloor(importance, cached, floorFor(m, spec))
	}

	ageDays := float64(0)
	if anchor > 0 {
		ageDays = now.Sub(time.Unix(anchor, 0)).Hours() / 24
	}

	rate := 1.0
	if m.DecayRate != nil {
		rate = *m.DecayRate
	}

	decaySpec := spec.Decay
	if m.DecayFn != "" && m.DecayFn != types.DecayNone {
		decaySpec.Function = string(m.DecayFn)
	}

	factor := decayFactor(&decaySpec, ageDays, rate)
	decayCache.put(m.ID, anchor, factor, now)

	return applyFloor(importance, factor, floorFor(m, spec))
}

func floorFor(m *types.Memory, spec *config.ConfidenceDecaySpec) float64 {
	if m.ConfidenceFloor != nil {
		return *m.ConfidenceFloor
	}
	return spec.Floor
}

// applyFloor computes min(importance, max(floor, importance*factor)).
func applyFloor(importance, factor, floor float64) float64 {
	decayed := importance * factor
	if decayed < floor {
		decayed = floor
	}
	if decayed > importance {
		decayed = importance
	}
	return decayed
}

func clampConfidence(v float64) float64 {
	if math.IsNaN(v) {
		return 0.5
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// =============================================================================
// DECAY CACHE
// =============================================================================

const (
	decayCacheTTL     = 60 * time.Second
	decayCacheMaxSize = 1000
)

// decayCache memoises decay factors keyed by (memory id, anchor timestamp).
// It is the one intentional piece of process-wide mutable scoring state; it
// is observationally equivalent to recomputing, bounded in size, and entries
// expire after 60 seconds.
var decayCache = newDecayFactorCache()

type decayCacheEntry struct {
	factor   float64
	cachedAt time.Time
}

type decayFactorCache struct {
	mu      sync.Mutex
	entries map[string]decayCacheEntry
}

func newDecayFactorCache() *decayFactorCache {
	return &decayFactorCache{entries: make(map[string]decayCacheEntry)}
}

func decayCacheKey(memoryID string, anchor int64) string {
	return fmt.Sprintf("%s@%d", memoryID, anchor)
}

func (c *decayFactorCache) get(memoryID string, anchor int64, now time.Time) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[decayCacheKey(memoryID, anchor)]
	if !ok {
		return 0, false
	}
	if now.Sub(entry.cachedAt) > decayCacheTTL {
		delete(c.entries, decayCacheKey(memoryID, anchor))
		return 0, false
	}
	return entry.factor, true
}

func (c *decayFactorCache) put(memoryID string, anchor int64, factor float64, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= decayCacheMaxSize {
		c.pruneLocked(now)
	}
	c.entries[decayCacheKey(memoryID, anchor)] = decayCacheEntry{factor: factor, cachedAt: now}
}

// pruneLocked drops expired entries; if none expired it clears everything
// rather than let the map grow without bound.
func (c *decayFactorCache) pruneLocked(now time.Time) {
	for key, entry := range c.entries {
		if now.Sub(entry.cachedAt) > decayCacheTTL {
			delete(c.entries, key)
		}
	}
	if len(c.entries) >= decayCacheMaxSize {
		logging.ScoringDebug("Decay cache full with unexpired entries; clearing %d entries", len(c.entries))
		c.entries = make(map[string]decayCacheEntry)
	}
}

// ResetDecayCache clears the process-wide decay cache. Benchmarks call this
// between scenarios so cached factors do not leak across runs.
func ResetDecayCache() {
	decayCache.mu.Lock()
	defer decayCache.mu.Unlock()
	decayCache.entries = make(map[string]decayCacheEntry)
}
