package scoring

import (
	"strings"
	"time"

	"memograph/internal/config"
	"memograph/internal/types"
)

// applyBoosts multiplies the raw score by every matching rule's factor, in
// listed order, and clamps the result to [0, 2].
func applyBoosts(raw float64, m *types.Memory, rules []config.BoostRule, now time.Time) float64 {
	score := raw
	for _, rule := range rules {
		if conditionMatches(&rule.Condition, m, now) {
			score *= rule.Factor
		}
	}
	if score < 0 {
		return 0
	}
	if score > 2 {
		return 2
	}
	return score
}

func conditionMatches(c *config.BoostCondition, m *types.Memory, now time.Time) bool {
	switch c.Kind {
	case "recency":
		return m.AgeDays(now) <= c.MaxDays
	case "staleness":
		return m.AgeDays(now) >= c.MinDays
	case "importance":
		return m.Importance >= c.MinValue
	case "frequency":
		return m.AccessCount >= c.MinAccessCount
	case "memoryType":
		for _, kind := range c.Types {
			if m.Kind == kind {
				return true
			}
		}
		return false
	case "tags":
		return tagsMatch(m.Tags, c.Tags, c.Match)
	}
	return false
}

// tagsMatch computes a case-insensitive intersection. Mode "any" requires at
// least one shared tag; "all" requires every rule tag to be present.
func tagsMatch(memoryTags, ruleTags []string, mode string) bool {
	if len(ruleTags) == 0 {
		return false
	}

	have := make(map[string]bool, len(memoryTags))
	for _, t := range memoryTags {
		have[strings.ToLower(t)] = true
	}

	matched := 0
	for _, t := range ruleTags {
		if have[strings.ToLower(t)] {
			matched++
		}
	}

	if mode == "all" {
		return matched == len(ruleTags)
	}
	return matched >= 1
}
