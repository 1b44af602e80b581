package retrieval

import (
	"sort"

	"memograph/internal/config"
	"memograph/internal/logging"
	"memograph/internal/types"
)

// maxConsecutiveSameSource caps same-source runs in hybrid interleaving.
// Without it a strong channel collapses the head of the list to one source.
const maxConsecutiveSameSource = 2

// sortCandidates orders candidates by relevance descending, stable.
func sortCandidates(cs []*types.Candidate) {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].Relevance > cs[j].Relevance })
}

// Rerank fuses the channel candidate lists into one ranked list:
// per-source quotas proportional to the route ratios (floor, then remainder
// by best unselected relevance), a novelty boost for candidates introducing
// uncovered query terms, quota-bounded emission in descending relevance with
// ties broken by remaining quota, and in hybrid mode an interleave that never
// emits more than two consecutive candidates from the same source. Candidates
// beyond a source's quota spill to the tail by relevance; nothing is dropped.
func Rerank(candidates []*types.Candidate, route types.Route, ratios config.RouteRatios, noveltyBoost float64) []*types.Candidate {
	timer := logging.StartTimer(logging.CategoryRetrieval, "Rerank")
	defer timer.Stop()

	if len(candidates) == 0 {
		return nil
	}

	arrival := map[*types.Candidate]int{}
	for i, c := range candidates {
		if _, ok := arrival[c]; !ok {
			arrival[c] = i
		}
	}

	global := append([]*types.Candidate(nil), candidates...)
	sortByRelevance(global, arrival)
	applyNoveltyBoost(global, noveltyBoost)

	groups := map[types.CandidateSource][]*types.Candidate{}
	for _, c := range candidates {
		groups[c.Source] = append(groups[c.Source], c)
	}
	for _, g := range groups {
		sortByRelevance(g, arrival)
	}

	quotas := computeQuotas(groups, ratios, len(candidates))
	ranked := emitByQuota(groups, quotas, arrival)

	if route == types.RouteHybrid {
		ranked = interleaveAntiCollapse(ranked)
	}

	logging.RetrievalDebug("Rerank: %d candidates in, %d ranked (route %s)",
		len(candidates), len(ranked), route)
	return ranked
}

// sortByRelevance orders by relevance descending, ties by arrival order.
func sortByRelevance(cs []*types.Candidate, arrival map[*types.Candidate]int) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Relevance != cs[j].Relevance {
			return cs[i].Relevance > cs[j].Relevance
		}
		return arrival[cs[i]] < arrival[cs[j]]
	})
}

// computeQuotas splits total slots across sources proportionally to the
// ratios: floor each share, then hand the remainder one slot at a time to
// the source whose best beyond-quota candidate has the highest relevance.
// Quotas are not capped at group size; a quota larger than its group simply
// never exhausts during emission.
func computeQuotas(groups map[types.CandidateSource][]*types.Candidate, ratios config.RouteRatios, total int) map[types.CandidateSource]int {
	weight := map[types.CandidateSource]float64{
		types.SourceRAG:      ratios.RAG,
		types.SourceKAG:      ratios.KAG,
		types.SourceGraphRAG: ratios.GraphRAG,
	}
	sum := 0.0
	for source := range groups {
		sum += weight[source]
	}
	if sum == 0 {
		// No configured ratios for the present sources: split evenly.
		for source := range groups {
			weight[source] = 1
			sum++
		}
	}

	quotas := map[types.CandidateSource]int{}
	assigned := 0
	for source := range groups {
		q := int(float64(total) * weight[source] / sum)
		quotas[source] = q
		assigned += q
	}

	for assigned < total {
		var best types.CandidateSource
		bestRelevance := -1.0
		for source, g := range groups {
			if quotas[source] >= len(g) {
				continue
			}
			if r := g[quotas[source]].Relevance; r > bestRelevance {
				bestRelevance = r
				best = source
			}
		}
		if bestRelevance < 0 {
			break
		}
		quotas[best]++
		assigned++
	}

	return quotas
}

// emitByQuota merges the per-source lists in descending relevance while each
// source still has quota, breaking relevance ties in favour of the source
// with more quota remaining (then arrival order). Candidates beyond their
// source's quota spill to the tail, again by relevance.
func emitByQuota(groups map[types.CandidateSource][]*types.Candidate, quotas map[types.CandidateSource]int, arrival map[*types.Candidate]int) []*types.Candidate {
	pos := map[types.CandidateSource]int{}
	out := make([]*types.Candidate, 0)

	for {
		var best types.CandidateSource
		found := false
		for source, g := range groups {
			if pos[source] >= len(g) || pos[source] >= quotas[source] {
				continue
			}
			if !found {
				best = source
				found = true
				continue
			}
			c, b := g[pos[source]], groups[best][pos[best]]
			switch {
			case c.Relevance > b.Relevance:
				best = source
			case c.Relevance == b.Relevance:
				remC := quotas[source] - pos[source]
				remB := quotas[best] - pos[best]
				if remC > remB || (remC == remB && arrival[c] < arrival[b]) {
					best = source
				}
			}
		}
		if !found {
			break
		}
		out = append(out, groups[best][pos[best]])
		pos[best]++
	}

	var spill []*types.Candidate
	for source, g := range groups {
		spill = append(spill, g[pos[source]:]...)
	}
	sortByRelevance(spill, arrival)
	return append(out, spill...)
}

// applyNoveltyBoost walks the list in rank order and boosts candidates whose
// query terms are not yet covered by earlier candidates. The boost is
// +novelty*relevance, enough to re-order ties without letting a redundant
// high scorer fall behind an unrelated low scorer.
func applyNoveltyBoost(selected []*types.Candidate, novelty float64) {
	if novelty <= 0 {
		return
	}
	covered := map[string]bool{}
	for _, c := range selected {
		introduces := false
		for _, term := range c.QueryTerms {
			if !covered[term] {
				introduces = true
			}
		}
		if introduces {
			c.Relevance += novelty * c.Relevance
		}
		for _, term := range c.QueryTerms {
			covered[term] = true
		}
	}
}

// interleaveAntiCollapse re-emits the ranked list, deferring any candidate
// that would create a run of more than two same-source entries. Deferred
// candidates surface as soon as the run breaks.
func interleaveAntiCollapse(ranked []*types.Candidate) []*types.Candidate {
	out := make([]*types.Candidate, 0, len(ranked))
	remaining := append([]*types.Candidate(nil), ranked...)

	for len(remaining) > 0 {
		picked := -1
		for i, c := range remaining {
			if runLength(out, c.Source) < maxConsecutiveSameSource {
				picked = i
				break
			}
		}
		if picked < 0 {
			// Only same-source candidates left; the constraint yields.
			picked = 0
		}
		out = append(out, remaining[picked])
		remaining = append(remaining[:picked], remaining[picked+1:]...)
	}
	return out
}

// runLength counts the trailing run of source at the end of out.
func runLength(out []*types.Candidate, source types.CandidateSource) int {
	n := 0
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Source != source {
			break
		}
		n++
	}
	return n
}
