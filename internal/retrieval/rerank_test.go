package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memograph/internal/config"
	"memograph/internal/types"
)

func cand(id string, source types.CandidateSource, relevance float64, terms ...string) *types.Candidate {
	return &types.Candidate{ID: id, Source: source, Relevance: relevance, QueryTerms: terms}
}

func TestRerankHybridAntiCollapse(t *testing.T) {
	candidates := []*types.Candidate{
		cand("rag-1", types.SourceRAG, 0.95),
		cand("rag-2", types.SourceRAG, 0.93),
		cand("rag-3", types.SourceRAG, 0.91),
		cand("kag-1", types.SourceKAG, 0.86),
		cand("kag-2", types.SourceKAG, 0.84),
	}

	ranked := Rerank(candidates, types.RouteHybrid, config.RouteRatios{RAG: 0.7, KAG: 0.3}, 0)
	require.Len(t, ranked, 5)

	topThreeHasKAG := false
	for _, c := range ranked[:3] {
		if c.Source == types.SourceKAG {
			topThreeHasKAG = true
		}
	}
	assert.True(t, topThreeHasKAG, "anti-collapse must surface a kag candidate in the top three")

	// No run of more than two same-source candidates anywhere.
	run := 1
	for i := 1; i < len(ranked); i++ {
		if ranked[i].Source == ranked[i-1].Source {
			run++
		} else {
			run = 1
		}
		assert.LessOrEqual(t, run, 2, "run of %s at position %d", ranked[i].Source, i)
	}
}

func TestRerankNonHybridKeepsRelevanceOrder(t *testing.T) {
	candidates := []*types.Candidate{
		cand("rag-1", types.SourceRAG, 0.9),
		cand("rag-2", types.SourceRAG, 0.8),
		cand("rag-3", types.SourceRAG, 0.7),
	}
	ranked := Rerank(candidates, types.RouteMemory, config.RouteRatios{RAG: 0.9, KAG: 0.1}, 0)
	require.Len(t, ranked, 3)
	assert.Equal(t, "rag-1", ranked[0].ID)
	assert.Equal(t, "rag-2", ranked[1].ID)
	assert.Equal(t, "rag-3", ranked[2].ID)
}

func TestRerankQuotasFloorThenDistribute(t *testing.T) {
	groups := map[types.CandidateSource][]*types.Candidate{
		types.SourceRAG: {
			cand("r1", types.SourceRAG, 0.95),
			cand("r2", types.SourceRAG, 0.93),
			cand("r3", types.SourceRAG, 0.91),
		},
		types.SourceKAG: {
			cand("k1", types.SourceKAG, 0.86),
			cand("k2", types.SourceKAG, 0.84),
		},
	}

	quotas := computeQuotas(groups, config.RouteRatios{RAG: 0.7, KAG: 0.3}, 5)
	assert.Equal(t, 3, quotas[types.SourceRAG], "floor(5*0.7)=3")
	assert.Equal(t, 2, quotas[types.SourceKAG], "remainder flows to kag once rag is saturated")
}

func TestRerankBeyondQuotaSpillsByRelevance(t *testing.T) {
	groups := map[types.CandidateSource][]*types.Candidate{
		types.SourceRAG: {cand("r1", types.SourceRAG, 0.9)},
		types.SourceKAG: {
			cand("k1", types.SourceKAG, 0.8),
			cand("k2", types.SourceKAG, 0.7),
			cand("k3", types.SourceKAG, 0.6),
		},
	}

	// A 0.9 rag ratio keeps most slots reserved for rag even though only one
	// rag candidate exists; the remainder loop tops up kag for the slot rag
	// can actually fill beyond its group.
	quotas := computeQuotas(groups, config.RouteRatios{RAG: 0.9, KAG: 0.1}, 4)
	assert.Equal(t, 3, quotas[types.SourceRAG])
	assert.Equal(t, 1, quotas[types.SourceKAG])

	candidates := []*types.Candidate{
		groups[types.SourceRAG][0],
		groups[types.SourceKAG][0],
		groups[types.SourceKAG][1],
		groups[types.SourceKAG][2],
	}
	ranked := Rerank(candidates, types.RouteMemory, config.RouteRatios{RAG: 0.9, KAG: 0.1}, 0)
	require.Len(t, ranked, 4)
	assert.Equal(t, "r1", ranked[0].ID)
	assert.Equal(t, "k1", ranked[1].ID, "kag admits exactly its quota")
	assert.Equal(t, "k2", ranked[2].ID, "beyond-quota candidates spill to the tail by relevance")
	assert.Equal(t, "k3", ranked[3].ID)
}

func TestRerankRatiosShapeOrder(t *testing.T) {
	build := func() []*types.Candidate {
		return []*types.Candidate{
			cand("r1", types.SourceRAG, 0.95),
			cand("r2", types.SourceRAG, 0.93),
			cand("r3", types.SourceRAG, 0.91),
			cand("k1", types.SourceKAG, 0.86),
			cand("k2", types.SourceKAG, 0.84),
		}
	}

	ragHeavy := Rerank(build(), types.RouteCode, config.RouteRatios{RAG: 0.8, KAG: 0.2}, 0)
	kagHeavy := Rerank(build(), types.RouteCode, config.RouteRatios{RAG: 0.2, KAG: 0.8}, 0)
	require.Len(t, ragHeavy, 5)
	require.Len(t, kagHeavy, 5)

	ids := func(cs []*types.Candidate) []string {
		out := make([]string, len(cs))
		for i, c := range cs {
			out[i] = c.ID
		}
		return out
	}
	assert.Equal(t, []string{"r1", "r2", "r3", "k1", "k2"}, ids(ragHeavy))
	assert.Equal(t, []string{"r1", "k1", "k2", "r2", "r3"}, ids(kagHeavy),
		"opposite ratios must produce a different order on the same candidates")
}

func TestRerankTieBreaksByRemainingQuota(t *testing.T) {
	// All candidates tie on relevance; kag arrives first, but rag holds more
	// unused quota and so wins the first slot.
	candidates := []*types.Candidate{
		cand("k1", types.SourceKAG, 0.9),
		cand("r1", types.SourceRAG, 0.9),
		cand("r2", types.SourceRAG, 0.9),
	}
	ranked := Rerank(candidates, types.RouteMemory, config.RouteRatios{RAG: 0.7, KAG: 0.3}, 0)
	require.Len(t, ranked, 3)
	assert.Equal(t, "r1", ranked[0].ID)
	assert.Equal(t, "k1", ranked[1].ID, "equal remaining quota falls back to arrival order")
	assert.Equal(t, "r2", ranked[2].ID)
}

func TestNoveltyBoostReordersRedundantCandidates(t *testing.T) {
	candidates := []*types.Candidate{
		cand("r1", types.SourceRAG, 0.90, "auth", "token"),
		cand("r2", types.SourceRAG, 0.89, "auth", "token"), // redundant
		cand("r3", types.SourceRAG, 0.88, "database", "migration"),
	}

	ranked := Rerank(candidates, types.RouteMemory, config.RouteRatios{RAG: 1}, 0.1)
	require.Len(t, ranked, 3)
	assert.Equal(t, "r1", ranked[0].ID)
	assert.Equal(t, "r3", ranked[1].ID, "novel terms beat a redundant near-duplicate")
	assert.Equal(t, "r2", ranked[2].ID)
}

func TestRerankEmpty(t *testing.T) {
	assert.Nil(t, Rerank(nil, types.RouteMemory, config.RouteRatios{RAG: 1}, 0.1))
}

func TestRerankSingleSourceHybridYields(t *testing.T) {
	// All-rag input in hybrid mode: the anti-collapse constraint cannot be
	// satisfied, so the list degrades to pure relevance order.
	candidates := []*types.Candidate{
		cand("r1", types.SourceRAG, 0.9),
		cand("r2", types.SourceRAG, 0.8),
		cand("r3", types.SourceRAG, 0.7),
		cand("r4", types.SourceRAG, 0.6),
	}
	ranked := Rerank(candidates, types.RouteHybrid, config.RouteRatios{RAG: 0.5, KAG: 0.3, GraphRAG: 0.2}, 0)
	require.Len(t, ranked, 4)
	assert.Equal(t, "r1", ranked[0].ID)
	assert.Equal(t, "r4", ranked[3].ID)
}
