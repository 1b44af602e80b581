package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"memograph/internal/config"
	"memograph/internal/embedding"
	"memograph/internal/logging"
	"memograph/internal/scoring"
	"memograph/internal/store"
	"memograph/internal/types"
)

// Filters narrow RAG search results before scoring.
type Filters struct {
	Kind          string
	Tags          []string
	MinImportance float64
	RelatedFiles  []string
}

// ragChannel retrieves memories by semantic vector search and ranks them
// with the multi-factor scorer.
type ragChannel struct {
	store      *store.Store
	vectors    store.VectorStore
	embeddings embedding.Engine
	scoringCfg *config.ScoringConfig
}

// retrieve embeds the query, searches the vector index under a payload
// filter, loads and scores the surviving memories, and returns the top
// limit candidates by score.
func (r *ragChannel) retrieve(ctx context.Context, query string, filters *Filters, limit int) ([]*types.Candidate, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "rag.retrieve")
	defer timer.Stop()

	vector, err := r.embeddings.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("rag embedding failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Over-fetch so post-filter scoring still has limit survivors.
	hits, err := r.vectors.Search(vector, buildVectorFilter(filters), limit*3)
	if err != nil {
		return nil, fmt.Errorf("rag vector search failed: %w", err)
	}

	now := time.Now()
	candidates := make([]*types.Candidate, 0, len(hits))
	for _, hit := range hits {
		memoryID := hit.MemoryID
		if memoryID == "" {
			memoryID = hit.ID
		}
		m, err := r.store.GetMemory(memoryID)
		if errors.Is(err, store.ErrMemoryNotFound) {
			logging.RetrievalDebug("Dropping vector hit %s: memory missing", hit.ID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("rag memory load failed: %w", err)
		}

		res := scoring.Score(m, hit.Score, r.scoringCfg, now)
		body := m.Body
		if m.Summary != "" {
			body = m.Summary
		}
		candidates = append(candidates, &types.Candidate{
			ID:                    "rag:" + m.ID,
			Source:                types.SourceRAG,
			Relevance:             res.Score,
			Heading:               m.Title,
			Body:                  body,
			QueryTerms:            memoryTerms(m),
			Memory:                m,
			ContributingMemoryIDs: []string{m.ID},
			ScoreBreakdown:        res.Breakdown,
		})
	}

	sortCandidates(candidates)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	logging.RetrievalDebug("RAG: %d hits, %d candidates after scoring", len(hits), len(candidates))
	return candidates, nil
}

// buildVectorFilter translates request filters into payload conditions.
func buildVectorFilter(f *Filters) *store.VectorFilter {
	if f == nil {
		return nil
	}
	var conditions []store.FilterCondition
	if f.Kind != "" {
		conditions = append(conditions, store.FilterCondition{
			Kind: store.FilterMatch, Key: "type", Value: f.Kind,
		})
	}
	if len(f.Tags) > 0 {
		conditions = append(conditions, store.FilterCondition{
			Kind: store.FilterMatchAny, Key: "tags", Values: f.Tags,
		})
	}
	if f.MinImportance > 0 {
		conditions = append(conditions, store.FilterCondition{
			Kind: store.FilterRangeGTE, Key: "importance", Min: f.MinImportance,
		})
	}
	if len(f.RelatedFiles) > 0 {
		conditions = append(conditions, store.FilterCondition{
			Kind: store.FilterMatchAny, Key: "relatedFiles", Values: f.RelatedFiles,
		})
	}
	if len(conditions) == 0 {
		return nil
	}
	return &store.VectorFilter{Conditions: conditions}
}

// memoryTerms collects the memory's tags and title words as coverage terms
// for the novelty boost.
func memoryTerms(m *types.Memory) []string {
	terms := queryTerms(m.Title)
	for _, t := range m.Tags {
		terms = append(terms, t)
	}
	return terms
}
