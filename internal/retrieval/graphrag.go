package retrieval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"memograph/internal/config"
	"memograph/internal/embedding"
	"memograph/internal/logging"
	"memograph/internal/store"
	"memograph/internal/types"
)

// payloadTypeReport tags community-report vectors in the shared index.
const payloadTypeReport = "GRAPHRAG_REPORT"

// graphragChannel searches the entity/community graph in three modes:
// local (entity-centric), global (community-report-centric) and drift
// (iterative hypothesis refinement).
type graphragChannel struct {
	store      *store.Store
	vectors    store.VectorStore
	embeddings embedding.Engine
	cfg        *config.GraphRAGConfig
}

// =============================================================================
// LOCAL SEARCH
// =============================================================================

// LocalResult is the output of an entity-centric search.
type LocalResult struct {
	Entities      []*types.Entity
	Relationships []*types.Relationship
	TotalExpanded int
}

// local finds seed entities by hybrid semantic+lexical match, then expands
// their relationship neighborhood.
func (g *graphragChannel) local(ctx context.Context, query string) (*LocalResult, error) {
	timer := logging.StartTimer(logging.CategoryGraphRAG, "local")
	defer timer.Stop()

	queryVec, err := g.embeddings.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("graphrag embedding failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seeds, err := g.matchEntities(query, queryVec)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return &LocalResult{}, nil
	}

	seedIDs := make([]string, len(seeds))
	for i, e := range seeds {
		seedIDs[i] = e.ID
	}
	nb, err := g.store.ExpandNeighborhood(seedIDs, g.cfg.MaxDepth, g.cfg.MinEdgeWeight)
	if err != nil {
		return nil, fmt.Errorf("graphrag expansion failed: %w", err)
	}

	return &LocalResult{
		Entities:      nb.Entities,
		Relationships: nb.Relationships,
		TotalExpanded: nb.TotalExpanded,
	}, nil
}

// matchEntities scores every entity by cosine similarity of its embedding
// (when present) and lexical overlap with the query, keeping those above
// both thresholds.
func (g *graphragChannel) matchEntities(query string, queryVec []float32) ([]*types.Entity, error) {
	entities, err := g.store.ListEntities(0)
	if err != nil {
		return nil, fmt.Errorf("graphrag entity list failed: %w", err)
	}

	terms := queryTerms(query)
	var matched []*types.Entity
	for _, e := range entities {
		lexical := lexicalOverlap(e.CanonicalName, terms)
		if lexical < g.cfg.LexicalThreshold {
			continue
		}

		semantic := lexical // fall back when the entity has no embedding
		if e.EmbeddingID != "" {
			hits, err := g.vectors.Search(queryVec, &store.VectorFilter{Conditions: []store.FilterCondition{
				{Kind: store.FilterMatch, Key: "entityId", Value: e.ID},
			}}, 1)
			if err == nil && len(hits) > 0 {
				semantic = hits[0].Score
			}
		}
		if semantic < g.cfg.SemanticThreshold {
			continue
		}
		matched = append(matched, e)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].MentionCount > matched[j].MentionCount
	})
	return matched, nil
}

// lexicalOverlap measures the fraction of entity-name words covered by the
// query terms.
func lexicalOverlap(name string, terms []string) float64 {
	words := strings.Fields(strings.ToLower(name))
	if len(words) == 0 {
		return 0
	}
	covered := 0
	for _, w := range words {
		for _, t := range terms {
			if w == t || strings.Contains(t, w) || strings.Contains(w, t) {
				covered++
				break
			}
		}
	}
	return float64(covered) / float64(len(words))
}

// =============================================================================
// GLOBAL SEARCH
// =============================================================================

// GlobalResult is the output of a community-report search.
type GlobalResult struct {
	Reports []*types.CommunityReport
	Scores  map[string]float64
	Answer  string
}

// global searches community-report vectors and synthesises an answer from
// the top report summaries.
func (g *graphragChannel) global(ctx context.Context, query string) (*GlobalResult, error) {
	timer := logging.StartTimer(logging.CategoryGraphRAG, "global")
	defer timer.Stop()

	queryVec, err := g.embeddings.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("graphrag embedding failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hits, err := g.vectors.Search(queryVec, &store.VectorFilter{Conditions: []store.FilterCondition{
		{Kind: store.FilterMatch, Key: "type", Value: payloadTypeReport},
	}}, g.cfg.MaxReports*2)
	if err != nil {
		return nil, fmt.Errorf("graphrag report search failed: %w", err)
	}

	// Dedupe by report id keeping the max score.
	scores := make(map[string]float64)
	reports := make(map[string]*types.CommunityReport)
	for _, hit := range hits {
		report, err := g.resolveReport(hit)
		if err != nil {
			return nil, err
		}
		if report == nil {
			continue
		}
		if prev, ok := scores[report.ID]; !ok || hit.Score > prev {
			scores[report.ID] = hit.Score
			reports[report.ID] = report
		}
	}

	ordered := make([]*types.CommunityReport, 0, len(reports))
	for _, r := range reports {
		ordered = append(ordered, r)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return scores[ordered[i].ID] > scores[ordered[j].ID]
	})
	if len(ordered) > g.cfg.MaxReports {
		ordered = ordered[:g.cfg.MaxReports]
	}

	return &GlobalResult{
		Reports: ordered,
		Scores:  scores,
		Answer:  synthesiseAnswer(ordered),
	}, nil
}

// resolveReport maps a vector hit to a community report. Resolution order:
// explicit payload reportId, then the hit's memoryId column, then the hit id
// as embedding-id fallback. The first field that resolves wins.
func (g *graphragChannel) resolveReport(hit store.VectorHit) (*types.CommunityReport, error) {
	if hit.Payload != nil {
		if reportID, ok := hit.Payload["reportId"].(string); ok && reportID != "" {
			report, err := g.store.GetCommunityReport(reportID)
			if err == nil {
				return report, nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("graphrag report lookup failed: %w", err)
			}
		}
	}
	if hit.MemoryID != "" {
		report, err := g.store.GetCommunityReport(hit.MemoryID)
		if err == nil {
			return report, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("graphrag report lookup failed: %w", err)
		}
	}
	report, err := g.store.GetCommunityReportByEmbeddingID(hit.ID)
	if err == nil {
		return report, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		logging.GraphRAGDebug("Report vector %s resolved to no report", hit.ID)
		return nil, nil
	}
	return nil, fmt.Errorf("graphrag report lookup failed: %w", err)
}

// synthesiseAnswer stitches report summaries with source attributions.
func synthesiseAnswer(reports []*types.CommunityReport) string {
	if len(reports) == 0 {
		return ""
	}
	var b strings.Builder
	for i, r := range reports {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%s [source: %s]", r.Summary, r.Title)
	}
	return b.String()
}

// =============================================================================
// DRIFT SEARCH
// =============================================================================

// DriftResult is the output of iterative hypothesis refinement.
type DriftResult struct {
	Entities   []*types.Entity
	Hypotheses []string
	Iterations int
	Converged  bool
}

// drift seeds with a local search, forms a hypothesis from the entity
// neighborhood, and re-searches with the hypothesis until successive
// hypotheses converge or the iteration cap is reached.
func (g *graphragChannel) drift(ctx context.Context, query string) (*DriftResult, error) {
	timer := logging.StartTimer(logging.CategoryGraphRAG, "drift")
	defer timer.Stop()

	result := &DriftResult{}
	current := query
	var prevVec []float32

	for i := 0; i < g.cfg.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.Iterations = i + 1

		local, err := g.local(ctx, current)
		if err != nil {
			return nil, err
		}
		result.Entities = local.Entities

		hypothesis := formHypothesis(query, local)
		result.Hypotheses = append(result.Hypotheses, hypothesis)

		vec, err := g.embeddings.Embed(ctx, hypothesis)
		if err != nil {
			return nil, fmt.Errorf("drift embedding failed: %w", err)
		}
		if prevVec != nil {
			sim, err := embedding.CosineSimilarity(prevVec, vec)
			if err == nil && sim >= g.cfg.ConvergenceThreshold {
				result.Converged = true
				break
			}
		}
		prevVec = vec
		current = hypothesis
	}

	logging.GraphRAGDebug("Drift: %d iterations, converged=%v, %d entities",
		result.Iterations, result.Converged, len(result.Entities))
	return result, nil
}

// formHypothesis summarises what the current neighborhood suggests about
// the query.
func formHypothesis(query string, local *LocalResult) string {
	if len(local.Entities) == 0 {
		return query
	}
	names := make([]string, 0, len(local.Entities))
	for _, e := range local.Entities {
		names = append(names, e.CanonicalName)
	}
	sort.Strings(names)
	return fmt.Sprintf("%s (related: %s)", query, strings.Join(names, ", "))
}

// =============================================================================
// CANDIDATE PRODUCTION
// =============================================================================

// retrieve dispatches on the configured mode and converts surfaced entities
// and reports into candidates, propagating linked memory ids for cache
// invalidation. Auto runs local and global; drift feeds its refined entity
// set through the same entity-candidate path.
func (g *graphragChannel) retrieve(ctx context.Context, query string) ([]*types.Candidate, error) {
	mode := g.cfg.Mode
	if mode == "" {
		mode = config.GraphRAGModeAuto
	}

	var (
		local  *LocalResult
		global *GlobalResult
		err    error
	)
	switch mode {
	case config.GraphRAGModeLocal:
		local, err = g.local(ctx, query)
	case config.GraphRAGModeGlobal:
		global, err = g.global(ctx, query)
	case config.GraphRAGModeDrift:
		var drift *DriftResult
		drift, err = g.drift(ctx, query)
		if err == nil {
			local = &LocalResult{Entities: drift.Entities}
		}
	default:
		local, err = g.local(ctx, query)
		if err == nil {
			global, err = g.global(ctx, query)
		}
	}
	if err != nil {
		return nil, err
	}

	var candidates []*types.Candidate
	if local != nil {
		cs, err := g.entityCandidates(local)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, cs...)
	}
	if global != nil {
		cs, err := g.reportCandidates(global)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, cs...)
	}

	sortCandidates(candidates)
	logging.RetrievalDebug("GraphRAG %s: %d candidates", mode, len(candidates))
	return candidates, nil
}

func (g *graphragChannel) entityCandidates(local *LocalResult) ([]*types.Candidate, error) {
	var candidates []*types.Candidate
	for _, e := range local.Entities {
		memoryIDs, err := g.store.MemoryIDsForEntity(e.ID)
		if err != nil {
			return nil, fmt.Errorf("graphrag memory link lookup failed: %w", err)
		}
		candidates = append(candidates, &types.Candidate{
			ID:                    "graphrag-entity:" + e.ID,
			Source:                types.SourceGraphRAG,
			Relevance:             entityRelevance(e),
			Heading:               fmt.Sprintf("Entity: %s", e.CanonicalName),
			Body:                  describeEntity(e, local),
			QueryTerms:            queryTerms(e.CanonicalName),
			EntityID:              e.ID,
			ContributingMemoryIDs: memoryIDs,
		})
	}
	return candidates, nil
}

func (g *graphragChannel) reportCandidates(global *GlobalResult) ([]*types.Candidate, error) {
	var candidates []*types.Candidate
	for _, r := range global.Reports {
		memoryIDs, err := g.store.MemoryIDsForCommunity(r.CommunityID)
		if err != nil {
			return nil, fmt.Errorf("graphrag community link lookup failed: %w", err)
		}
		body := r.Summary
		if len(r.KeyFindings) > 0 {
			body += "\nKey findings: " + strings.Join(r.KeyFindings, "; ")
		}
		candidates = append(candidates, &types.Candidate{
			ID:                    "graphrag-report:" + r.ID,
			Source:                types.SourceGraphRAG,
			Relevance:             global.Scores[r.ID],
			Heading:               fmt.Sprintf("Community: %s", r.Title),
			Body:                  body,
			QueryTerms:            queryTerms(r.Title),
			ContributingMemoryIDs: memoryIDs,
		})
	}
	return candidates, nil
}

// entityRelevance maps extraction confidence and mention density to a
// candidate relevance in (0, 0.9].
func entityRelevance(e *types.Entity) float64 {
	rel := 0.5 + 0.4*e.Confidence
	if rel > 0.9 {
		rel = 0.9
	}
	return rel
}

func describeEntity(e *types.Entity, local *LocalResult) string {
	var b strings.Builder
	if e.Description != "" {
		b.WriteString(e.Description)
	} else {
		fmt.Fprintf(&b, "%s (%s), mentioned %d times.", e.CanonicalName, e.Type, e.MentionCount)
	}
	var related []string
	for _, r := range local.Relationships {
		if r.SourceID == e.ID || r.TargetID == e.ID {
			related = append(related, r.Type)
		}
	}
	if len(related) > 0 {
		fmt.Fprintf(&b, "\nRelationships: %s", strings.Join(related, ", "))
	}
	return b.String()
}
