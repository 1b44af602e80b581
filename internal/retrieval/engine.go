package retrieval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"memograph/internal/assemble"
	"memograph/internal/cache"
	"memograph/internal/codegraph"
	"memograph/internal/config"
	"memograph/internal/embedding"
	"memograph/internal/logging"
	"memograph/internal/store"
	"memograph/internal/types"
)

// Stage names used for per-stage benchmark timing.
const (
	StageRAG      = "rag"
	StageKAG      = "kag"
	StageGraphRAG = "graphrag"
	StageRerank   = "rerank"
	StageFormat   = "format"
	StageTokenize = "tokenize"
	StageEvidence = "evidence"
	StageTotal    = "total"
)

// StageTimings records wall-clock duration per retrieval stage.
type StageTimings map[string]time.Duration

// BuildInput parameterises one context-build request.
type BuildInput struct {
	Query            string
	TokenBudget      int
	IncludeCodeGraph bool
	IncludeGraphRAG  bool
	IncludeEvidence  bool
	Template         string
	Filters          *Filters
}

// Engine wires the three retrieval channels to the scorer, reranker,
// assembler and the process-wide context cache.
type Engine struct {
	store      *store.Store
	vectors    store.VectorStore
	embeddings embedding.Engine
	codeGraph  *codegraph.CodeGraph // nil disables KAG

	retrievalCfg config.RetrievalConfig
	scoringCfg   config.ScoringConfig
	cacheCfg     config.CacheConfig

	requests *semaphore.Weighted // nil when unlimited
}

// =============================================================================
// PROCESS-WIDE CONTEXT CACHE
// =============================================================================

var (
	cacheOnce    sync.Once
	contextCache *cache.ContextCache
)

func globalCache(cfg config.CacheConfig) *cache.ContextCache {
	cacheOnce.Do(func() {
		contextCache = cache.NewContextCache(cfg)
	})
	return contextCache
}

// ResetContextCache clears the process-wide context cache and its counters.
func ResetContextCache() {
	if contextCache != nil {
		contextCache.Reset()
	}
}

// GetContextCacheStats returns a snapshot of the process-wide cache counters.
func GetContextCacheStats() cache.Stats {
	if contextCache == nil {
		return cache.Stats{}
	}
	return contextCache.Stats()
}

// InvalidateContextsForMemory removes cached contexts whose contributing
// memory-id set contains id. Callers invoke this after updating or deleting
// a memory.
func InvalidateContextsForMemory(id string) int {
	if contextCache == nil {
		return 0
	}
	return contextCache.InvalidateByMemoryID(id)
}

// =============================================================================
// ENGINE
// =============================================================================

// NewEngine builds a retrieval engine. codeGraph may be nil when no code
// scan has been performed; KAG then yields no candidates.
func NewEngine(
	st *store.Store,
	vectors store.VectorStore,
	embeddings embedding.Engine,
	codeGraph *codegraph.CodeGraph,
	retrievalCfg config.RetrievalConfig,
	scoringCfg config.ScoringConfig,
	cacheCfg config.CacheConfig,
) *Engine {
	e := &Engine{
		store:        st,
		vectors:      vectors,
		embeddings:   embeddings,
		codeGraph:    codeGraph,
		retrievalCfg: retrievalCfg,
		scoringCfg:   scoringCfg,
		cacheCfg:     cacheCfg,
	}
	if retrievalCfg.MaxConcurrentRequests > 0 {
		e.requests = semaphore.NewWeighted(int64(retrievalCfg.MaxConcurrentRequests))
	}
	globalCache(cacheCfg).Reconfigure(cacheCfg)
	return e
}

// BuildContext answers one query: route classification, parallel channel
// retrieval, fusion reranking, budgeted assembly, and caching.
func (e *Engine) BuildContext(ctx context.Context, in BuildInput) (*types.ContextResult, error) {
	result, _, err := e.BuildContextTimed(ctx, in)
	return result, err
}

// BuildContextTimed is BuildContext with per-stage timings, used by the
// benchmark runner.
func (e *Engine) BuildContextTimed(ctx context.Context, in BuildInput) (*types.ContextResult, StageTimings, error) {
	totalStart := time.Now()
	timings := StageTimings{}

	tmpl, err := assemble.ParseTemplate(in.Template)
	if err != nil {
		return nil, nil, err
	}
	if in.TokenBudget <= 0 {
		return nil, nil, fmt.Errorf("token budget must be positive, got %d", in.TokenBudget)
	}

	if e.requests != nil {
		if err := e.requests.Acquire(ctx, 1); err != nil {
			return nil, nil, fmt.Errorf("retrieval request cancelled while queued: %w", err)
		}
		defer e.requests.Release(1)
	}

	key := e.fingerprint(in, tmpl)
	cc := globalCache(e.cacheCfg)
	if hit := cc.Get(key); hit != nil {
		cached := *hit
		cached.Metadata.CacheHit = true
		timings[StageTotal] = time.Since(totalStart)
		logging.RetrievalDebug("Cache hit for query %q", in.Query)
		return &cached, timings, nil
	}

	route := ClassifyRoute(in.Query, in.IncludeCodeGraph && e.codeGraph != nil)

	ctx, cancel := context.WithTimeout(ctx, e.retrievalCfg.QueryTimeout)
	defer cancel()

	candidates, err := e.retrieveChannels(ctx, in, route, timings)
	if err != nil {
		return nil, nil, err
	}

	rerankStart := time.Now()
	ranked := Rerank(candidates, route, e.retrievalCfg.Ratios(route), e.retrievalCfg.NoveltyBoost)
	timings[StageRerank] = time.Since(rerankStart)

	formatStart := time.Now()
	sections := assemble.Admit(ranked, in.TokenBudget, tmpl)
	doc := assemble.Render(in.Query, sections, tmpl)
	timings[StageFormat] = time.Since(formatStart)

	tokenizeStart := time.Now()
	totalTokens := assemble.EstimateTokens(doc)
	if totalTokens > in.TokenBudget {
		doc = assemble.TruncateToTokens(doc, in.TokenBudget)
		totalTokens = assemble.EstimateTokens(doc)
	}
	timings[StageTokenize] = time.Since(tokenizeStart)

	counts := map[types.CandidateSource]int{}
	for _, c := range sections {
		counts[c.Source]++
	}
	result := &types.ContextResult{
		Context: doc,
		Metadata: types.ContextMetadata{
			TotalTokens:      totalTokens,
			SectionsIncluded: len(sections),
			RAGSections:      counts[types.SourceRAG],
			KAGSections:      counts[types.SourceKAG],
			GraphRAGSections: counts[types.SourceGraphRAG],
			Truncated:        len(ranked) > len(sections),
			Route:            route,
		},
	}

	evidenceStart := time.Now()
	if in.IncludeEvidence {
		result.Evidence = assemble.BuildEvidence(sections)
	}
	timings[StageEvidence] = time.Since(evidenceStart)

	e.recordAccess(sections)

	// A cancelled request must not insert into the cache.
	if ctx.Err() == nil {
		cc.Set(key, result, contributingIDs(sections))
	}

	timings[StageTotal] = time.Since(totalStart)
	logging.Retrieval("Built context for %q: route=%s sections=%d tokens=%d in %v",
		in.Query, route, len(sections), totalTokens, timings[StageTotal])
	return result, timings, nil
}

// retrieveChannels runs the per-route channels concurrently under the
// request deadline. The first failing channel cancels the others unless the
// engine is configured to degrade to partial results.
func (e *Engine) retrieveChannels(ctx context.Context, in BuildInput, route types.Route, timings StageTimings) ([]*types.Candidate, error) {
	rag := &ragChannel{store: e.store, vectors: e.vectors, embeddings: e.embeddings, scoringCfg: &e.scoringCfg}
	kag := &kagChannel{graph: e.codeGraph, cfg: &e.retrievalCfg}
	graphrag := &graphragChannel{store: e.store, vectors: e.vectors, embeddings: e.embeddings, cfg: &e.retrievalCfg.GraphRAG}

	var (
		mu         sync.Mutex
		candidates []*types.Candidate
	)
	collect := func(cs []*types.Candidate) {
		mu.Lock()
		candidates = append(candidates, cs...)
		mu.Unlock()
	}
	timed := func(stage string, fn func() error) func() error {
		return func() error {
			start := time.Now()
			err := fn()
			mu.Lock()
			timings[stage] = time.Since(start)
			mu.Unlock()
			if err != nil && e.retrievalCfg.DegradeOnChannelError {
				logging.Get(logging.CategoryRetrieval).Warn("Channel %s failed, degrading to partial result: %v", stage, err)
				return nil
			}
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(timed(StageRAG, func() error {
		cs, err := rag.retrieve(gctx, in.Query, in.Filters, e.retrievalCfg.RAGLimit)
		if err != nil {
			return err
		}
		collect(cs)
		return nil
	}))

	if in.IncludeCodeGraph && e.codeGraph != nil {
		g.Go(timed(StageKAG, func() error {
			cs, err := kag.retrieve(gctx, in.Query)
			if err != nil {
				return err
			}
			collect(cs)
			return nil
		}))
	}

	if in.IncludeGraphRAG {
		g.Go(timed(StageGraphRAG, func() error {
			cs, err := graphrag.retrieve(gctx, in.Query)
			if err != nil {
				return err
			}
			collect(cs)
			return nil
		}))
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("retrieval failed: %w", err)
	}
	return candidates, nil
}

// fingerprint builds the cache key for a request.
func (e *Engine) fingerprint(in BuildInput, tmpl assemble.Template) string {
	fp := cache.FingerprintInput{
		Query:            in.Query,
		TokenBudget:      in.TokenBudget,
		IncludeCodeGraph: in.IncludeCodeGraph,
		IncludeGraphRAG:  in.IncludeGraphRAG,
		IncludeEvidence:  in.IncludeEvidence,
		Template:         string(tmpl),
		ScoringHash:      e.scoringCfg.Hash(),
	}
	if in.Filters != nil {
		fp.Filters = &cache.RequestFilters{
			Kind:          in.Filters.Kind,
			Tags:          in.Filters.Tags,
			MinImportance: in.Filters.MinImportance,
			RelatedFiles:  in.Filters.RelatedFiles,
		}
	}
	return cache.Fingerprint(fp)
}

// recordAccess bumps access counters for every memory surfaced in the
// final document.
func (e *Engine) recordAccess(sections []*types.Candidate) {
	for _, c := range sections {
		if c.Memory == nil {
			continue
		}
		if err := e.store.IncrementAccessCount(c.Memory.ID); err != nil {
			logging.RetrievalDebug("Failed to record access for %s: %v", c.Memory.ID, err)
		}
	}
}

// contributingIDs collects the deduplicated memory ids behind the admitted
// sections, in first-seen order.
func contributingIDs(sections []*types.Candidate) []string {
	seen := map[string]bool{}
	var ids []string
	for _, c := range sections {
		for _, id := range c.ContributingMemoryIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}
