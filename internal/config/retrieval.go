package config

import (
	"fmt"
	"math"
	"time"

	"memograph/internal/types"
)

// =============================================================================
// RETRIEVAL CONFIGURATION
// =============================================================================

// RouteRatios split the candidate quota between channels for one route.
// They are treated as proportions and renormalised at rerank time.
type RouteRatios struct {
	RAG      float64 `yaml:"rag" json:"rag"`
	KAG      float64 `yaml:"kag" json:"kag"`
	GraphRAG float64 `yaml:"graphrag" json:"graphrag"`
}

// GraphRAG search modes.
const (
	GraphRAGModeAuto   = "auto" // local + global
	GraphRAGModeLocal  = "local"
	GraphRAGModeGlobal = "global"
	GraphRAGModeDrift  = "drift"
)

// GraphRAGConfig tunes the entity/community graph search.
type GraphRAGConfig struct {
	// Mode selects the search strategy: auto (local + global), local,
	// global, or drift. Empty means auto.
	Mode string `yaml:"mode" json:"mode"`

	// Local search: hybrid entity matching thresholds.
	SemanticThreshold float64 `yaml:"semantic_threshold" json:"semantic_threshold"`
	LexicalThreshold  float64 `yaml:"lexical_threshold" json:"lexical_threshold"`
	MaxDepth          int     `yaml:"max_depth" json:"max_depth"`
	MinEdgeWeight     int     `yaml:"min_edge_weight" json:"min_edge_weight"`

	// Global search.
	MaxReports int `yaml:"max_reports" json:"max_reports"`

	// Drift search.
	MaxIterations        int     `yaml:"max_iterations" json:"max_iterations"`
	ConvergenceThreshold float64 `yaml:"convergence_threshold" json:"convergence_threshold"`
}

// RetrievalConfig tunes the retrieval engine.
type RetrievalConfig struct {
	// Per-route channel ratios.
	Routes map[types.Route]RouteRatios `yaml:"routes" json:"routes"`

	// RAG candidate limit per query.
	RAGLimit int `yaml:"rag_limit" json:"rag_limit"`

	// KAG expansion bounds.
	KAGMaxDepth int `yaml:"kag_max_depth" json:"kag_max_depth"`
	KAGMaxNodes int `yaml:"kag_max_nodes" json:"kag_max_nodes"`

	GraphRAG GraphRAGConfig `yaml:"graphrag" json:"graphrag"`

	// NoveltyBoost rewards candidates that introduce query terms not yet
	// covered by earlier selections.
	NoveltyBoost float64 `yaml:"novelty_boost" json:"novelty_boost"`

	// QueryTimeout bounds one full retrieval request.
	QueryTimeout time.Duration `yaml:"query_timeout" json:"query_timeout"`

	// DegradeOnChannelError returns a partial result when a channel fails
	// instead of failing the request.
	DegradeOnChannelError bool `yaml:"degrade_on_channel_error" json:"degrade_on_channel_error"`

	// MaxConcurrentRequests caps in-flight retrieval requests process-wide.
	// Zero means unlimited.
	MaxConcurrentRequests int `yaml:"max_concurrent_requests" json:"max_concurrent_requests"`
}

// DefaultRetrievalConfig returns sensible defaults.
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		Routes: map[types.Route]RouteRatios{
			types.RouteMemory: {RAG: 0.9, KAG: 0.1, GraphRAG: 0},
			types.RouteCode:   {RAG: 0.25, KAG: 0.75, GraphRAG: 0},
			types.RouteHybrid: {RAG: 0.5, KAG: 0.3, GraphRAG: 0.2},
		},
		RAGLimit:    10,
		KAGMaxDepth: 2,
		KAGMaxNodes: 50,
		GraphRAG: GraphRAGConfig{
			Mode:                 GraphRAGModeAuto,
			SemanticThreshold:    0.12,
			LexicalThreshold:     0.2,
			MaxDepth:             2,
			MinEdgeWeight:        2,
			MaxReports:           10,
			MaxIterations:        3,
			ConvergenceThreshold: 0.9,
		},
		NoveltyBoost:          0.1,
		QueryTimeout:          30 * time.Second,
		DegradeOnChannelError: false,
	}
}

// Ratios returns the configured ratios for a route, falling back to the
// built-in defaults for unknown routes.
func (c *RetrievalConfig) Ratios(route types.Route) RouteRatios {
	if r, ok := c.Routes[route]; ok {
		return r
	}
	return DefaultRetrievalConfig().Routes[route]
}

// Validate checks the retrieval configuration.
func (c *RetrievalConfig) Validate() error {
	for route, r := range c.Routes {
		for name, v := range map[string]float64{"rag": r.RAG, "kag": r.KAG, "graphrag": r.GraphRAG} {
			if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("route %s: ratio %s must be finite and non-negative", route, name)
			}
		}
		if r.RAG+r.KAG+r.GraphRAG == 0 {
			return fmt.Errorf("route %s: ratios must not all be zero", route)
		}
	}
	if c.RAGLimit < 0 {
		return fmt.Errorf("rag_limit must be >= 0")
	}
	if c.GraphRAG.MaxDepth < 0 || c.KAGMaxDepth < 0 {
		return fmt.Errorf("traversal depths must be >= 0")
	}
	if c.GraphRAG.ConvergenceThreshold < 0 || c.GraphRAG.ConvergenceThreshold > 1 {
		return fmt.Errorf("graphrag convergence_threshold must be in [0,1]")
	}
	switch c.GraphRAG.Mode {
	case "", GraphRAGModeAuto, GraphRAGModeLocal, GraphRAGModeGlobal, GraphRAGModeDrift:
	default:
		return fmt.Errorf("graphrag mode must be one of auto, local, global, drift; got %q", c.GraphRAG.Mode)
	}
	return nil
}
