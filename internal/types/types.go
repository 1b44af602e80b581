// Package types provides shared type definitions used across memograph packages.
// This package exists to break import cycles between store, scoring, and retrieval.
// Types in this package should be foundational data structures with no complex dependencies.
package types

import (
	"strings"
	"time"
)

// =============================================================================
// MEMORY
// =============================================================================

// MemoryKind classifies a stored memory.
type MemoryKind string

const (
	KindDecision     MemoryKind = "decision"
	KindSolution     MemoryKind = "solution"
	KindPattern      MemoryKind = "pattern"
	KindArchitecture MemoryKind = "architecture"
	KindNote         MemoryKind = "note"
)

// ValidKind reports whether k is one of the known memory kinds.
func ValidKind(k MemoryKind) bool {
	switch k {
	case KindDecision, KindSolution, KindPattern, KindArchitecture, KindNote:
		return true
	}
	return false
}

// DecayFunction selects the per-memory decay curve override.
type DecayFunction string

const (
	DecayNone        DecayFunction = "none"
	DecayExponential DecayFunction = "exponential"
	DecayLinear      DecayFunction = "linear"
	DecayStep        DecayFunction = "step"
)

// Memory is the atomic unit of stored knowledge.
type Memory struct {
	ID      string     `json:"id"`
	Kind    MemoryKind `json:"kind"`
	Title   string     `json:"title"`
	Body    string     `json:"body"`
	Summary string     `json:"summary,omitempty"`

	// Importance in [0,1]; access count is monotonically non-decreasing.
	Importance  float64 `json:"importance"`
	AccessCount int64   `json:"access_count"`

	// Epoch seconds. LastRefreshedAt is 0 when the memory was never refreshed.
	CreatedAt       int64 `json:"created_at"`
	AccessedAt      int64 `json:"accessed_at"`
	LastRefreshedAt int64 `json:"last_refreshed_at,omitempty"`

	Tags         []string `json:"tags,omitempty"`
	RelatedFiles []string `json:"related_files,omitempty"`
	Experts      []string `json:"experts,omitempty"`

	// Per-memory decay overrides. Nil means "use the configured default".
	// A DecayRate of 0 pins the memory (no decay).
	DecayRate       *float64      `json:"decay_rate,omitempty"`
	DecayFn         DecayFunction `json:"decay_function,omitempty"`
	ConfidenceFloor *float64      `json:"confidence_floor,omitempty"`

	// Foreign references.
	VectorID      string `json:"vector_id,omitempty"`
	SourcePR      string `json:"source_pr,omitempty"`
	SourceCommit  string `json:"source_commit,omitempty"`
}

// HasTag reports whether the memory carries the tag (case-insensitive).
func (m *Memory) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// AgeAnchor returns the newer of created-at and accessed-at as the recency anchor.
func (m *Memory) AgeAnchor() int64 {
	if m.AccessedAt > m.CreatedAt {
		return m.AccessedAt
	}
	return m.CreatedAt
}

// AgeDays returns the age of the memory in days at time now.
func (m *Memory) AgeDays(now time.Time) float64 {
	anchor := m.AgeAnchor()
	if anchor <= 0 {
		return 0
	}
	return now.Sub(time.Unix(anchor, 0)).Hours() / 24
}

// =============================================================================
// ENTITY GRAPH (GraphRAG)
// =============================================================================

// EntityType classifies a named entity extracted from memories.
type EntityType string

const (
	EntityTechnology   EntityType = "TECHNOLOGY"
	EntityConcept      EntityType = "CONCEPT"
	EntityComponent    EntityType = "COMPONENT"
	EntityPerson       EntityType = "PERSON"
	EntityOrganization EntityType = "ORGANIZATION"
)

// Entity is a named concept extracted from memories.
type Entity struct {
	ID            string     `json:"id"`
	CanonicalName string     `json:"canonical_name"`
	Type          EntityType `json:"type"`
	Description   string     `json:"description,omitempty"`
	MentionCount  int64      `json:"mention_count"`
	Confidence    float64    `json:"confidence"`
	FirstSeenAt   int64      `json:"first_seen_at"`
	LastSeenAt    int64      `json:"last_seen_at"`
	EmbeddingID   string     `json:"embedding_id,omitempty"`
}

// Relationship is a directed typed edge between two entities.
// Unique per (source, target, type).
type Relationship struct {
	ID          string `json:"id"`
	SourceID    string `json:"source_id"`
	TargetID    string `json:"target_id"`
	Type        string `json:"type"`
	Strength    int    `json:"strength"`
	Description string `json:"description,omitempty"`
}

// Community is a clustering of entities at a hierarchical level.
type Community struct {
	ID          string  `json:"id"`
	Level       int     `json:"level"`
	ParentID    string  `json:"parent_id,omitempty"`
	EntityCount int     `json:"entity_count"`
	Modularity  float64 `json:"modularity,omitempty"`
}

// CommunityReport is a narrative summary of a community.
type CommunityReport struct {
	ID          string   `json:"id"`
	CommunityID string   `json:"community_id"`
	Title       string   `json:"title"`
	Summary     string   `json:"summary"`
	FullContent string   `json:"full_content,omitempty"`
	KeyFindings []string `json:"key_findings,omitempty"`
	Rating      float64  `json:"rating,omitempty"`
	EmbeddingID string   `json:"embedding_id,omitempty"`
}

// =============================================================================
// RETRIEVAL
// =============================================================================

// Route is the high-level classification of query intent that decides
// channel weighting.
type Route string

const (
	RouteMemory Route = "memory"
	RouteCode   Route = "code"
	RouteHybrid Route = "hybrid"
)

// CandidateSource identifies which retrieval channel produced a candidate.
type CandidateSource string

const (
	SourceRAG      CandidateSource = "rag"
	SourceKAG      CandidateSource = "kag"
	SourceGraphRAG CandidateSource = "graphrag"
)

// Candidate is one retrieval result section competing for the token budget.
type Candidate struct {
	ID        string          `json:"id"`
	Source    CandidateSource `json:"source"`
	Relevance float64         `json:"relevance"`

	// Section content ready for templating.
	Heading string `json:"heading"`
	Body    string `json:"body"`

	// QueryTerms are the terms this candidate covers, used by the
	// reranker's novelty boost.
	QueryTerms []string `json:"query_terms,omitempty"`

	// Memory is set for RAG candidates.
	Memory *Memory `json:"memory,omitempty"`

	// EntityID is set for GraphRAG candidates.
	EntityID string `json:"entity_id,omitempty"`

	// ContributingMemoryIDs feed cache invalidation: updates to any of these
	// memories invalidate cached contexts built from this candidate.
	ContributingMemoryIDs []string `json:"contributing_memory_ids,omitempty"`

	// ScoreBreakdown names every factor's contribution for RAG candidates.
	ScoreBreakdown map[string]float64 `json:"score_breakdown,omitempty"`
}

// Evidence is a machine-readable citation for one admitted section.
type Evidence struct {
	Source   CandidateSource `json:"source"`
	MemoryID string          `json:"memory_id,omitempty"`
	Graph    *GraphEvidence  `json:"graph,omitempty"`
	Score    float64         `json:"score"`
}

// GraphEvidence cites entity-graph provenance for a GraphRAG section.
type GraphEvidence struct {
	EntityID        string   `json:"entity_id"`
	SourceMemoryIDs []string `json:"source_memory_ids,omitempty"`
}
