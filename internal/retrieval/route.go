// Package retrieval orchestrates the three retrieval channels (RAG over
// memory embeddings, KAG over the code graph, GraphRAG over the entity
// graph), classifies query routes, fuses candidates, and assembles cached,
// token-budgeted context documents.
package retrieval

import (
	"regexp"
	"strings"

	"memograph/internal/types"
)

// Structural tokens indicate the query asks about code relationships.
var structuralPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bcalls?\b`),
	regexp.MustCompile(`(?i)\bcalled by\b`),
	regexp.MustCompile(`(?i)\bdepends? on\b`),
	regexp.MustCompile(`(?i)\bimplements?\b`),
	regexp.MustCompile(`(?i)\bimplementations? of\b`),
	regexp.MustCompile(`(?i)\bwhat uses\b`),
	regexp.MustCompile(`(?i)\bused by\b`),
	regexp.MustCompile(`(?i)\bwhere is .+ defined\b`),
	regexp.MustCompile(`(?i)\bsignature\b`),
	// Identifier-looking token: lowerCamelCase or explicit call syntax.
	// PascalCase alone is excluded: product names (PostgreSQL, GraphQL)
	// would otherwise force every history question onto the code route.
	regexp.MustCompile(`\b[a-z]+[A-Z]\w*\b`),
	regexp.MustCompile(`\w+\(`),
}

// Semantic-history tokens indicate the query asks about decisions and
// rationale stored in memories.
var semanticPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bwhy did we\b`),
	regexp.MustCompile(`(?i)\bwhy was\b`),
	regexp.MustCompile(`(?i)\bdecided?\b`),
	regexp.MustCompile(`(?i)\bdecisions?\b`),
	regexp.MustCompile(`(?i)\btrade-?offs?\b`),
	regexp.MustCompile(`(?i)\bhistory\b`),
	regexp.MustCompile(`(?i)\brationale\b`),
	regexp.MustCompile(`(?i)\bchose\b|\bchoose\b`),
	regexp.MustCompile(`(?i)\blessons?\b`),
}

// ClassifyRoute maps a query to the route that decides channel weighting.
// The rule table is fixed: changing it changes ranking reproducibility.
func ClassifyRoute(query string, includeCodeGraph bool) types.Route {
	if !includeCodeGraph {
		return types.RouteMemory
	}

	structural := matchesAny(query, structuralPatterns)
	semantic := matchesAny(query, semanticPatterns)

	switch {
	case structural && semantic:
		return types.RouteHybrid
	case structural:
		return types.RouteCode
	default:
		return types.RouteMemory
	}
}

func matchesAny(query string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(query) {
			return true
		}
	}
	return false
}

// queryTerms tokenises a query into lower-cased terms for novelty scoring.
func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "\"'`.,!?;:()[]{}<>")
		if len(f) >= 3 {
			terms = append(terms, f)
		}
	}
	return terms
}
