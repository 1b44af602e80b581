// Package cache provides the process-wide context cache: request fingerprints,
// LRU+TTL storage, and targeted invalidation by contributing memory id.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// edgePunctuation is stripped from the leading and trailing edges of a
// normalised query. Internal punctuation ("C++", "foo.bar") is preserved.
const edgePunctuation = "\"'`.,!?;:()[]{}<>~_-"

// NormalizeQuery canonicalises a query string for fingerprinting: NFKC
// normalisation, lower-casing, whitespace collapsing, and edge-punctuation
// stripping. The function is idempotent.
func NormalizeQuery(q string) string {
	q = norm.NFKC.String(q)
	q = strings.ToLower(q)
	q = strings.Join(strings.Fields(q), " ")
	q = strings.Trim(q, edgePunctuation)
	return strings.TrimSpace(q)
}

// RequestFilters are the candidate filters participating in the fingerprint.
type RequestFilters struct {
	Kind          string   `json:"kind,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	MinImportance float64  `json:"minImportance,omitempty"`
	RelatedFiles  []string `json:"relatedFiles,omitempty"`
}

// FingerprintInput collects every request component that affects the
// assembled context. Two requests with equal fingerprints are guaranteed to
// produce the same document under an unchanged store.
type FingerprintInput struct {
	Query            string
	TokenBudget      int
	IncludeCodeGraph bool
	IncludeGraphRAG  bool
	IncludeEvidence  bool
	Template         string
	Filters          *RequestFilters
	ScoringHash      string
}

// Fingerprint hashes the input into a stable cache key: the query is
// normalised, filters.tags are sorted, and the whole is serialised as
// canonical JSON (lexicographically sorted keys) before SHA-256.
func Fingerprint(in FingerprintInput) string {
	canonical := map[string]interface{}{
		"query":            NormalizeQuery(in.Query),
		"tokenBudget":      in.TokenBudget,
		"includeCodeGraph": in.IncludeCodeGraph,
		"includeGraphRAG":  in.IncludeGraphRAG,
		"includeEvidence":  in.IncludeEvidence,
		"template":         in.Template,
	}
	if in.ScoringHash != "" {
		canonical["scoringHash"] = in.ScoringHash
	}
	if in.Filters != nil {
		filters := map[string]interface{}{}
		if in.Filters.Kind != "" {
			filters["kind"] = in.Filters.Kind
		}
		if len(in.Filters.Tags) > 0 {
			tags := append([]string(nil), in.Filters.Tags...)
			sort.Strings(tags)
			filters["tags"] = tags
		}
		if in.Filters.MinImportance > 0 {
			filters["minImportance"] = in.Filters.MinImportance
		}
		if len(in.Filters.RelatedFiles) > 0 {
			filters["relatedFiles"] = in.Filters.RelatedFiles
		}
		if len(filters) > 0 {
			canonical["filters"] = filters
		}
	}

	// encoding/json emits map keys in sorted order, which gives the
	// canonical form the hash needs.
	data, err := json.Marshal(canonical)
	if err != nil {
		data = []byte(in.Query)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
