package types

// ContextMetadata summarises an assembled context document.
type ContextMetadata struct {
	TotalTokens      int   `json:"total_tokens"`
	SectionsIncluded int   `json:"sections_included"`
	RAGSections      int   `json:"rag_sections"`
	KAGSections      int   `json:"kag_sections"`
	GraphRAGSections int   `json:"graphrag_sections"`
	Truncated        bool  `json:"truncated"`
	Route            Route `json:"route"`
	CacheHit         bool  `json:"cache_hit"`
}

// ContextResult is the output of one context-build request.
type ContextResult struct {
	Context  string          `json:"context"`
	Metadata ContextMetadata `json:"metadata"`
	Evidence []Evidence      `json:"evidence,omitempty"`
}
