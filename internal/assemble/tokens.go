// Package assemble packs ranked candidate sections into a token-budgeted
// context document and emits evidence citations for every admitted section.
package assemble

// EstimateTokens approximates the token count of a text. The heuristic of
// four characters per token tracks common BPE tokenisers closely enough for
// budget packing, and it is deterministic and fast.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// TruncateToTokens cuts text so its estimated token count does not exceed
// maxTokens. Used only to keep degenerate stub documents inside tiny budgets.
func TruncateToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	maxChars := maxTokens * 4
	if len(text) <= maxChars {
		return text
	}
	return text[:maxChars]
}
