package assemble

import (
	"fmt"
	"strings"

	"memograph/internal/logging"
	"memograph/internal/types"
)

// FormattingOverhead is reserved from the token budget for the document
// header and section separators.
const FormattingOverhead = 200

// Template selects the rendering style of the assembled document.
type Template string

const (
	TemplateDefault  Template = "default"
	TemplateCompact  Template = "compact"
	TemplateDetailed Template = "detailed"
)

// ParseTemplate validates a template name. Empty selects the default.
func ParseTemplate(name string) (Template, error) {
	switch Template(name) {
	case "", TemplateDefault:
		return TemplateDefault, nil
	case TemplateCompact:
		return TemplateCompact, nil
	case TemplateDetailed:
		return TemplateDetailed, nil
	}
	return "", fmt.Errorf("unknown template %q (want default, compact or detailed)", name)
}

// Input parameterises one assembly run.
type Input struct {
	Query           string
	Candidates      []*types.Candidate // in rerank order
	Route           types.Route
	TokenBudget     int
	Template        Template
	IncludeEvidence bool
}

// Admit greedily selects candidate sections in rerank order until the budget
// (minus formatting overhead) is exhausted, then reorders the selection into
// RAG, KAG, GraphRAG groups, preserving admitted order within each group.
// Sections are never split.
func Admit(candidates []*types.Candidate, tokenBudget int, tmpl Template) []*types.Candidate {
	available := tokenBudget - FormattingOverhead

	var admitted []*types.Candidate
	used := 0
	for _, c := range candidates {
		if available <= 0 {
			break
		}
		sectionTokens := EstimateTokens(renderSection(c, tmpl))
		if used+sectionTokens > available {
			continue
		}
		used += sectionTokens
		admitted = append(admitted, c)
	}

	ordered := make([]*types.Candidate, 0, len(admitted))
	for _, source := range []types.CandidateSource{types.SourceRAG, types.SourceKAG, types.SourceGraphRAG} {
		for _, c := range admitted {
			if c.Source == source {
				ordered = append(ordered, c)
			}
		}
	}
	return ordered
}

// Render joins the document header and the rendered sections. Empty section
// lists render a stub naming the query.
func Render(query string, sections []*types.Candidate, tmpl Template) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Context for: %s\n", query)

	if len(sections) == 0 {
		fmt.Fprintf(&b, "\nNo relevant context found for this query.\n")
		return b.String()
	}

	for _, c := range sections {
		b.WriteString("\n")
		b.WriteString(renderSection(c, tmpl))
		b.WriteString("\n")
	}
	return b.String()
}

// BuildEvidence emits one citation per admitted section in output order.
func BuildEvidence(sections []*types.Candidate) []types.Evidence {
	evidence := make([]types.Evidence, 0, len(sections))
	for _, c := range sections {
		ev := types.Evidence{Source: c.Source, Score: c.Relevance}
		if c.Memory != nil {
			ev.MemoryID = c.Memory.ID
		}
		if c.EntityID != "" {
			ev.Graph = &types.GraphEvidence{
				EntityID:        c.EntityID,
				SourceMemoryIDs: c.ContributingMemoryIDs,
			}
		}
		evidence = append(evidence, ev)
	}
	return evidence
}

// Assemble composes admission, rendering, tokenising and evidence emission
// into one context result. The output never exceeds the token budget.
func Assemble(in Input) *types.ContextResult {
	timer := logging.StartTimer(logging.CategoryAssemble, "Assemble")
	defer timer.Stop()

	ordered := Admit(in.Candidates, in.TokenBudget, in.Template)

	doc := Render(in.Query, ordered, in.Template)
	totalTokens := EstimateTokens(doc)
	if totalTokens > in.TokenBudget {
		doc = TruncateToTokens(doc, in.TokenBudget)
		totalTokens = EstimateTokens(doc)
	}

	counts := map[types.CandidateSource]int{}
	for _, c := range ordered {
		counts[c.Source]++
	}

	result := &types.ContextResult{
		Context: doc,
		Metadata: types.ContextMetadata{
			TotalTokens:      totalTokens,
			SectionsIncluded: len(ordered),
			RAGSections:      counts[types.SourceRAG],
			KAGSections:      counts[types.SourceKAG],
			GraphRAGSections: counts[types.SourceGraphRAG],
			Truncated:        len(in.Candidates) > len(ordered),
			Route:            in.Route,
		},
	}

	if in.IncludeEvidence {
		result.Evidence = BuildEvidence(ordered)
	}

	logging.AssembleDebug("Assembled %d/%d sections, %d tokens (budget %d)",
		len(ordered), len(in.Candidates), totalTokens, in.TokenBudget)
	return result
}

// renderSection renders one candidate under the selected template.
func renderSection(c *types.Candidate, tmpl Template) string {
	switch tmpl {
	case TemplateCompact:
		return fmt.Sprintf("## %s\n%s", c.Heading, firstLine(c.Body))

	case TemplateDetailed:
		var b strings.Builder
		fmt.Fprintf(&b, "## %s\n\n%s", c.Heading, c.Body)
		if c.Memory != nil {
			fmt.Fprintf(&b, "\n\n[kind: %s | importance: %.2f", c.Memory.Kind, c.Memory.Importance)
			if len(c.Memory.Tags) > 0 {
				fmt.Fprintf(&b, " | tags: %s", strings.Join(c.Memory.Tags, ", "))
			}
			b.WriteString("]")
		}
		return b.String()

	default:
		return fmt.Sprintf("## %s\n\n%s", c.Heading, c.Body)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
