package retrieval

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"memograph/internal/codegraph"
	"memograph/internal/config"
	"memograph/internal/logging"
	"memograph/internal/types"
)

const (
	kagNodeRelevance           = 0.8
	kagImplementationRelevance = 0.7
	kagNeighborLimit           = 5
)

// identifierPattern matches probable code identifiers in free text:
// camelCase or PascalCase words of length >= 3.
var identifierPattern = regexp.MustCompile(`\b([a-z]+[A-Z]\w+|[A-Z][a-z]+[A-Z]\w*)\b`)

// callPattern matches words directly followed by an opening parenthesis.
var callPattern = regexp.MustCompile(`\b(\w{3,})\(`)

// extractIdentifiers pulls probable identifiers out of a query,
// deduplicated in first-seen order.
func extractIdentifiers(query string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if len(id) >= 3 && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, m := range identifierPattern.FindAllString(query, -1) {
		add(m)
	}
	for _, m := range callPattern.FindAllStringSubmatch(query, -1) {
		add(m[1])
	}
	return out
}

// kagChannel answers structural queries by traversing the code graph.
type kagChannel struct {
	graph *codegraph.CodeGraph
	cfg   *config.RetrievalConfig
}

// retrieve resolves identifiers from the query to code-graph nodes and
// produces one candidate section per resolved node, plus an implementations
// section for interfaces.
func (k *kagChannel) retrieve(ctx context.Context, query string) ([]*types.Candidate, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "kag.retrieve")
	defer timer.Stop()

	if k.graph == nil {
		return nil, nil
	}

	identifiers := extractIdentifiers(query)
	if len(identifiers) == 0 {
		return nil, nil
	}

	var candidates []*types.Candidate
	for _, ident := range identifiers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		node, err := k.graph.NodeByName(ident)
		if errors.Is(err, codegraph.ErrNodeNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("kag node lookup failed: %w", err)
		}

		exp, err := k.graph.Expand(node.ID, k.cfg.KAGMaxDepth, k.cfg.KAGMaxNodes)
		if err != nil {
			return nil, fmt.Errorf("kag expansion failed: %w", err)
		}

		section, err := k.describeNode(node, exp)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, &types.Candidate{
			ID:         "kag:" + node.ID,
			Source:     types.SourceKAG,
			Relevance:  kagNodeRelevance,
			Heading:    fmt.Sprintf("Code: %s", node.Name),
			Body:       section,
			QueryTerms: []string{strings.ToLower(node.Name)},
		})

		if node.Kind == codegraph.KindInterface {
			implSection, count, err := k.describeImplementations(node)
			if err != nil {
				return nil, err
			}
			if count > 0 {
				candidates = append(candidates, &types.Candidate{
					ID:         "kag-impl:" + node.ID,
					Source:     types.SourceKAG,
					Relevance:  kagImplementationRelevance,
					Heading:    fmt.Sprintf("Implementations of %s", node.Name),
					Body:       implSection,
					QueryTerms: []string{strings.ToLower(node.Name), "implementations"},
				})
			}
		}
	}

	logging.RetrievalDebug("KAG: %d identifiers, %d candidates", len(identifiers), len(candidates))
	return candidates, nil
}

// describeNode renders the node's signature plus bounded caller/callee lists
// and the size of its call neighborhood.
func (k *kagChannel) describeNode(node *codegraph.Node, exp *codegraph.Expansion) (string, error) {
	var b strings.Builder

	if node.Signature != "" {
		fmt.Fprintf(&b, "%s\n", node.Signature)
	} else {
		fmt.Fprintf(&b, "%s (%s)\n", node.Name, node.Kind)
	}
	if node.File != "" {
		fmt.Fprintf(&b, "Defined in %s:%d\n", node.File, node.StartLine)
	}
	if node.Summary != "" {
		fmt.Fprintf(&b, "%s\n", node.Summary)
	}

	callers, totalCallers, err := k.graph.Callers(node.ID, kagNeighborLimit)
	if err != nil {
		return "", fmt.Errorf("kag callers failed: %w", err)
	}
	if len(callers) > 0 {
		fmt.Fprintf(&b, "Called by: %s\n", nameList(callers, totalCallers))
	}

	callees, totalCallees, err := k.graph.Callees(node.ID, kagNeighborLimit)
	if err != nil {
		return "", fmt.Errorf("kag callees failed: %w", err)
	}
	if len(callees) > 0 {
		fmt.Fprintf(&b, "Calls: %s\n", nameList(callees, totalCallees))
	}

	if exp != nil && exp.NodeCount > 1 {
		fmt.Fprintf(&b, "Call neighborhood: %d nodes within %d hops", exp.NodeCount, exp.Depth)
		if exp.Capped {
			b.WriteString(" (truncated)")
		}
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n"), nil
}

// describeImplementations renders up to 5 implementing types.
func (k *kagChannel) describeImplementations(node *codegraph.Node) (string, int, error) {
	impls, total, err := k.graph.Implementations(node.ID, kagNeighborLimit)
	if err != nil {
		return "", 0, fmt.Errorf("kag implementations failed: %w", err)
	}
	if len(impls) == 0 {
		return "", 0, nil
	}
	return fmt.Sprintf("Implemented by: %s", nameList(impls, total)), total, nil
}

// nameList joins node names, truncated with an "N more" suffix when the
// total exceeds what was returned.
func nameList(nodes []*codegraph.Node, total int) string {
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name
	}
	list := strings.Join(names, ", ")
	if total > len(nodes) {
		list += fmt.Sprintf(" (%d more)", total-len(nodes))
	}
	return list
}
