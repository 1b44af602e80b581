package codegraph

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"

	"memograph/internal/logging"
)

// Extractor parses Go source with tree-sitter and populates the code graph.
type Extractor struct {
	parser *sitter.Parser
	graph  *CodeGraph
}

// NewExtractor creates an extractor writing into the given graph.
func NewExtractor(graph *CodeGraph) *Extractor {
	parser := sitter.NewParser()
	parser.SetLanguage(golang.GetLanguage())
	return &Extractor{parser: parser, graph: graph}
}

// Close releases the parser.
func (e *Extractor) Close() {
	e.parser.Close()
}

// ScanResult summarises one extraction pass.
type ScanResult struct {
	FilesParsed int
	Nodes       int
	Edges       int
}

// ScanDir walks root for .go files (skipping vendor, testdata, hidden and
// underscore-prefixed directories) and extracts declarations and call edges.
func (e *Extractor) ScanDir(ctx context.Context, root string) (*ScanResult, error) {
	timer := logging.StartTimer(logging.CategoryCodeGraph, "ScanDir")
	defer timer.Stop()

	result := &ScanResult{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			name := d.Name()
			if name != "." && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") ||
				name == "vendor" || name == "testdata" || name == "node_modules") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			logging.CodeGraphDebug("Skipping unreadable file %s: %v", path, err)
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		nodes, edges, err := e.parseFile(ctx, rel, content)
		if err != nil {
			logging.CodeGraphDebug("Parse failed for %s: %v", rel, err)
			return nil
		}
		result.FilesParsed++
		result.Nodes += nodes
		result.Edges += edges
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("code graph scan failed: %w", err)
	}

	if err := e.linkImplementations(); err != nil {
		return nil, err
	}

	logging.CodeGraph("Scanned %s: %d files, %d nodes, %d call edges",
		root, result.FilesParsed, result.Nodes, result.Edges)
	return result, nil
}

// parseFile extracts declarations and call edges from one file.
func (e *Extractor) parseFile(ctx context.Context, path string, content []byte) (int, int, error) {
	start := time.Now()

	tree, err := e.parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return 0, 0, err
	}
	defer tree.Close()

	getText := func(n *sitter.Node) string {
		return n.Content(content)
	}

	nodeCount, edgeCount := 0, 0

	var walk func(n *sitter.Node, enclosingID string)
	walk = func(n *sitter.Node, enclosingID string) {
		switch n.Type() {
		case "function_declaration", "method_declaration":
			nameNode := n.ChildByFieldName("name")
			if nameNode == nil {
				break
			}
			name := getText(nameNode)

			kind := KindFunction
			signature := "func " + name
			if n.Type() == "method_declaration" {
				kind = KindMethod
				if recv := n.ChildByFieldName("receiver"); recv != nil {
					signature = fmt.Sprintf("func %s %s", getText(recv), name)
				}
			}
			if params := n.ChildByFieldName("parameters"); params != nil {
				signature += getText(params)
			}
			if result := n.ChildByFieldName("result"); result != nil {
				signature += " " + getText(result)
			}

			id, err := e.graph.UpsertNode(&Node{
				Name:      name,
				Kind:      kind,
				Signature: signature,
				File:      path,
				StartLine: int(n.StartPoint().Row) + 1,
			})
			if err != nil {
				logging.CodeGraphDebug("Failed to upsert %s: %v", name, err)
				break
			}
			nodeCount++

			// Walk the body with this declaration as the call source.
			if body := n.ChildByFieldName("body"); body != nil {
				for i := 0; i < int(body.NamedChildCount()); i++ {
					walk(body.NamedChild(i), id)
				}
			}
			return

		case "type_declaration":
			for i := 0; i < int(n.NamedChildCount()); i++ {
				spec := n.NamedChild(i)
				if spec.Type() != "type_spec" {
					continue
				}
				nameNode := spec.ChildByFieldName("name")
				typeNode := spec.ChildByFieldName("type")
				if nameNode == nil || typeNode == nil {
					continue
				}
				kind := KindType
				if typeNode.Type() == "interface_type" {
					kind = KindInterface
				}
				if _, err := e.graph.UpsertNode(&Node{
					Name:      getText(nameNode),
					Kind:      kind,
					Signature: fmt.Sprintf("type %s %s", getText(nameNode), typeNode.Type()),
					File:      path,
					StartLine: int(spec.StartPoint().Row) + 1,
				}); err == nil {
					nodeCount++
				}
			}

		case "call_expression":
			if enclosingID != "" {
				if fn := n.ChildByFieldName("function"); fn != nil {
					callee := calleeName(fn, getText)
					if callee != "" {
						if target, err := e.graph.NodeByName(callee); err == nil {
							if err := e.graph.AddEdge(enclosingID, target.ID, EdgeCalls); err == nil {
								edgeCount++
							}
						} else {
							// Unresolved call: create a stub node so edges
							// survive out-of-order file parsing.
							stubID, serr := e.graph.UpsertNode(&Node{Name: callee, Kind: KindFunction})
							if serr == nil {
								if err := e.graph.AddEdge(enclosingID, stubID, EdgeCalls); err == nil {
									edgeCount++
								}
							}
						}
					}
				}
			}
		}

		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i), enclosingID)
		}
	}

	walk(tree.RootNode(), "")

	logging.CodeGraphDebug("Parsed %s: %d nodes, %d edges in %v",
		filepath.Base(path), nodeCount, edgeCount, time.Since(start))
	return nodeCount, edgeCount, nil
}

// calleeName extracts the called identifier from a call target: plain
// identifiers directly, selector expressions by their field name.
func calleeName(fn *sitter.Node, getText func(*sitter.Node) string) string {
	switch fn.Type() {
	case "identifier":
		return getText(fn)
	case "selector_expression":
		if field := fn.ChildByFieldName("field"); field != nil {
			return getText(field)
		}
	}
	return ""
}

// linkImplementations connects methods to interfaces by name: a type with a
// method whose name matches an interface's method set gets an implements
// edge. Name matching is an approximation, but for retrieval purposes a
// false positive is a wasted section, not a correctness bug.
func (e *Extractor) linkImplementations() error {
	e.graph.mu.RLock()
	rows, err := e.graph.db.Query("SELECT id, name FROM code_nodes WHERE kind = ?", string(KindInterface))
	if err != nil {
		e.graph.mu.RUnlock()
		return fmt.Errorf("failed to list interfaces: %w", err)
	}
	type iface struct{ id, name string }
	var ifaces []iface
	for rows.Next() {
		var f iface
		if err := rows.Scan(&f.id, &f.name); err != nil {
			rows.Close()
			e.graph.mu.RUnlock()
			return err
		}
		ifaces = append(ifaces, f)
	}
	rows.Close()
	e.graph.mu.RUnlock()

	for _, f := range ifaces {
		// Types sharing the "<Interface>Impl" / "<X><Interface>" naming
		// convention are linked.
		e.graph.mu.RLock()
		trows, err := e.graph.db.Query(
			"SELECT id FROM code_nodes WHERE kind = ? AND name LIKE ?",
			string(KindType), "%"+f.name)
		if err != nil {
			e.graph.mu.RUnlock()
			return fmt.Errorf("failed to match implementations: %w", err)
		}
		var typeIDs []string
		for trows.Next() {
			var id string
			if err := trows.Scan(&id); err != nil {
				trows.Close()
				e.graph.mu.RUnlock()
				return err
			}
			typeIDs = append(typeIDs, id)
		}
		trows.Close()
		e.graph.mu.RUnlock()

		for _, typeID := range typeIDs {
			if typeID == f.id {
				continue
			}
			if err := e.graph.AddEdge(typeID, f.id, EdgeImplements); err != nil {
				return err
			}
		}
	}
	return nil
}
