// Package codegraph maintains the call/structure graph extracted from source
// code. Nodes are functions, methods, types and interfaces; edges record
// calls and interface implementations. The KAG retrieval channel traverses
// this graph to answer structural queries.
package codegraph

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"memograph/internal/logging"
)

// NodeKind classifies a code-graph node.
type NodeKind string

const (
	KindFunction  NodeKind = "function"
	KindMethod    NodeKind = "method"
	KindType      NodeKind = "type"
	KindInterface NodeKind = "interface"
)

// Node is one named program element.
type Node struct {
	ID        string
	Name      string
	Kind      NodeKind
	Signature string
	File      string
	StartLine int
	Summary   string
}

// EdgeType is the relation an edge encodes.
type EdgeType string

const (
	EdgeCalls      EdgeType = "calls"
	EdgeImplements EdgeType = "implements"
)

// ErrNodeNotFound is returned when a name resolves to no node.
var ErrNodeNotFound = errors.New("code graph node not found")

// CodeGraph stores nodes and edges in the shared SQLite database.
type CodeGraph struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates the code graph tables on the given database handle.
func New(db *sql.DB) (*CodeGraph, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS code_nodes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		signature TEXT,
		file TEXT,
		start_line INTEGER,
		summary TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_code_nodes_name ON code_nodes(name);

	CREATE TABLE IF NOT EXISTS code_edges (
		source_id TEXT NOT NULL REFERENCES code_nodes(id) ON DELETE CASCADE,
		target_id TEXT NOT NULL REFERENCES code_nodes(id) ON DELETE CASCADE,
		edge_type TEXT NOT NULL,
		PRIMARY KEY(source_id, target_id, edge_type)
	);
	CREATE INDEX IF NOT EXISTS idx_code_edges_target ON code_edges(target_id);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create code graph tables: %w", err)
	}
	return &CodeGraph{db: db}, nil
}

// UpsertNode inserts a node, or returns the existing id when a node with the
// same name, kind and file already exists.
func (g *CodeGraph) UpsertNode(n *Node) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var existingID string
	err := g.db.QueryRow(
		"SELECT id FROM code_nodes WHERE name = ? AND kind = ? AND file = ?",
		n.Name, string(n.Kind), n.File,
	).Scan(&existingID)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		_, err := g.db.Exec(`
			INSERT INTO code_nodes (id, name, kind, signature, file, start_line, summary)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			n.ID, n.Name, string(n.Kind), n.Signature, n.File, n.StartLine, n.Summary,
		)
		if err != nil {
			return "", fmt.Errorf("failed to insert code node: %w", err)
		}
		return n.ID, nil

	case err != nil:
		return "", fmt.Errorf("failed to look up code node: %w", err)

	default:
		_, err := g.db.Exec(
			"UPDATE code_nodes SET signature = ?, start_line = ?, summary = ? WHERE id = ?",
			n.Signature, n.StartLine, n.Summary, existingID,
		)
		if err != nil {
			return "", fmt.Errorf("failed to update code node: %w", err)
		}
		return existingID, nil
	}
}

// AddEdge records a relation between two nodes. Duplicate edges are ignored.
func (g *CodeGraph) AddEdge(sourceID, targetID string, edgeType EdgeType) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := g.db.Exec(
		"INSERT OR IGNORE INTO code_edges (source_id, target_id, edge_type) VALUES (?, ?, ?)",
		sourceID, targetID, string(edgeType),
	)
	if err != nil {
		return fmt.Errorf("failed to add code edge: %w", err)
	}
	return nil
}

// NodeByName resolves a node by exact name. Functions and methods win over
// types when both share a name.
func (g *CodeGraph) NodeByName(name string) (*Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	row := g.db.QueryRow(`
		SELECT id, name, kind, signature, file, start_line, summary
		FROM code_nodes WHERE name = ?
		ORDER BY CASE kind
			WHEN 'function' THEN 0
			WHEN 'method' THEN 1
			WHEN 'interface' THEN 2
			ELSE 3 END
		LIMIT 1`, name)

	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}
	return n, err
}

// Callers returns up to limit nodes with a calls-edge into nodeID, plus the
// total caller count.
func (g *CodeGraph) Callers(nodeID string, limit int) ([]*Node, int, error) {
	return g.neighbors(nodeID, "target_id", "source_id", EdgeCalls, limit)
}

// Callees returns up to limit nodes nodeID calls, plus the total count.
func (g *CodeGraph) Callees(nodeID string, limit int) ([]*Node, int, error) {
	return g.neighbors(nodeID, "source_id", "target_id", EdgeCalls, limit)
}

// Implementations returns up to limit types implementing the interface, plus
// the total count.
func (g *CodeGraph) Implementations(interfaceID string, limit int) ([]*Node, int, error) {
	return g.neighbors(interfaceID, "target_id", "source_id", EdgeImplements, limit)
}

func (g *CodeGraph) neighbors(nodeID, whereCol, selectCol string, edgeType EdgeType, limit int) ([]*Node, int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var total int
	err := g.db.QueryRow(
		fmt.Sprintf("SELECT COUNT(*) FROM code_edges WHERE %s = ? AND edge_type = ?", whereCol),
		nodeID, string(edgeType),
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count edges: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT n.id, n.name, n.kind, n.signature, n.file, n.start_line, n.summary
		FROM code_edges e
		JOIN code_nodes n ON n.id = e.%s
		WHERE e.%s = ? AND e.edge_type = ?
		ORDER BY n.name
		LIMIT ?`, selectCol, whereCol)

	rows, err := g.db.Query(query, nodeID, string(edgeType), limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query neighbors: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, 0, err
		}
		nodes = append(nodes, n)
	}
	return nodes, total, rows.Err()
}

// Expansion is a bounded breadth-first slice of the call graph.
type Expansion struct {
	Nodes     []*Node
	NodeCount int
	Depth     int
	Capped    bool
}

// Expand walks call edges in both directions from the seed node, breadth
// first, up to maxDepth hops and maxNodes nodes.
func (g *CodeGraph) Expand(seedID string, maxDepth, maxNodes int) (*Expansion, error) {
	timer := logging.StartTimer(logging.CategoryCodeGraph, "Expand")
	defer timer.Stop()

	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := map[string]bool{seedID: true}
	frontier := []string{seedID}
	exp := &Expansion{}

	for depth := 0; depth < maxDepth && len(frontier) > 0 && !exp.Capped; depth++ {
		var next []string
		for _, id := range frontier {
			rows, err := g.db.Query(`
				SELECT source_id, target_id FROM code_edges
				WHERE (source_id = ? OR target_id = ?) AND edge_type = ?`,
				id, id, string(EdgeCalls))
			if err != nil {
				return nil, fmt.Errorf("failed to expand node: %w", err)
			}
			for rows.Next() {
				var src, dst string
				if err := rows.Scan(&src, &dst); err != nil {
					rows.Close()
					return nil, err
				}
				other := dst
				if other == id {
					other = src
				}
				if visited[other] {
					continue
				}
				if len(visited) >= maxNodes {
					exp.Capped = true
					break
				}
				visited[other] = true
				next = append(next, other)
			}
			rows.Close()
			if exp.Capped {
				break
			}
		}
		frontier = next
		exp.Depth = depth + 1
	}

	for id := range visited {
		row := g.db.QueryRow(
			"SELECT id, name, kind, signature, file, start_line, summary FROM code_nodes WHERE id = ?", id)
		n, err := scanNode(row)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		exp.Nodes = append(exp.Nodes, n)
	}
	exp.NodeCount = len(exp.Nodes)

	logging.CodeGraphDebug("Expanded %s to %d nodes (depth %d, capped=%v)",
		seedID, exp.NodeCount, exp.Depth, exp.Capped)
	return exp, nil
}

// Stats returns node and edge counts.
func (g *CodeGraph) Stats() (nodes, edges int64, err error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if err := g.db.QueryRow("SELECT COUNT(*) FROM code_nodes").Scan(&nodes); err != nil {
		return 0, 0, err
	}
	if err := g.db.QueryRow("SELECT COUNT(*) FROM code_edges").Scan(&edges); err != nil {
		return 0, 0, err
	}
	return nodes, edges, nil
}

// Clear drops all nodes and edges, used before a full rescan.
func (g *CodeGraph) Clear() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.db.Exec("DELETE FROM code_edges"); err != nil {
		return fmt.Errorf("failed to clear code edges: %w", err)
	}
	if _, err := g.db.Exec("DELETE FROM code_nodes"); err != nil {
		return fmt.Errorf("failed to clear code nodes: %w", err)
	}
	return nil
}

func scanNode(row interface{ Scan(...interface{}) error }) (*Node, error) {
	var (
		n                        Node
		kind                     string
		signature, file, summary sql.NullString
		startLine                sql.NullInt64
	)
	err := row.Scan(&n.ID, &n.Name, &kind, &signature, &file, &startLine, &summary)
	if err != nil {
		return nil, err
	}
	n.Kind = NodeKind(kind)
	n.Signature = signature.String
	n.File = file.String
	n.Summary = summary.String
	n.StartLine = int(startLine.Int64)
	return &n, nil
}
