package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"memograph/internal/cache"
	"memograph/internal/codegraph"
	"memograph/internal/config"
	"memograph/internal/retrieval"
	"memograph/internal/store"
)

var statsJSON bool

// statsCmd reports store, code-graph and context-cache statistics.
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store, code graph and context cache statistics",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "emit statistics as JSON")
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}

	st, err := store.New(filepath.Join(workspace, cfg.DatabasePath))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	storeStats, err := st.Stats()
	if err != nil {
		return fmt.Errorf("failed to read store stats: %w", err)
	}

	graph, err := codegraph.New(st.GetDB())
	if err != nil {
		return fmt.Errorf("failed to open code graph: %w", err)
	}
	nodes, edges, err := graph.Stats()
	if err != nil {
		return fmt.Errorf("failed to read code graph stats: %w", err)
	}

	cacheStats := retrieval.GetContextCacheStats()

	if statsJSON {
		out := struct {
			Store map[string]int64 `json:"store"`
			Graph struct {
				Nodes int64 `json:"nodes"`
				Edges int64 `json:"edges"`
			} `json:"code_graph"`
			Cache cache.Stats `json:"context_cache"`
		}{Store: storeStats, Cache: cacheStats}
		out.Graph.Nodes = nodes
		out.Graph.Edges = edges

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	tables := make([]string, 0, len(storeStats))
	for table := range storeStats {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		fmt.Printf("store %-22s %d\n", table, storeStats[table])
	}
	fmt.Printf("code graph: %d nodes, %d edges\n", nodes, edges)
	fmt.Printf("context cache: size=%d/%d hits=%d misses=%d hit_rate=%.2f\n",
		cacheStats.Size, cacheStats.MaxEntries, cacheStats.Hits, cacheStats.Misses, cacheStats.HitRate)
	return nil
}
