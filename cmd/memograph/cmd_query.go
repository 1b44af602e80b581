package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"memograph/internal/retrieval"
)

var (
	queryBudget        int
	queryCodeGraph     bool
	queryGraphRAG      bool
	queryEvidence      bool
	queryTemplate      string
	queryKind          string
	queryTags          []string
	queryMinImportance float64
	queryJSON          bool
)

// queryCmd builds one context block for a query.
var queryCmd = &cobra.Command{
	Use:   "query [text]",
	Short: "Build a token-budgeted context block for a query",
	Long: `Runs the full retrieval pipeline for one query and prints the
assembled context to stdout. Retrieval metadata goes to stderr, or the
whole result is emitted as JSON with --json.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().IntVar(&queryBudget, "budget", 4000, "token budget for the context block")
	queryCmd.Flags().BoolVar(&queryCodeGraph, "code-graph", true, "allow code-graph retrieval")
	queryCmd.Flags().BoolVar(&queryGraphRAG, "graphrag", false, "enable entity/community retrieval")
	queryCmd.Flags().BoolVar(&queryEvidence, "evidence", false, "include per-section evidence")
	queryCmd.Flags().StringVar(&queryTemplate, "template", "", "output template: default, compact or detailed")
	queryCmd.Flags().StringVar(&queryKind, "kind", "", "restrict to one memory kind")
	queryCmd.Flags().StringSliceVar(&queryTags, "tag", nil, "restrict to memories with any of these tags")
	queryCmd.Flags().Float64Var(&queryMinImportance, "min-importance", 0, "drop memories below this importance")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "emit the full result as JSON")
}

func runQuery(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	query := args[0]
	for _, a := range args[1:] {
		query += " " + a
	}

	in := retrieval.BuildInput{
		Query:            query,
		TokenBudget:      queryBudget,
		IncludeCodeGraph: queryCodeGraph,
		IncludeGraphRAG:  queryGraphRAG,
		IncludeEvidence:  queryEvidence,
		Template:         queryTemplate,
	}
	if queryKind != "" || len(queryTags) > 0 || queryMinImportance > 0 {
		in.Filters = &retrieval.Filters{
			Kind:          queryKind,
			Tags:          queryTags,
			MinImportance: queryMinImportance,
		}
	}

	res, err := rt.engine.BuildContext(cmd.Context(), in)
	if err != nil {
		return err
	}

	if queryJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	fmt.Println(res.Context)
	logger.Info("context built",
		zap.String("route", string(res.Metadata.Route)),
		zap.Int("tokens", res.Metadata.TotalTokens),
		zap.Int("sections", res.Metadata.SectionsIncluded),
		zap.Bool("cache_hit", res.Metadata.CacheHit),
		zap.Bool("truncated", res.Metadata.Truncated))

	if queryEvidence {
		for _, ev := range res.Evidence {
			fmt.Fprintf(os.Stderr, "evidence: %s source=%s score=%.3f\n",
				ev.MemoryID, ev.Source, ev.Score)
		}
	}
	return nil
}
