package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"memograph/internal/codegraph"
	"memograph/internal/config"
	"memograph/internal/embedding"
	"memograph/internal/logging"
	"memograph/internal/retrieval"
	"memograph/internal/store"
)

var (
	// Global flags
	verbose   bool
	workspace string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "memograph",
	Short: "memograph - persistent memory retrieval for coding agents",
	Long: `memograph builds token-budgeted context from a persistent memory store.

Three retrieval channels run in parallel: semantic vector search over
memories, code-graph traversal over extracted Go declarations, and
entity/community graph search. A route classifier picks the channels, a
fusion reranker merges their candidates, and the assembler packs the
result into the requested token budget.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("category logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runtime bundles everything a command needs to serve retrievals.
type runtime struct {
	cfg       *config.Config
	store     *store.Store
	vectors   store.VectorStore
	embedder  embedding.Engine
	codeGraph *codegraph.CodeGraph
	engine    *retrieval.Engine
	watcher   *config.Watcher
}

func (r *runtime) close() {
	if r.watcher != nil {
		r.watcher.Stop()
	}
	if r.vectors != nil {
		_ = r.vectors.Close()
	}
	if r.store != nil {
		_ = r.store.Close()
	}
}

// openRuntime loads the workspace config and wires the retrieval engine.
func openRuntime() (*runtime, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}

	st, err := store.New(filepath.Join(workspace, cfg.DatabasePath))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	embedder, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		st.Close()
		return nil, err
	}

	vectors := store.NewSQLiteVectorStore(st)
	if err := vectors.Initialize(); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize vector store: %w", err)
	}

	graph, err := codegraph.New(st.GetDB())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open code graph: %w", err)
	}

	engine := retrieval.NewEngine(st, vectors, embedder, graph,
		cfg.Retrieval, cfg.Scoring, cfg.Cache)

	// Cached fingerprints embed the scoring-config hash, so a config edit
	// must drop every cached context.
	watcher, err := config.NewWatcher(workspace)
	if err != nil {
		logging.Get(logging.CategoryConfig).Warn("Config watcher unavailable: %v", err)
		watcher = nil
	} else {
		watcher.Subscribe(func(*config.Config) {
			retrieval.ResetContextCache()
		})
		if err := watcher.Start(context.Background()); err != nil {
			logging.Get(logging.CategoryConfig).Warn("Config watcher failed to start: %v", err)
			watcher = nil
		}
	}

	return &runtime{
		cfg:       cfg,
		store:     st,
		vectors:   vectors,
		embedder:  embedder,
		codeGraph: graph,
		engine:    engine,
		watcher:   watcher,
	}, nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace root directory")

	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
