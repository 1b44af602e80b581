package bench

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memograph/internal/config"
	"memograph/internal/retrieval"
	"memograph/internal/store"
	"memograph/internal/types"
)

// keywordEmbedder gives deterministic two-dimensional embeddings so the
// runner can be exercised without a provider.
type keywordEmbedder struct{}

func (e *keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	vec := []float32{0.1, 0.1}
	if strings.Contains(lower, "auth") {
		vec[0] = 1
	}
	if strings.Contains(lower, "storage") || strings.Contains(lower, "database") {
		vec[1] = 1
	}
	return vec, nil
}

func (e *keywordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *keywordEmbedder) Dimensions() int { return 2 }
func (e *keywordEmbedder) Name() string    { return "keyword" }

func newBenchEngine(t *testing.T) *retrieval.Engine {
	t.Helper()

	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	vectors := store.NewSQLiteVectorStore(st)
	embedder := &keywordEmbedder{}

	seed := []struct {
		id, title, body string
	}{
		{"m-auth", "Auth token rotation", "We rotate auth tokens daily."},
		{"m-storage", "Storage engine decision", "We picked this database for JSON support."},
	}
	for _, s := range seed {
		m := &types.Memory{
			ID: s.id, Kind: types.KindDecision, Title: s.title, Body: s.body,
			Importance: 0.8,
			CreatedAt:  time.Now().Unix(), AccessedAt: time.Now().Unix(),
			VectorID: "vec-" + s.id,
		}
		require.NoError(t, st.CreateMemory(m))
		vec, _ := embedder.Embed(context.Background(), s.body)
		require.NoError(t, vectors.Upsert("vec-"+s.id, vec, map[string]interface{}{
			"memoryId": s.id, "type": "decision", "importance": 0.8,
		}))
	}

	return retrieval.NewEngine(st, vectors, embedder, nil,
		config.DefaultRetrievalConfig(), config.DefaultScoringConfig(), config.DefaultCacheConfig())
}

func TestRunnerRun(t *testing.T) {
	retrieval.ResetContextCache()

	cfg := config.DefaultBenchConfig()
	cfg.RunsPerQuery = 2
	cfg.WarmupRuns = 1
	cfg.TokenBudget = 2000
	cfg.QueriesJSON = `[{"query":"Why was the storage engine chosen?"},{"query":"How does auth work?"}]`

	runner := NewRunner(newBenchEngine(t), cfg)
	result, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, result.Failures)
	require.Len(t, result.Samples, 4, "2 queries x 2 timed runs")
	assert.Equal(t, 4, result.Overall.Count)

	total, ok := result.Stages["total"]
	require.True(t, ok)
	assert.Equal(t, 4, total.Count)

	memory, ok := result.Routes[types.RouteMemory]
	require.True(t, ok)
	assert.Equal(t, 4, memory.Count)

	for _, s := range result.Samples {
		assert.LessOrEqual(t, s.Tokens, cfg.TokenBudget)
		assert.GreaterOrEqual(t, s.LatencyMs, 0.0)
	}
}

func TestRunnerColdCacheRuns(t *testing.T) {
	retrieval.ResetContextCache()

	cfg := config.DefaultBenchConfig()
	cfg.RunsPerQuery = 3
	cfg.WarmupRuns = 0
	cfg.TokenBudget = 2000
	cfg.ResetCacheEachRun = true
	cfg.QueriesJSON = `[{"query":"How does auth work?"}]`

	runner := NewRunner(newBenchEngine(t), cfg)
	result, err := runner.Run(context.Background())
	require.NoError(t, err)

	for _, s := range result.Samples {
		assert.False(t, s.CacheHit, "cache resets keep every run cold")
	}
}

func TestLoadQueriesPrecedence(t *testing.T) {
	t.Run("inline json wins", func(t *testing.T) {
		cfg := config.DefaultBenchConfig()
		cfg.QueriesJSON = `[{"query":"only me"}]`
		cfg.QueriesPath = "ignored.json"

		queries, err := NewRunner(nil, cfg).LoadQueries()
		require.NoError(t, err)
		require.Len(t, queries, 1)
		assert.Equal(t, "only me", queries[0].Query)
	})

	t.Run("fixture file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "queries.json")
		require.NoError(t, os.WriteFile(path, []byte(`[{"query":"from file","includeCodeGraph":true}]`), 0o644))

		cfg := config.DefaultBenchConfig()
		cfg.QueriesPath = path

		queries, err := NewRunner(nil, cfg).LoadQueries()
		require.NoError(t, err)
		require.Len(t, queries, 1)
		assert.Equal(t, "from file", queries[0].Query)
		assert.True(t, queries[0].IncludeCodeGraph)
	})

	t.Run("defaults", func(t *testing.T) {
		queries, err := NewRunner(nil, config.DefaultBenchConfig()).LoadQueries()
		require.NoError(t, err)
		assert.Equal(t, defaultQueries, queries)
	})

	t.Run("invalid json", func(t *testing.T) {
		cfg := config.DefaultBenchConfig()
		cfg.QueriesJSON = `{broken`
		_, err := NewRunner(nil, cfg).LoadQueries()
		assert.Error(t, err)
	})
}
