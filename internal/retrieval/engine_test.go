package retrieval

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"memograph/internal/config"
	"memograph/internal/store"
	"memograph/internal/types"
)

func TestMain(m *testing.M) {
	// go.opencensus.io starts a background worker at package init that can
	// never be stopped; it is not a leak in this module's code.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// fakeEmbedder maps texts onto a two-dimensional keyword space so tests get
// deterministic similarities without a provider.
type fakeEmbedder struct{}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	vec := []float32{0.1, 0.1}
	if strings.Contains(lower, "auth") {
		vec[0] = 1
	}
	if strings.Contains(lower, "database") || strings.Contains(lower, "postgres") {
		vec[1] = 1
	}
	return vec, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return 2 }
func (f *fakeEmbedder) Name() string    { return "fake" }

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()

	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	vectors := store.NewSQLiteVectorStore(st)
	embedder := &fakeEmbedder{}

	seed := []struct {
		id, title, body string
		tags            []string
	}{
		{"m-auth", "JWT authentication decision", "We use JWT auth tokens with daily rotation.", []string{"auth"}},
		{"m-db", "Database choice", "We picked a database with strong JSON support: postgres.", []string{"database"}},
	}
	for _, s := range seed {
		m := &types.Memory{
			ID: s.id, Kind: types.KindDecision, Title: s.title, Body: s.body,
			Importance: 0.8, Tags: s.tags,
			CreatedAt: time.Now().Unix(), AccessedAt: time.Now().Unix(),
			VectorID: "vec-" + s.id,
		}
		require.NoError(t, st.CreateMemory(m))
		vec, _ := embedder.Embed(context.Background(), s.body)
		require.NoError(t, vectors.Upsert("vec-"+s.id, vec, map[string]interface{}{
			"memoryId": s.id, "type": "decision", "importance": 0.8,
		}))
	}

	retrievalCfg := config.DefaultRetrievalConfig()
	scoringCfg := config.DefaultScoringConfig()
	cacheCfg := config.DefaultCacheConfig()

	return NewEngine(st, vectors, embedder, nil, retrievalCfg, scoringCfg, cacheCfg), st
}

func TestBuildContextEndToEnd(t *testing.T) {
	ResetContextCache()
	engine, _ := newTestEngine(t)

	res, err := engine.BuildContext(context.Background(), BuildInput{
		Query:           "How does auth work?",
		TokenBudget:     4000,
		IncludeEvidence: true,
	})
	require.NoError(t, err)

	assert.LessOrEqual(t, res.Metadata.TotalTokens, 4000)
	assert.Equal(t, types.RouteMemory, res.Metadata.Route)
	assert.False(t, res.Metadata.CacheHit)
	require.GreaterOrEqual(t, res.Metadata.SectionsIncluded, 1)
	assert.Contains(t, res.Context, "JWT authentication decision")

	require.NotEmpty(t, res.Evidence)
	assert.Equal(t, types.SourceRAG, res.Evidence[0].Source)
	assert.Equal(t, "m-auth", res.Evidence[0].MemoryID)
}

func TestBuildContextCacheHitAndInvalidation(t *testing.T) {
	ResetContextCache()
	engine, _ := newTestEngine(t)

	in := BuildInput{Query: "auth tokens", TokenBudget: 4000}

	first, err := engine.BuildContext(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, first.Metadata.CacheHit)

	second, err := engine.BuildContext(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, second.Metadata.CacheHit)
	assert.Equal(t, first.Context, second.Context)

	removed := InvalidateContextsForMemory("m-auth")
	assert.GreaterOrEqual(t, removed, 1)

	third, err := engine.BuildContext(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, third.Metadata.CacheHit, "invalidation must force a rebuild")
}

func TestBuildContextNormalisedQueriesShareCache(t *testing.T) {
	ResetContextCache()
	engine, _ := newTestEngine(t)

	first, err := engine.BuildContext(context.Background(), BuildInput{Query: "Auth tokens", TokenBudget: 4000})
	require.NoError(t, err)
	assert.False(t, first.Metadata.CacheHit)

	second, err := engine.BuildContext(context.Background(), BuildInput{Query: "  auth   tokens!  ", TokenBudget: 4000})
	require.NoError(t, err)
	assert.True(t, second.Metadata.CacheHit, "normalised query variants share a fingerprint")
}

func TestBuildContextRecordsAccess(t *testing.T) {
	ResetContextCache()
	engine, st := newTestEngine(t)

	_, err := engine.BuildContext(context.Background(), BuildInput{Query: "auth", TokenBudget: 4000})
	require.NoError(t, err)

	m, err := st.GetMemory("m-auth")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, m.AccessCount, int64(1), "surfaced memories get access bumps")
}

func TestBuildContextValidation(t *testing.T) {
	ResetContextCache()
	engine, _ := newTestEngine(t)

	_, err := engine.BuildContext(context.Background(), BuildInput{Query: "q", TokenBudget: 0})
	assert.Error(t, err, "zero budget is invalid")

	_, err = engine.BuildContext(context.Background(), BuildInput{Query: "q", TokenBudget: 1000, Template: "fancy"})
	assert.Error(t, err, "unknown template is invalid")
}

func TestBuildContextCancelledRequestDoesNotCache(t *testing.T) {
	ResetContextCache()
	engine, _ := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.BuildContext(ctx, BuildInput{Query: "auth cancel test", TokenBudget: 4000})
	if err == nil {
		// If retrieval won the race against cancellation, the cache must
		// still not hold the result.
		res, err := engine.BuildContext(context.Background(), BuildInput{Query: "auth cancel test", TokenBudget: 4000})
		require.NoError(t, err)
		assert.False(t, res.Metadata.CacheHit)
	}
}

func TestBuildContextTimedStages(t *testing.T) {
	ResetContextCache()
	engine, _ := newTestEngine(t)

	_, timings, err := engine.BuildContextTimed(context.Background(), BuildInput{
		Query: "auth", TokenBudget: 4000, IncludeEvidence: true,
	})
	require.NoError(t, err)

	for _, stage := range []string{StageRAG, StageRerank, StageFormat, StageTokenize, StageEvidence, StageTotal} {
		_, ok := timings[stage]
		assert.True(t, ok, "missing timing for stage %s", stage)
	}
	assert.GreaterOrEqual(t, timings[StageTotal], timings[StageRAG])
}

func TestBuildContextConcurrentRequests(t *testing.T) {
	ResetContextCache()
	engine, _ := newTestEngine(t)

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			_, err := engine.BuildContext(context.Background(), BuildInput{
				Query:       fmt.Sprintf("auth question %d", i),
				TokenBudget: 2000,
			})
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		assert.NoError(t, <-errs)
	}
}
