package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memograph/internal/config"
)

func TestSubcommandsRegistered(t *testing.T) {
	want := []string{"query", "bench", "scan", "stats"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, "command %s", name)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestBenchConfigHashStable(t *testing.T) {
	a := config.Default()
	b := config.Default()
	assert.Equal(t, benchConfigHash(a), benchConfigHash(b))

	b.Bench.TokenBudget = 999
	assert.NotEqual(t, benchConfigHash(a), benchConfigHash(b))
}

func TestOpenRuntimeWiresConfigWatcher(t *testing.T) {
	orig := workspace
	workspace = t.TempDir()
	t.Cleanup(func() { workspace = orig })

	rt, err := openRuntime()
	require.NoError(t, err)
	defer rt.close()

	assert.NotNil(t, rt.watcher, "config edits must invalidate cached contexts")
}

func TestQueryFlagDefaults(t *testing.T) {
	budget, err := queryCmd.Flags().GetInt("budget")
	require.NoError(t, err)
	assert.Equal(t, 4000, budget)

	codeGraph, err := queryCmd.Flags().GetBool("code-graph")
	require.NoError(t, err)
	assert.True(t, codeGraph)
}
