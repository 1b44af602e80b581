package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"memograph/internal/types"
)

func TestClassifyRoute(t *testing.T) {
	cases := []struct {
		name             string
		query            string
		includeCodeGraph bool
		want             types.Route
	}{
		{
			"structural and semantic tokens give hybrid",
			"What calls validateToken and why did we choose this design?",
			true,
			types.RouteHybrid,
		},
		{
			"code graph disabled forces memory",
			"What calls validateToken and why did we choose this design?",
			false,
			types.RouteMemory,
		},
		{
			"history question stays on memory",
			"Why did we choose PostgreSQL and what was the tradeoff?",
			true,
			types.RouteMemory,
		},
		{
			"purely structural question goes to code",
			"What calls validateToken and what depends on AuthService?",
			true,
			types.RouteCode,
		},
		{
			"plain question defaults to memory",
			"How does authentication work here?",
			true,
			types.RouteMemory,
		},
		{
			"identifier with call syntax is structural",
			"Where is parseConfig() invoked from?",
			true,
			types.RouteCode,
		},
		{
			"implements keyword is structural",
			"What implements the Store interface?",
			true,
			types.RouteCode,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyRoute(tc.query, tc.includeCodeGraph)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestExtractIdentifiers(t *testing.T) {
	ids := extractIdentifiers("What calls validateToken and what depends on AuthService? Also check run() and db.")
	assert.Contains(t, ids, "validateToken")
	assert.Contains(t, ids, "AuthService")
	assert.NotContains(t, ids, "db", "short tokens are dropped")

	assert.Empty(t, extractIdentifiers("why did we pick this database"))

	// Deduplicated, first-seen order.
	dup := extractIdentifiers("validateToken calls validateToken")
	assert.Equal(t, []string{"validateToken"}, dup)
}
