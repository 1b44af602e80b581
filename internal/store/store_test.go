package store

import (
	"errors"
	"testing"
	"time"

	"memograph/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testMemory(id string) *types.Memory {
	return &types.Memory{
		ID:         id,
		Kind:       types.KindDecision,
		Title:      "Use SQLite for persistence",
		Body:       "We chose SQLite because the store is single-process and embedded.",
		Importance: 0.8,
		Tags:       []string{"storage", "architecture"},
	}
}

func TestMemoryCRUD(t *testing.T) {
	st := newTestStore(t)

	m := testMemory("m1")
	if err := st.CreateMemory(m); err != nil {
		t.Fatalf("CreateMemory failed: %v", err)
	}
	if m.CreatedAt == 0 || m.AccessedAt == 0 {
		t.Error("expected timestamps to be defaulted on create")
	}

	got, err := st.GetMemory("m1")
	if err != nil {
		t.Fatalf("GetMemory failed: %v", err)
	}
	if got.Title != m.Title || got.Kind != types.KindDecision {
		t.Errorf("round-trip mismatch: got %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "storage" {
		t.Errorf("tags not preserved: %v", got.Tags)
	}

	got.Title = "Use SQLite everywhere"
	got.Importance = 0.9
	if err := st.UpdateMemory(got); err != nil {
		t.Fatalf("UpdateMemory failed: %v", err)
	}
	updated, err := st.GetMemory("m1")
	if err != nil {
		t.Fatalf("GetMemory after update failed: %v", err)
	}
	if updated.Title != "Use SQLite everywhere" || updated.Importance != 0.9 {
		t.Errorf("update not persisted: %+v", updated)
	}

	if err := st.DeleteMemory("m1"); err != nil {
		t.Fatalf("DeleteMemory failed: %v", err)
	}
	if _, err := st.GetMemory("m1"); !errors.Is(err, ErrMemoryNotFound) {
		t.Errorf("expected ErrMemoryNotFound after delete, got %v", err)
	}
}

func TestGetMemoryNotFound(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.GetMemory("nope"); !errors.Is(err, ErrMemoryNotFound) {
		t.Errorf("expected ErrMemoryNotFound, got %v", err)
	}
}

func TestCreateMemoryValidation(t *testing.T) {
	st := newTestStore(t)

	if err := st.CreateMemory(&types.Memory{Kind: types.KindNote, Title: "t", Body: "b"}); err == nil {
		t.Error("expected error for empty id")
	}
	if err := st.CreateMemory(&types.Memory{ID: "x", Kind: "bogus", Title: "t", Body: "b"}); err == nil {
		t.Error("expected error for invalid kind")
	}
}

func TestIncrementAccessCount(t *testing.T) {
	st := newTestStore(t)

	m := testMemory("m1")
	m.CreatedAt = time.Now().Add(-24 * time.Hour).Unix()
	m.AccessedAt = m.CreatedAt
	if err := st.CreateMemory(m); err != nil {
		t.Fatalf("CreateMemory failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := st.IncrementAccessCount("m1"); err != nil {
			t.Fatalf("IncrementAccessCount failed: %v", err)
		}
	}

	got, err := st.GetMemory("m1")
	if err != nil {
		t.Fatalf("GetMemory failed: %v", err)
	}
	if got.AccessCount != 3 {
		t.Errorf("expected access_count=3, got %d", got.AccessCount)
	}
	if got.AccessedAt <= got.CreatedAt {
		t.Error("expected accessed_at to be bumped past created_at")
	}
}

func TestRefreshMemory(t *testing.T) {
	st := newTestStore(t)

	if err := st.CreateMemory(testMemory("m1")); err != nil {
		t.Fatalf("CreateMemory failed: %v", err)
	}
	if err := st.RefreshMemory("m1"); err != nil {
		t.Fatalf("RefreshMemory failed: %v", err)
	}
	got, _ := st.GetMemory("m1")
	if got.LastRefreshedAt == 0 {
		t.Error("expected last_refreshed_at to be set")
	}
	if err := st.RefreshMemory("missing"); !errors.Is(err, ErrMemoryNotFound) {
		t.Errorf("expected ErrMemoryNotFound, got %v", err)
	}
}

func TestListMemoriesFilters(t *testing.T) {
	st := newTestStore(t)

	specs := []struct {
		id         string
		kind       types.MemoryKind
		importance float64
		tags       []string
	}{
		{"m1", types.KindDecision, 0.9, []string{"auth"}},
		{"m2", types.KindSolution, 0.4, []string{"auth", "bug"}},
		{"m3", types.KindNote, 0.7, []string{"docs"}},
	}
	for _, s := range specs {
		m := testMemory(s.id)
		m.Kind = s.kind
		m.Importance = s.importance
		m.Tags = s.tags
		if err := st.CreateMemory(m); err != nil {
			t.Fatalf("CreateMemory %s failed: %v", s.id, err)
		}
	}

	byKind, err := st.ListMemories(MemoryFilter{Kinds: []types.MemoryKind{types.KindDecision}})
	if err != nil {
		t.Fatalf("ListMemories by kind failed: %v", err)
	}
	if len(byKind) != 1 || byKind[0].ID != "m1" {
		t.Errorf("kind filter returned %d results", len(byKind))
	}

	byImportance, err := st.ListMemories(MemoryFilter{MinImportance: 0.5})
	if err != nil {
		t.Fatalf("ListMemories by importance failed: %v", err)
	}
	if len(byImportance) != 2 {
		t.Errorf("importance filter expected 2 results, got %d", len(byImportance))
	}

	byTag, err := st.ListMemories(MemoryFilter{Tags: []string{"AUTH"}})
	if err != nil {
		t.Fatalf("ListMemories by tag failed: %v", err)
	}
	if len(byTag) != 2 {
		t.Errorf("tag filter (case-insensitive any) expected 2 results, got %d", len(byTag))
	}
}

func TestDeleteMemoryCascades(t *testing.T) {
	st := newTestStore(t)
	vs := NewSQLiteVectorStore(st)

	m := testMemory("m1")
	m.VectorID = "vec-m1"
	if err := st.CreateMemory(m); err != nil {
		t.Fatalf("CreateMemory failed: %v", err)
	}
	if err := vs.Upsert("vec-m1", []float32{1, 0, 0}, map[string]interface{}{"memoryId": "m1"}); err != nil {
		t.Fatalf("vector Upsert failed: %v", err)
	}

	entityID, err := st.UpsertEntity(&types.Entity{CanonicalName: "AuthService", Type: types.EntityComponent, Confidence: 0.9})
	if err != nil {
		t.Fatalf("UpsertEntity failed: %v", err)
	}
	if err := st.LinkEntityToMemory(entityID, "m1"); err != nil {
		t.Fatalf("LinkEntityToMemory failed: %v", err)
	}

	if err := st.DeleteMemory("m1"); err != nil {
		t.Fatalf("DeleteMemory failed: %v", err)
	}

	stats, err := st.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats["memories"] != 0 {
		t.Errorf("expected 0 memories, got %d", stats["memories"])
	}
	if stats["vectors"] != 0 {
		t.Errorf("expected vector row to cascade, got %d", stats["vectors"])
	}
	if stats["entities"] != 0 {
		t.Errorf("expected orphaned entity to be deleted, got %d", stats["entities"])
	}
	if stats["entity_memories"] != 0 {
		t.Errorf("expected entity link to cascade, got %d", stats["entity_memories"])
	}
}

func TestEntityMergeByCanonicalName(t *testing.T) {
	st := newTestStore(t)

	id1, err := st.UpsertEntity(&types.Entity{CanonicalName: "PostgreSQL", Type: types.EntityTechnology, Confidence: 0.6})
	if err != nil {
		t.Fatalf("first UpsertEntity failed: %v", err)
	}
	id2, err := st.UpsertEntity(&types.Entity{CanonicalName: "postgresql", Type: types.EntityTechnology, Confidence: 0.9})
	if err != nil {
		t.Fatalf("second UpsertEntity failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("case-insensitive merge expected same id, got %s vs %s", id1, id2)
	}

	e, err := st.GetEntity(id1)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if e.MentionCount != 2 {
		t.Errorf("expected mention_count=2 after merge, got %d", e.MentionCount)
	}
	if e.Confidence != 0.9 {
		t.Errorf("expected merged confidence to keep max 0.9, got %f", e.Confidence)
	}
}

func TestRelationshipUpsertStrengthens(t *testing.T) {
	st := newTestStore(t)

	a, _ := st.UpsertEntity(&types.Entity{CanonicalName: "AuthService", Type: types.EntityComponent})
	b, _ := st.UpsertEntity(&types.Entity{CanonicalName: "TokenStore", Type: types.EntityComponent})

	rel := &types.Relationship{SourceID: a, TargetID: b, Type: "uses"}
	id1, err := st.UpsertRelationship(rel)
	if err != nil {
		t.Fatalf("first UpsertRelationship failed: %v", err)
	}
	id2, err := st.UpsertRelationship(&types.Relationship{SourceID: a, TargetID: b, Type: "uses"})
	if err != nil {
		t.Fatalf("second UpsertRelationship failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("duplicate edge expected same id, got %s vs %s", id1, id2)
	}

	rels, err := st.RelationshipsForEntity(a, 1)
	if err != nil {
		t.Fatalf("RelationshipsForEntity failed: %v", err)
	}
	if len(rels) != 1 || rels[0].Strength != 2 {
		t.Errorf("expected one edge with strength 2, got %+v", rels)
	}
}

func TestExpandNeighborhood(t *testing.T) {
	st := newTestStore(t)

	// a -> b -> c -> d chain, plus a weak edge a -> e.
	ids := map[string]string{}
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		id, err := st.UpsertEntity(&types.Entity{CanonicalName: name, Type: types.EntityConcept})
		if err != nil {
			t.Fatalf("UpsertEntity %s failed: %v", name, err)
		}
		ids[name] = id
	}
	strongEdge := func(src, dst string) {
		r := &types.Relationship{SourceID: ids[src], TargetID: ids[dst], Type: "related", Strength: 3}
		if _, err := st.UpsertRelationship(r); err != nil {
			t.Fatalf("UpsertRelationship %s->%s failed: %v", src, dst, err)
		}
	}
	strongEdge("a", "b")
	strongEdge("b", "c")
	strongEdge("c", "d")
	if _, err := st.UpsertRelationship(&types.Relationship{SourceID: ids["a"], TargetID: ids["e"], Type: "related", Strength: 1}); err != nil {
		t.Fatalf("weak edge failed: %v", err)
	}

	nb, err := st.ExpandNeighborhood([]string{ids["a"]}, 2, 2)
	if err != nil {
		t.Fatalf("ExpandNeighborhood failed: %v", err)
	}

	// Depth 2 from a reaches b and c but not d; the weak a->e edge is
	// below the strength cutoff.
	if nb.TotalExpanded != 2 {
		t.Errorf("expected 2 expanded entities, got %d", nb.TotalExpanded)
	}
	if len(nb.Relationships) != 2 {
		t.Errorf("expected 2 relationships, got %d", len(nb.Relationships))
	}
	seen := map[string]bool{}
	for _, e := range nb.Entities {
		seen[e.CanonicalName] = true
	}
	if !seen["a"] || !seen["b"] || !seen["c"] || seen["d"] || seen["e"] {
		t.Errorf("unexpected neighborhood entities: %v", seen)
	}
}

func TestVectorSearchRanksAndFilters(t *testing.T) {
	st := newTestStore(t)
	vs := NewSQLiteVectorStore(st)

	vectors := []struct {
		id      string
		vec     []float32
		payload map[string]interface{}
	}{
		{"v1", []float32{1, 0, 0}, map[string]interface{}{"memoryId": "m1", "type": "decision", "importance": 0.9, "tags": []interface{}{"auth"}}},
		{"v2", []float32{0.9, 0.1, 0}, map[string]interface{}{"memoryId": "m2", "type": "note", "importance": 0.3, "tags": []interface{}{"docs"}}},
		{"v3", []float32{0, 1, 0}, map[string]interface{}{"memoryId": "m3", "type": "decision", "importance": 0.7, "tags": []interface{}{"auth", "db"}}},
	}
	for _, v := range vectors {
		if err := vs.Upsert(v.id, v.vec, v.payload); err != nil {
			t.Fatalf("Upsert %s failed: %v", v.id, err)
		}
	}

	hits, err := vs.Search([]float32{1, 0, 0}, nil, 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("expected 3 hits, got %d", len(hits))
	}
	if hits[0].ID != "v1" || hits[1].ID != "v2" {
		t.Errorf("expected cosine ordering v1,v2 first, got %s,%s", hits[0].ID, hits[1].ID)
	}
	if hits[0].MemoryID != "m1" {
		t.Errorf("expected memory id propagated, got %q", hits[0].MemoryID)
	}

	filter := &VectorFilter{Conditions: []FilterCondition{
		{Kind: FilterMatch, Key: "type", Value: "decision"},
		{Kind: FilterRangeGTE, Key: "importance", Min: 0.5},
		{Kind: FilterMatchAny, Key: "tags", Values: []string{"db"}},
	}}
	filtered, err := vs.Search([]float32{1, 0, 0}, filter, 10)
	if err != nil {
		t.Fatalf("filtered Search failed: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != "v3" {
		t.Errorf("expected only v3 to pass the filter, got %+v", filtered)
	}
}

func TestVectorSearchVecPathMatchesLinear(t *testing.T) {
	st := newTestStore(t)
	if !st.HasVectorExtension() {
		t.Skip("sqlite-vec extension not loaded")
	}
	vs := NewSQLiteVectorStore(st)

	vectors := []struct {
		id  string
		vec []float32
	}{
		{"v1", []float32{1, 0, 0}},
		{"v2", []float32{0.9, 0.1, 0}},
		{"v3", []float32{0, 1, 0}},
	}
	for _, v := range vectors {
		if err := vs.Upsert(v.id, v.vec, map[string]interface{}{"memoryId": v.id}); err != nil {
			t.Fatalf("Upsert %s failed: %v", v.id, err)
		}
	}

	query := []float32{1, 0, 0}
	vecHits, err := vs.searchVec(query, nil, 10)
	if err != nil {
		t.Fatalf("searchVec failed: %v", err)
	}
	linHits, err := vs.searchLinear(query, nil, 10)
	if err != nil {
		t.Fatalf("searchLinear failed: %v", err)
	}
	if len(vecHits) != len(linHits) {
		t.Fatalf("path disagreement: vec=%d linear=%d hits", len(vecHits), len(linHits))
	}
	for i := range vecHits {
		if vecHits[i].ID != linHits[i].ID {
			t.Errorf("rank %d: vec=%s linear=%s", i, vecHits[i].ID, linHits[i].ID)
		}
		if diff := vecHits[i].Score - linHits[i].Score; diff > 1e-5 || diff < -1e-5 {
			t.Errorf("rank %d: score mismatch vec=%f linear=%f", i, vecHits[i].Score, linHits[i].Score)
		}
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	st := newTestStore(t)
	if err := RunMigrations(st.GetDB()); err != nil {
		t.Fatalf("re-running migrations failed: %v", err)
	}
}

func TestCommunityReports(t *testing.T) {
	st := newTestStore(t)

	c := &types.Community{Level: 0, EntityCount: 2}
	if err := st.SaveCommunity(c); err != nil {
		t.Fatalf("SaveCommunity failed: %v", err)
	}

	r := &types.CommunityReport{
		CommunityID: c.ID,
		Title:       "Auth subsystem",
		Summary:     "Covers authentication decisions.",
		KeyFindings: []string{"JWT chosen over sessions", "Tokens rotated daily"},
		EmbeddingID: "emb-1",
	}
	if err := st.SaveCommunityReport(r); err != nil {
		t.Fatalf("SaveCommunityReport failed: %v", err)
	}

	got, err := st.GetCommunityReport(r.ID)
	if err != nil {
		t.Fatalf("GetCommunityReport failed: %v", err)
	}
	if got.Title != r.Title || len(got.KeyFindings) != 2 {
		t.Errorf("report round-trip mismatch: %+v", got)
	}

	byEmb, err := st.GetCommunityReportByEmbeddingID("emb-1")
	if err != nil {
		t.Fatalf("GetCommunityReportByEmbeddingID failed: %v", err)
	}
	if byEmb.ID != r.ID {
		t.Errorf("embedding-id lookup returned wrong report: %s", byEmb.ID)
	}
}
