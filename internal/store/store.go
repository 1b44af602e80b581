// Package store implements the SQLite persistence layer for memograph:
// memories, the entity/community graph, and the vector index.
//
// Storage layout:
// - memories: atomic units of stored knowledge with access tracking
// - entities / relationships / communities / community_reports: GraphRAG tables
// - vectors: embedding index rows (sqlite-vec when available, brute force otherwise)
//
// Usage Example:
//
//	st, _ := store.New(".memograph/memograph.db")
//	defer st.Close()
//
//	st.CreateMemory(&types.Memory{ID: "m1", Kind: types.KindDecision, Title: "Use SQLite"})
//	mem, _ := st.GetMemory("m1")
//	st.IncrementAccessCount("m1") // atomic, also bumps accessed_at
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"memograph/internal/logging"
)

// defaultRequireVec controls whether the store fails hard when the sqlite-vec
// extension is unavailable. Brute-force search keeps working without it.
const defaultRequireVec = false

// Store provides typed access to the persistent tables.
type Store struct {
	db         *sql.DB
	mu         sync.RWMutex
	dbPath     string
	vectorExt  bool // sqlite-vec available
	requireVec bool // require vec extension or fail fast
}

// New initializes the SQLite database at the given path.
// Use ":memory:" for an ephemeral store in tests.
func New(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "New")
	defer timer.Stop()

	logging.Store("Initializing store at path: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// WAL already provides crash recovery, so NORMAL is safe and much faster
	// than the FULL default.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	// Entity deletion cascades through the graph tables.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign keys: %v", err)
	}

	st := &Store{db: db, dbPath: path}
	if err := st.initialize(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}

	st.detectVecExtension()
	st.requireVec = defaultRequireVec
	if st.requireVec && !st.vectorExt {
		db.Close()
		return nil, fmt.Errorf("sqlite-vec extension not available; build with -tags sqlite_vec to enable ANN search")
	}
	if st.vectorExt {
		logging.Store("sqlite-vec extension detected and enabled")
	} else {
		logging.StoreDebug("sqlite-vec extension not available; using brute-force vector search")
	}

	logging.Store("Store initialization complete (memories, graph, vectors ready)")
	return st, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	memoriesTable := `
	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		summary TEXT,
		importance REAL NOT NULL DEFAULT 0.5,
		access_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		accessed_at INTEGER NOT NULL,
		last_refreshed_at INTEGER,
		tags TEXT,
		related_files TEXT,
		experts TEXT,
		decay_rate REAL,
		decay_function TEXT,
		confidence_floor REAL,
		vector_id TEXT,
		source_pr TEXT,
		source_commit TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_memories_kind ON memories(kind);
	CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);
	CREATE INDEX IF NOT EXISTS idx_memories_accessed ON memories(accessed_at);
	`

	vectorsTable := `
	CREATE TABLE IF NOT EXISTS vectors (
		id TEXT PRIMARY KEY,
		memory_id TEXT,
		payload TEXT,
		embedding BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_vectors_memory ON vectors(memory_id);
	`

	entitiesTable := `
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		canonical_name TEXT NOT NULL COLLATE NOCASE,
		entity_type TEXT NOT NULL,
		description TEXT,
		mention_count INTEGER NOT NULL DEFAULT 1,
		confidence REAL NOT NULL DEFAULT 0.5,
		first_seen_at INTEGER,
		last_seen_at INTEGER,
		embedding_id TEXT
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_name ON entities(canonical_name COLLATE NOCASE);
	`

	entityMemoriesTable := `
	CREATE TABLE IF NOT EXISTS entity_memories (
		entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		memory_id TEXT NOT NULL,
		PRIMARY KEY(entity_id, memory_id)
	);
	CREATE INDEX IF NOT EXISTS idx_entity_memories_memory ON entity_memories(memory_id);
	`

	relationshipsTable := `
	CREATE TABLE IF NOT EXISTS relationships (
		id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		target_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		rel_type TEXT NOT NULL,
		strength INTEGER NOT NULL DEFAULT 1,
		description TEXT,
		UNIQUE(source_id, target_id, rel_type)
	);
	CREATE INDEX IF NOT EXISTS idx_relationships_source ON relationships(source_id);
	CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships(target_id);
	`

	relationshipSourcesTable := `
	CREATE TABLE IF NOT EXISTS relationship_sources (
		relationship_id TEXT NOT NULL REFERENCES relationships(id) ON DELETE CASCADE,
		memory_id TEXT NOT NULL,
		PRIMARY KEY(relationship_id, memory_id)
	);
	`

	communitiesTable := `
	CREATE TABLE IF NOT EXISTS communities (
		id TEXT PRIMARY KEY,
		level INTEGER NOT NULL DEFAULT 0,
		parent_id TEXT,
		entity_count INTEGER NOT NULL DEFAULT 0,
		modularity REAL
	);
	`

	communityMembersTable := `
	CREATE TABLE IF NOT EXISTS community_members (
		community_id TEXT NOT NULL REFERENCES communities(id) ON DELETE CASCADE,
		entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		PRIMARY KEY(community_id, entity_id)
	);
	`

	communityReportsTable := `
	CREATE TABLE IF NOT EXISTS community_reports (
		id TEXT PRIMARY KEY,
		community_id TEXT REFERENCES communities(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		summary TEXT,
		full_content TEXT,
		key_findings TEXT,
		rating REAL,
		embedding_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_reports_embedding ON community_reports(embedding_id);
	`

	for _, table := range []string{
		memoriesTable,
		vectorsTable,
		entitiesTable,
		entityMemoriesTable,
		relationshipsTable,
		relationshipSourcesTable,
		communitiesTable,
		communityMembersTable,
		communityReportsTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	// Run schema migrations for existing databases (adds missing columns)
	if err := RunMigrations(s.db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing store database connection")
	return s.db.Close()
}

// GetDB returns the underlying SQL database connection. The code graph
// adapter builds its tables on this handle.
func (s *Store) GetDB() *sql.DB {
	return s.db
}

// HasVectorExtension reports whether sqlite-vec ANN search is available.
func (s *Store) HasVectorExtension() bool {
	return s.vectorExt
}

// detectVecExtension attempts to create a vec0 virtual table to see if
// sqlite-vec is available.
func (s *Store) detectVecExtension() {
	if s.db == nil {
		return
	}
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	s.vectorExt = false
}

// Stats returns row counts for the main tables.
func (s *Store) Stats() (map[string]int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Stats")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{
		"memories", "vectors", "entities", "entity_memories",
		"relationships", "communities", "community_reports",
	}

	for _, table := range tables {
		var count int64
		err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			logging.StoreDebug("Table %s count failed (may not exist): %v", table, err)
			continue
		}
		stats[table] = count
	}

	return stats, nil
}
