package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"memograph/internal/logging"
	"memograph/internal/types"
)

// ErrMemoryNotFound is returned when a memory id does not exist.
var ErrMemoryNotFound = errors.New("memory not found")

// =============================================================================
// MEMORY CRUD
// =============================================================================

// CreateMemory inserts a new memory. Zero timestamps default to now.
func (s *Store) CreateMemory(m *types.Memory) error {
	timer := logging.StartTimer(logging.CategoryStore, "CreateMemory")
	defer timer.Stop()

	if m.ID == "" {
		return fmt.Errorf("memory id must not be empty")
	}
	if !types.ValidKind(m.Kind) {
		return fmt.Errorf("invalid memory kind %q", m.Kind)
	}
	if math.IsNaN(m.Importance) || math.IsInf(m.Importance, 0) || m.Importance < 0 {
		return fmt.Errorf("memory importance must be finite and non-negative, got %v", m.Importance)
	}

	now := time.Now().Unix()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	if m.AccessedAt == 0 {
		m.AccessedAt = m.CreatedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	logging.StoreDebug("Creating memory id=%s kind=%s title=%q", m.ID, m.Kind, m.Title)

	_, err := s.db.Exec(`
		INSERT INTO memories (
			id, kind, title, body, summary, importance, access_count,
			created_at, accessed_at, last_refreshed_at,
			tags, related_files, experts,
			decay_rate, decay_function, confidence_floor,
			vector_id, source_pr, source_commit
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, string(m.Kind), m.Title, m.Body, m.Summary, m.Importance, m.AccessCount,
		m.CreatedAt, m.AccessedAt, nullableInt64(m.LastRefreshedAt),
		encodeStringSet(m.Tags), encodeStringSet(m.RelatedFiles), encodeStringSet(m.Experts),
		nullableFloat(m.DecayRate), string(m.DecayFn), nullableFloat(m.ConfidenceFloor),
		m.VectorID, m.SourcePR, m.SourceCommit,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to create memory %s: %v", m.ID, err)
		return fmt.Errorf("failed to create memory: %w", err)
	}

	return nil
}

// GetMemory loads a memory by id. Returns ErrMemoryNotFound for unknown ids.
func (s *Store) GetMemory(id string) (*types.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getMemoryLocked(id)
}

// getMemoryLocked assumes the caller holds at least s.mu.RLock().
func (s *Store) getMemoryLocked(id string) (*types.Memory, error) {
	row := s.db.QueryRow(`
		SELECT id, kind, title, body, summary, importance, access_count,
		       created_at, accessed_at, last_refreshed_at,
		       tags, related_files, experts,
		       decay_rate, decay_function, confidence_floor,
		       vector_id, source_pr, source_commit
		FROM memories WHERE id = ?`, id)

	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrMemoryNotFound, id)
	}
	return m, err
}

// UpdateMemory rewrites all mutable fields of an existing memory.
func (s *Store) UpdateMemory(m *types.Memory) error {
	timer := logging.StartTimer(logging.CategoryStore, "UpdateMemory")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE memories SET
			kind = ?, title = ?, body = ?, summary = ?, importance = ?,
			last_refreshed_at = ?,
			tags = ?, related_files = ?, experts = ?,
			decay_rate = ?, decay_function = ?, confidence_floor = ?,
			vector_id = ?, source_pr = ?, source_commit = ?
		WHERE id = ?`,
		string(m.Kind), m.Title, m.Body, m.Summary, m.Importance,
		nullableInt64(m.LastRefreshedAt),
		encodeStringSet(m.Tags), encodeStringSet(m.RelatedFiles), encodeStringSet(m.Experts),
		nullableFloat(m.DecayRate), string(m.DecayFn), nullableFloat(m.ConfidenceFloor),
		m.VectorID, m.SourcePR, m.SourceCommit,
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update memory: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrMemoryNotFound, m.ID)
	}
	return nil
}

// DeleteMemory removes a memory together with its vector entry and all
// inbound graph links in a single transaction. Entities left without any
// memory link are deleted as orphans.
func (s *Store) DeleteMemory(id string) error {
	timer := logging.StartTimer(logging.CategoryStore, "DeleteMemory")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	var vectorID sql.NullString
	err = tx.QueryRow("SELECT vector_id FROM memories WHERE id = ?", id).Scan(&vectorID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrMemoryNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to load memory for delete: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM vectors WHERE memory_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete vector rows: %w", err)
	}
	if vectorID.Valid && vectorID.String != "" {
		if _, err := tx.Exec("DELETE FROM vectors WHERE id = ?", vectorID.String); err != nil {
			return fmt.Errorf("failed to delete vector entry: %w", err)
		}
	}

	if _, err := tx.Exec("DELETE FROM entity_memories WHERE memory_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete entity links: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM relationship_sources WHERE memory_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete relationship sources: %w", err)
	}

	// Orphaned entities (no remaining memory links) cascade through
	// relationships and community memberships via foreign keys.
	if _, err := tx.Exec(`
		DELETE FROM entities WHERE id NOT IN (SELECT DISTINCT entity_id FROM entity_memories)`); err != nil {
		return fmt.Errorf("failed to delete orphaned entities: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM memories WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	logging.StoreDebug("Deleted memory %s (vector and graph links cascaded)", id)
	return nil
}

// IncrementAccessCount bumps the access counter and accessed-at timestamp in
// one atomic statement.
func (s *Store) IncrementAccessCount(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE memories SET access_count = access_count + 1, accessed_at = ? WHERE id = ?",
		time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to increment access count: %w", err)
	}
	return nil
}

// RefreshMemory marks a memory as refreshed now, resetting its decay anchor.
func (s *Store) RefreshMemory(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE memories SET last_refreshed_at = ? WHERE id = ?",
		time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to refresh memory: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrMemoryNotFound, id)
	}
	return nil
}

// MemoryFilter narrows ListMemories results.
type MemoryFilter struct {
	Kinds         []types.MemoryKind
	Tags          []string // match any, case-insensitive
	MinImportance float64
	Limit         int
}

// ListMemories returns memories matching the filter, newest first.
func (s *Store) ListMemories(filter MemoryFilter) ([]*types.Memory, error) {
	timer := logging.StartTimer(logging.CategoryStore, "ListMemories")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, kind, title, body, summary, importance, access_count,
		       created_at, accessed_at, last_refreshed_at,
		       tags, related_files, experts,
		       decay_rate, decay_function, confidence_floor,
		       vector_id, source_pr, source_commit
		FROM memories`
	var conds []string
	var args []interface{}

	if len(filter.Kinds) > 0 {
		placeholders := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		conds = append(conds, fmt.Sprintf("kind IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.MinImportance > 0 {
		conds = append(conds, "importance >= ?")
		args = append(args, filter.MinImportance)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	defer rows.Close()

	var results []*types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Memory row scan failed: %v", err)
			continue
		}
		// Tag filtering happens in Go: tags are stored as a JSON array and
		// the match is case-insensitive "any".
		if len(filter.Tags) > 0 && !matchesAnyTag(m, filter.Tags) {
			continue
		}
		results = append(results, m)
	}

	return results, rows.Err()
}

func matchesAnyTag(m *types.Memory, tags []string) bool {
	for _, t := range tags {
		if m.HasTag(t) {
			return true
		}
	}
	return false
}

// =============================================================================
// ROW SCANNING HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row rowScanner) (*types.Memory, error) {
	var (
		m                            types.Memory
		kind, decayFn                string
		summary, vecID, pr, commit   sql.NullString
		tags, relatedFiles, experts  sql.NullString
		lastRefreshed                sql.NullInt64
		decayRate, floor             sql.NullFloat64
	)

	err := row.Scan(
		&m.ID, &kind, &m.Title, &m.Body, &summary, &m.Importance, &m.AccessCount,
		&m.CreatedAt, &m.AccessedAt, &lastRefreshed,
		&tags, &relatedFiles, &experts,
		&decayRate, &decayFn, &floor,
		&vecID, &pr, &commit,
	)
	if err != nil {
		return nil, err
	}

	m.Kind = types.MemoryKind(kind)
	m.Summary = summary.String
	m.VectorID = vecID.String
	m.SourcePR = pr.String
	m.SourceCommit = commit.String
	m.Tags = decodeStringSet(tags.String)
	m.RelatedFiles = decodeStringSet(relatedFiles.String)
	m.Experts = decodeStringSet(experts.String)
	m.DecayFn = types.DecayFunction(decayFn)
	if lastRefreshed.Valid {
		m.LastRefreshedAt = lastRefreshed.Int64
	}
	if decayRate.Valid {
		v := decayRate.Float64
		m.DecayRate = &v
	}
	if floor.Valid {
		v := floor.Float64
		m.ConfidenceFloor = &v
	}

	return &m, nil
}

func encodeStringSet(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	data, err := json.Marshal(ss)
	if err != nil {
		return ""
	}
	return string(data)
}

func decodeStringSet(raw string) []string {
	if raw == "" {
		return nil
	}
	var ss []string
	if err := json.Unmarshal([]byte(raw), &ss); err != nil {
		return nil
	}
	return ss
}

func nullableInt64(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
