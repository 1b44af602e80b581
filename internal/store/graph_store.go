package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"memograph/internal/logging"
	"memograph/internal/types"
)

// =============================================================================
// ENTITY OPERATIONS
// =============================================================================

// UpsertEntity inserts an entity or merges it with an existing one that has
// the same canonical name (case-insensitive). Merging bumps the mention count,
// keeps the higher confidence, and extends the seen window.
func (s *Store) UpsertEntity(e *types.Entity) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	if e.FirstSeenAt == 0 {
		e.FirstSeenAt = now
	}
	if e.LastSeenAt == 0 {
		e.LastSeenAt = now
	}

	var existingID string
	var existingConfidence float64
	err := s.db.QueryRow(
		"SELECT id, confidence FROM entities WHERE canonical_name = ? COLLATE NOCASE",
		e.CanonicalName,
	).Scan(&existingID, &existingConfidence)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.MentionCount < 1 {
			e.MentionCount = 1
		}
		_, err := s.db.Exec(`
			INSERT INTO entities (id, canonical_name, entity_type, description, mention_count, confidence, first_seen_at, last_seen_at, embedding_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.CanonicalName, string(e.Type), e.Description, e.MentionCount, e.Confidence, e.FirstSeenAt, e.LastSeenAt, e.EmbeddingID,
		)
		if err != nil {
			return "", fmt.Errorf("failed to insert entity: %w", err)
		}
		logging.GraphRAGDebug("Created entity %s (%s)", e.CanonicalName, e.ID)
		return e.ID, nil

	case err != nil:
		return "", fmt.Errorf("failed to look up entity: %w", err)

	default:
		confidence := existingConfidence
		if e.Confidence > confidence {
			confidence = e.Confidence
		}
		_, err := s.db.Exec(`
			UPDATE entities SET
				mention_count = mention_count + 1,
				confidence = ?,
				last_seen_at = ?,
				description = CASE WHEN description IS NULL OR description = '' THEN ? ELSE description END
			WHERE id = ?`,
			confidence, e.LastSeenAt, e.Description, existingID,
		)
		if err != nil {
			return "", fmt.Errorf("failed to merge entity: %w", err)
		}
		logging.GraphRAGDebug("Merged entity %s into %s", e.CanonicalName, existingID)
		return existingID, nil
	}
}

// GetEntity loads an entity by id.
func (s *Store) GetEntity(id string) (*types.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, canonical_name, entity_type, description, mention_count, confidence, first_seen_at, last_seen_at, embedding_id
		FROM entities WHERE id = ?`, id)
	return scanEntity(row)
}

// GetEntityByName loads an entity by canonical name, case-insensitive.
func (s *Store) GetEntityByName(name string) (*types.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, canonical_name, entity_type, description, mention_count, confidence, first_seen_at, last_seen_at, embedding_id
		FROM entities WHERE canonical_name = ? COLLATE NOCASE`, name)
	return scanEntity(row)
}

// ListEntities returns all entities ordered by mention count.
func (s *Store) ListEntities(limit int) ([]*types.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, canonical_name, entity_type, description, mention_count, confidence, first_seen_at, last_seen_at, embedding_id
		FROM entities ORDER BY mention_count DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var entities []*types.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// LinkEntityToMemory records that an entity was extracted from a memory.
func (s *Store) LinkEntityToMemory(entityID, memoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO entity_memories (entity_id, memory_id) VALUES (?, ?)",
		entityID, memoryID,
	)
	if err != nil {
		return fmt.Errorf("failed to link entity to memory: %w", err)
	}
	return nil
}

// MemoryIDsForEntity returns the ids of memories the entity was extracted from.
func (s *Store) MemoryIDsForEntity(entityID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT memory_id FROM entity_memories WHERE entity_id = ? ORDER BY memory_id",
		entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query entity memories: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteOrphanEntities removes entities with no remaining memory links.
// Relationship and community membership rows cascade via foreign keys.
func (s *Store) DeleteOrphanEntities() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"DELETE FROM entities WHERE id NOT IN (SELECT DISTINCT entity_id FROM entity_memories)")
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphan entities: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.GraphRAG("Deleted %d orphaned entities", n)
	}
	return n, nil
}

// =============================================================================
// RELATIONSHIP OPERATIONS
// =============================================================================

// UpsertRelationship inserts a directed edge or, when the (source, target,
// type) triple already exists, increments its strength.
func (s *Store) UpsertRelationship(r *types.Relationship) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existingID string
	err := s.db.QueryRow(
		"SELECT id FROM relationships WHERE source_id = ? AND target_id = ? AND rel_type = ?",
		r.SourceID, r.TargetID, r.Type,
	).Scan(&existingID)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.Strength < 1 {
			r.Strength = 1
		}
		_, err := s.db.Exec(`
			INSERT INTO relationships (id, source_id, target_id, rel_type, strength, description)
			VALUES (?, ?, ?, ?, ?, ?)`,
			r.ID, r.SourceID, r.TargetID, r.Type, r.Strength, r.Description,
		)
		if err != nil {
			return "", fmt.Errorf("failed to insert relationship: %w", err)
		}
		return r.ID, nil

	case err != nil:
		return "", fmt.Errorf("failed to look up relationship: %w", err)

	default:
		_, err := s.db.Exec(
			"UPDATE relationships SET strength = strength + 1 WHERE id = ?", existingID)
		if err != nil {
			return "", fmt.Errorf("failed to strengthen relationship: %w", err)
		}
		return existingID, nil
	}
}

// LinkRelationshipToMemory records the memory that evidenced a relationship.
func (s *Store) LinkRelationshipToMemory(relationshipID, memoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO relationship_sources (relationship_id, memory_id) VALUES (?, ?)",
		relationshipID, memoryID,
	)
	if err != nil {
		return fmt.Errorf("failed to link relationship to memory: %w", err)
	}
	return nil
}

// RelationshipsForEntity returns edges touching the entity (either direction)
// with strength at or above minStrength.
func (s *Store) RelationshipsForEntity(entityID string, minStrength int) ([]*types.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.relationshipsForEntityLocked(entityID, minStrength)
}

func (s *Store) relationshipsForEntityLocked(entityID string, minStrength int) ([]*types.Relationship, error) {
	rows, err := s.db.Query(`
		SELECT id, source_id, target_id, rel_type, strength, description
		FROM relationships
		WHERE (source_id = ? OR target_id = ?) AND strength >= ?
		ORDER BY strength DESC`,
		entityID, entityID, minStrength,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query relationships: %w", err)
	}
	defer rows.Close()

	var rels []*types.Relationship
	for rows.Next() {
		var r types.Relationship
		var desc sql.NullString
		if err := rows.Scan(&r.ID, &r.SourceID, &r.TargetID, &r.Type, &r.Strength, &desc); err != nil {
			return nil, err
		}
		r.Description = desc.String
		rels = append(rels, &r)
	}
	return rels, rows.Err()
}

// Neighborhood is the result of a bounded graph expansion around seed entities.
type Neighborhood struct {
	Entities      []*types.Entity
	Relationships []*types.Relationship
	TotalExpanded int
}

// ExpandNeighborhood walks relationships breadth-first from the seed entities
// up to maxDepth hops, following only edges with strength >= minEdgeWeight.
func (s *Store) ExpandNeighborhood(seedIDs []string, maxDepth, minEdgeWeight int) (*Neighborhood, error) {
	timer := logging.StartTimer(logging.CategoryGraphRAG, "ExpandNeighborhood")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	visited := make(map[string]bool, len(seedIDs))
	seenRels := make(map[string]bool)
	frontier := append([]string(nil), seedIDs...)
	for _, id := range seedIDs {
		visited[id] = true
	}

	nb := &Neighborhood{}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			rels, err := s.relationshipsForEntityLocked(id, minEdgeWeight)
			if err != nil {
				return nil, err
			}
			for _, r := range rels {
				if seenRels[r.ID] {
					continue
				}
				seenRels[r.ID] = true
				nb.Relationships = append(nb.Relationships, r)

				other := r.TargetID
				if other == id {
					other = r.SourceID
				}
				if !visited[other] {
					visited[other] = true
					next = append(next, other)
				}
			}
		}
		frontier = next
	}

	for id := range visited {
		row := s.db.QueryRow(`
			SELECT id, canonical_name, entity_type, description, mention_count, confidence, first_seen_at, last_seen_at, embedding_id
			FROM entities WHERE id = ?`, id)
		e, err := scanEntity(row)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		nb.Entities = append(nb.Entities, e)
	}

	nb.TotalExpanded = len(visited) - len(seedIDs)
	if nb.TotalExpanded < 0 {
		nb.TotalExpanded = 0
	}

	logging.GraphRAGDebug("Neighborhood expansion: %d seeds, %d entities, %d relationships",
		len(seedIDs), len(nb.Entities), len(nb.Relationships))
	return nb, nil
}

// =============================================================================
// COMMUNITY OPERATIONS
// =============================================================================

// SaveCommunity inserts or replaces a community row.
func (s *Store) SaveCommunity(c *types.Community) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO communities (id, level, parent_id, entity_count, modularity)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Level, nullableString(c.ParentID), c.EntityCount, c.Modularity,
	)
	if err != nil {
		return fmt.Errorf("failed to save community: %w", err)
	}
	return nil
}

// AddCommunityMember records entity membership in a community.
func (s *Store) AddCommunityMember(communityID, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO community_members (community_id, entity_id) VALUES (?, ?)",
		communityID, entityID,
	)
	if err != nil {
		return fmt.Errorf("failed to add community member: %w", err)
	}
	return nil
}

// CommunityMemberIDs returns the entity ids belonging to a community.
func (s *Store) CommunityMemberIDs(communityID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT entity_id FROM community_members WHERE community_id = ?", communityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query community members: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveCommunityReport inserts or replaces a community report.
func (s *Store) SaveCommunityReport(r *types.CommunityReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	findings := ""
	if len(r.KeyFindings) > 0 {
		data, err := json.Marshal(r.KeyFindings)
		if err != nil {
			return fmt.Errorf("failed to encode key findings: %w", err)
		}
		findings = string(data)
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO community_reports (id, community_id, title, summary, full_content, key_findings, rating, embedding_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, nullableString(r.CommunityID), r.Title, r.Summary, r.FullContent, findings, r.Rating, r.EmbeddingID,
	)
	if err != nil {
		return fmt.Errorf("failed to save community report: %w", err)
	}
	return nil
}

// GetCommunityReport loads a report by id.
func (s *Store) GetCommunityReport(id string) (*types.CommunityReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, community_id, title, summary, full_content, key_findings, rating, embedding_id
		FROM community_reports WHERE id = ?`, id)
	return scanReport(row)
}

// GetCommunityReportByEmbeddingID resolves a report via its vector entry id.
func (s *Store) GetCommunityReportByEmbeddingID(embeddingID string) (*types.CommunityReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, community_id, title, summary, full_content, key_findings, rating, embedding_id
		FROM community_reports WHERE embedding_id = ?`, embeddingID)
	return scanReport(row)
}

// MemoryIDsForCommunity returns the memory ids backing a community's entities.
func (s *Store) MemoryIDsForCommunity(communityID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT DISTINCT em.memory_id
		FROM community_members cm
		JOIN entity_memories em ON em.entity_id = cm.entity_id
		WHERE cm.community_id = ?
		ORDER BY em.memory_id`, communityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query community memories: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// SCAN HELPERS
// =============================================================================

func scanEntity(row rowScanner) (*types.Entity, error) {
	var (
		e                   types.Entity
		etype               string
		desc, embeddingID   sql.NullString
		firstSeen, lastSeen sql.NullInt64
	)
	err := row.Scan(&e.ID, &e.CanonicalName, &etype, &desc, &e.MentionCount, &e.Confidence, &firstSeen, &lastSeen, &embeddingID)
	if err != nil {
		return nil, err
	}
	e.Type = types.EntityType(etype)
	e.Description = desc.String
	e.EmbeddingID = embeddingID.String
	e.FirstSeenAt = firstSeen.Int64
	e.LastSeenAt = lastSeen.Int64
	return &e, nil
}

func scanReport(row rowScanner) (*types.CommunityReport, error) {
	var (
		r                        types.CommunityReport
		communityID, summary     sql.NullString
		fullContent, keyFindings sql.NullString
		rating                   sql.NullFloat64
		embeddingID              sql.NullString
	)
	err := row.Scan(&r.ID, &communityID, &r.Title, &summary, &fullContent, &keyFindings, &rating, &embeddingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan community report: %w", err)
	}
	r.CommunityID = communityID.String
	r.Summary = summary.String
	r.FullContent = fullContent.String
	r.Rating = rating.Float64
	r.EmbeddingID = embeddingID.String
	if keyFindings.Valid && keyFindings.String != "" {
		_ = json.Unmarshal([]byte(keyFindings.String), &r.KeyFindings)
	}
	return &r, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
