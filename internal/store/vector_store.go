package store

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"memograph/internal/logging"
)

// =============================================================================
// VECTOR STORE INTERFACE
// =============================================================================

// FilterKind selects how a filter condition matches a payload value.
type FilterKind int

const (
	// FilterMatch requires payload[key] == value.
	FilterMatch FilterKind = iota
	// FilterMatchAny requires payload[key] to intersect values. Scalar payload
	// values match when equal to any; array payload values match on overlap.
	FilterMatchAny
	// FilterRangeGTE requires payload[key] >= numeric value.
	FilterRangeGTE
)

// FilterCondition is one AND-clause of a vector search filter.
type FilterCondition struct {
	Kind   FilterKind
	Key    string
	Value  interface{}
	Values []string
	Min    float64
}

// VectorFilter is the conjunction of its conditions.
type VectorFilter struct {
	Conditions []FilterCondition
}

// VectorHit is one search result.
type VectorHit struct {
	ID       string
	Score    float64
	MemoryID string
	Payload  map[string]interface{}
}

// VectorStore indexes embeddings with attached JSON payloads.
// The default similarity is cosine; scores are comparable within one index.
type VectorStore interface {
	Initialize() error
	Upsert(id string, vector []float32, payload map[string]interface{}) error
	Search(vector []float32, filter *VectorFilter, limit int) ([]VectorHit, error)
	Delete(id string) error
	DeleteByMemoryID(memoryID string) error
	Close() error
}

// =============================================================================
// SQLITE IMPLEMENTATION
// =============================================================================

// SQLiteVectorStore stores embeddings as little-endian float32 blobs in the
// vectors table. Search ranks with sqlite-vec's vec_distance_cosine when the
// extension loaded, and falls back to a brute-force cosine scan in Go when it
// did not.
type SQLiteVectorStore struct {
	store *Store
}

// NewSQLiteVectorStore wraps the shared store handle.
func NewSQLiteVectorStore(s *Store) *SQLiteVectorStore {
	return &SQLiteVectorStore{store: s}
}

// Initialize is a no-op: the vectors table is created by Store.New.
func (v *SQLiteVectorStore) Initialize() error { return nil }

// Close is a no-op: the store owns the database handle.
func (v *SQLiteVectorStore) Close() error { return nil }

// Upsert writes or replaces a vector row.
func (v *SQLiteVectorStore) Upsert(id string, vector []float32, payload map[string]interface{}) error {
	if id == "" {
		return fmt.Errorf("vector id must not be empty")
	}
	if len(vector) == 0 {
		return fmt.Errorf("vector must not be empty")
	}

	payloadJSON := ""
	memoryID := ""
	if payload != nil {
		if mid, ok := payload["memoryId"].(string); ok {
			memoryID = mid
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		payloadJSON = string(data)
	}

	v.store.mu.Lock()
	defer v.store.mu.Unlock()

	_, err := v.store.db.Exec(`
		INSERT OR REPLACE INTO vectors (id, memory_id, payload, embedding)
		VALUES (?, ?, ?, ?)`,
		id, nullableString(memoryID), payloadJSON, encodeVector(vector),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert vector: %w", err)
	}
	return nil
}

// Search returns the top `limit` hits by cosine similarity, descending.
// With sqlite-vec loaded the distance ranking happens inside SQLite; payload
// filters are always evaluated in Go because payloads are opaque JSON.
func (v *SQLiteVectorStore) Search(vector []float32, filter *VectorFilter, limit int) ([]VectorHit, error) {
	timer := logging.StartTimer(logging.CategoryVector, "Search")
	defer timer.StopWithThreshold(50 * time.Millisecond)

	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector must not be empty")
	}
	if limit <= 0 {
		limit = 10
	}

	v.store.mu.RLock()
	defer v.store.mu.RUnlock()

	if v.store.HasVectorExtension() {
		hits, err := v.searchVec(vector, filter, limit)
		if err == nil {
			return hits, nil
		}
		logging.VectorDebug("vec search failed, falling back to linear scan: %v", err)
	}
	return v.searchLinear(vector, filter, limit)
}

// searchVec ranks with vec_distance_cosine in SQLite and streams rows in
// ascending distance, stopping once `limit` rows pass the payload filter.
// Cosine distance is 1 - similarity, so score = 1 - distance.
func (v *SQLiteVectorStore) searchVec(vector []float32, filter *VectorFilter, limit int) ([]VectorHit, error) {
	rows, err := v.store.db.Query(`
		SELECT id, memory_id, payload, vec_distance_cosine(embedding, ?) AS distance
		FROM vectors
		WHERE length(embedding) = ?
		ORDER BY distance ASC`,
		encodeVector(vector), len(vector)*4,
	)
	if err != nil {
		return nil, fmt.Errorf("vec search failed: %w", err)
	}
	defer rows.Close()

	var hits []VectorHit
	for rows.Next() {
		var (
			id          string
			memoryID    sql.NullString
			payloadJSON sql.NullString
			distance    float64
		)
		if err := rows.Scan(&id, &memoryID, &payloadJSON, &distance); err != nil {
			return nil, err
		}

		var payload map[string]interface{}
		if payloadJSON.Valid && payloadJSON.String != "" {
			_ = json.Unmarshal([]byte(payloadJSON.String), &payload)
		}
		if filter != nil && !filter.matches(payload) {
			continue
		}

		hits = append(hits, VectorHit{
			ID:       id,
			Score:    1 - distance,
			MemoryID: memoryID.String,
			Payload:  payload,
		})
		if len(hits) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	logging.VectorDebug("Vector search (vec): returned=%d", len(hits))
	return hits, nil
}

// searchLinear scans all vectors, applies the filter in Go, and sorts by
// cosine similarity.
func (v *SQLiteVectorStore) searchLinear(vector []float32, filter *VectorFilter, limit int) ([]VectorHit, error) {
	rows, err := v.store.db.Query("SELECT id, memory_id, payload, embedding FROM vectors")
	if err != nil {
		return nil, fmt.Errorf("failed to scan vectors: %w", err)
	}
	defer rows.Close()

	var hits []VectorHit
	scanned := 0
	for rows.Next() {
		var (
			id          string
			memoryID    sql.NullString
			payloadJSON sql.NullString
			blob        []byte
		)
		if err := rows.Scan(&id, &memoryID, &payloadJSON, &blob); err != nil {
			return nil, err
		}
		scanned++

		candidate, err := decodeVector(blob)
		if err != nil {
			logging.VectorDebug("Skipping vector %s: %v", id, err)
			continue
		}
		if len(candidate) != len(vector) {
			continue
		}

		var payload map[string]interface{}
		if payloadJSON.Valid && payloadJSON.String != "" {
			_ = json.Unmarshal([]byte(payloadJSON.String), &payload)
		}
		if filter != nil && !filter.matches(payload) {
			continue
		}

		score := cosine(vector, candidate)
		if math.IsNaN(score) {
			continue
		}
		hits = append(hits, VectorHit{
			ID:       id,
			Score:    score,
			MemoryID: memoryID.String,
			Payload:  payload,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}

	logging.VectorDebug("Vector search (linear): scanned=%d returned=%d", scanned, len(hits))
	return hits, nil
}

// Delete removes one vector row by id.
func (v *SQLiteVectorStore) Delete(id string) error {
	v.store.mu.Lock()
	defer v.store.mu.Unlock()

	if _, err := v.store.db.Exec("DELETE FROM vectors WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete vector: %w", err)
	}
	return nil
}

// DeleteByMemoryID removes all vector rows attached to a memory.
func (v *SQLiteVectorStore) DeleteByMemoryID(memoryID string) error {
	v.store.mu.Lock()
	defer v.store.mu.Unlock()

	if _, err := v.store.db.Exec("DELETE FROM vectors WHERE memory_id = ?", memoryID); err != nil {
		return fmt.Errorf("failed to delete vectors for memory: %w", err)
	}
	return nil
}

// =============================================================================
// FILTER EVALUATION
// =============================================================================

func (f *VectorFilter) matches(payload map[string]interface{}) bool {
	for _, c := range f.Conditions {
		if !c.matches(payload) {
			return false
		}
	}
	return true
}

func (c *FilterCondition) matches(payload map[string]interface{}) bool {
	if payload == nil {
		return false
	}
	val, ok := payload[c.Key]
	if !ok {
		return false
	}

	switch c.Kind {
	case FilterMatch:
		return fmt.Sprintf("%v", val) == fmt.Sprintf("%v", c.Value)

	case FilterMatchAny:
		switch pv := val.(type) {
		case string:
			for _, want := range c.Values {
				if pv == want {
					return true
				}
			}
		case []interface{}:
			for _, item := range pv {
				is, ok := item.(string)
				if !ok {
					continue
				}
				for _, want := range c.Values {
					if is == want {
						return true
					}
				}
			}
		}
		return false

	case FilterRangeGTE:
		num, ok := toFloat(val)
		return ok && num >= c.Min
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// =============================================================================
// VECTOR ENCODING
// =============================================================================

// encodeVector serialises to little-endian float32 bytes.
func encodeVector(v []float32) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, v)
	return buf.Bytes()
}

// decodeVector parses a little-endian float32 blob.
func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("malformed embedding blob: %d bytes", len(blob))
	}
	v := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &v); err != nil {
		return nil, fmt.Errorf("failed to decode embedding: %w", err)
	}
	return v, nil
}

func cosine(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
