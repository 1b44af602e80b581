package store

import (
	"database/sql"
	"fmt"

	"memograph/internal/logging"
)

// RunMigrations adds columns introduced after the initial schema so existing
// databases keep working. All migrations are additive ALTER TABLE statements
// guarded by a column-existence check, so re-running is a no-op.
func RunMigrations(db *sql.DB) error {
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"memories", "last_refreshed_at", "ALTER TABLE memories ADD COLUMN last_refreshed_at INTEGER"},
		{"memories", "decay_rate", "ALTER TABLE memories ADD COLUMN decay_rate REAL"},
		{"memories", "decay_function", "ALTER TABLE memories ADD COLUMN decay_function TEXT"},
		{"memories", "confidence_floor", "ALTER TABLE memories ADD COLUMN confidence_floor REAL"},
		{"memories", "source_pr", "ALTER TABLE memories ADD COLUMN source_pr TEXT"},
		{"memories", "source_commit", "ALTER TABLE memories ADD COLUMN source_commit TEXT"},
		{"entities", "embedding_id", "ALTER TABLE entities ADD COLUMN embedding_id TEXT"},
		{"community_reports", "rating", "ALTER TABLE community_reports ADD COLUMN rating REAL"},
		{"community_reports", "embedding_id", "ALTER TABLE community_reports ADD COLUMN embedding_id TEXT"},
	}

	applied := 0
	for _, m := range migrations {
		exists, err := columnExists(db, m.table, m.column)
		if err != nil {
			return fmt.Errorf("migration check %s.%s: %w", m.table, m.column, err)
		}
		if exists {
			continue
		}
		if _, err := db.Exec(m.ddl); err != nil {
			return fmt.Errorf("migration %s.%s: %w", m.table, m.column, err)
		}
		applied++
	}

	if applied > 0 {
		logging.Store("Applied %d schema migrations", applied)
	}
	return nil
}

// columnExists checks table_info for the named column.
func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
