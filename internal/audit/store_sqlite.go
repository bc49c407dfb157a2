package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ArchiveStore persists mirrored audit entries to SQLite. It is the durable
// sink behind cmd/auditd; the table is insert-only.
type ArchiveStore struct {
	db *sql.DB
}

// OpenArchive opens (and if needed initializes) a SQLite archive at path.
func OpenArchive(path string) (*ArchiveStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit archive: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_entries (
			id            TEXT PRIMARY KEY,
			entity_type   TEXT NOT NULL,
			entity_id     TEXT NOT NULL,
			action        TEXT NOT NULL,
			actor         TEXT NOT NULL,
			timestamp     TEXT NOT NULL,
			details       TEXT NOT NULL,
			previous_hash TEXT NOT NULL,
			hash          TEXT NOT NULL,
			archived_at   TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_entries(entity_type, entity_id);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit archive: %w", err)
	}

	return &ArchiveStore{db: db}, nil
}

// Append inserts one entry. Re-delivered entries are ignored by id.
func (s *ArchiveStore) Append(ctx context.Context, e *Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO audit_entries
			(id, entity_type, entity_id, action, actor, timestamp, details, previous_hash, hash, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.EntityType, e.EntityID, e.Action, e.Actor,
		e.Timestamp.Format(time.RFC3339Nano), e.Details, e.PreviousHash, e.Hash,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to archive audit entry: %w", err)
	}
	return nil
}

// Recent returns the most recently archived entries, newest first.
func (s *ArchiveStore) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, action, actor, timestamp, details, previous_hash, hash
		FROM audit_entries
		ORDER BY timestamp DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit archive: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var ts string
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.Actor, &ts, &e.Details, &e.PreviousHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse audit timestamp: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database.
func (s *ArchiveStore) Close() error {
	return s.db.Close()
}
