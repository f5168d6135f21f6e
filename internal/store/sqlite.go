package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	"github.com/kimhsiao/driftsync/internal/errors"
	_ "modernc.org/sqlite"
)

// SQLite is the production Store backend. Values are snappy-compressed
// JSON blobs; the (collection, entity_type, entity_id) index serves the
// queue's per-entity grouping during compaction.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the store database under dataDir.
// The database is opened with WAL mode and a single writer, which is all
// SQLite supports anyway.
func OpenSQLite(dataDir string) (*SQLite, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "driftsync.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS records (
		collection  TEXT NOT NULL,
		key         TEXT NOT NULL,
		entity_type TEXT NOT NULL DEFAULT '',
		entity_id   TEXT NOT NULL DEFAULT '',
		value       BLOB NOT NULL,
		updated_at  INTEGER NOT NULL,
		PRIMARY KEY (collection, key)
	);
	CREATE INDEX IF NOT EXISTS idx_records_entity
		ON records (collection, entity_type, entity_id);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Get returns the record stored under (collection, key).
func (s *SQLite) Get(collection, key string) (*Record, error) {
	row := s.db.QueryRow(
		"SELECT key, entity_type, entity_id, value FROM records WHERE collection = ? AND key = ?",
		collection, key)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrNotFound, "record not found")
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStore, "get failed", err)
	}
	return rec, nil
}

// Put upserts a record atomically.
func (s *SQLite) Put(collection string, rec *Record) error {
	value := snappy.Encode(nil, rec.Value)
	_, err := s.db.Exec(`
		INSERT INTO records (collection, key, entity_type, entity_id, value, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, key) DO UPDATE SET
			entity_type = excluded.entity_type,
			entity_id   = excluded.entity_id,
			value       = excluded.value,
			updated_at  = excluded.updated_at`,
		collection, rec.Key, rec.EntityType, rec.EntityID, value, time.Now().UnixMilli())
	if err != nil {
		return errors.Wrap(errors.ErrStore, "put failed", err)
	}
	return nil
}

// Delete removes a record. Deleting a missing key is not an error.
func (s *SQLite) Delete(collection, key string) error {
	_, err := s.db.Exec("DELETE FROM records WHERE collection = ? AND key = ?", collection, key)
	if err != nil {
		return errors.Wrap(errors.ErrStore, "delete failed", err)
	}
	return nil
}

// GetAll returns every record in a collection, ordered by key.
func (s *SQLite) GetAll(collection string) ([]*Record, error) {
	rows, err := s.db.Query(
		"SELECT key, entity_type, entity_id, value FROM records WHERE collection = ? ORDER BY key",
		collection)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStore, "list failed", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// GetByEntity returns records referencing the given entity, ordered by key.
func (s *SQLite) GetByEntity(collection, entityType, entityID string) ([]*Record, error) {
	rows, err := s.db.Query(`
		SELECT key, entity_type, entity_id, value FROM records
		WHERE collection = ? AND entity_type = ? AND entity_id = ?
		ORDER BY key`,
		collection, entityType, entityID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStore, "entity lookup failed", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var compressed []byte
	if err := row.Scan(&rec.Key, &rec.EntityType, &rec.EntityID, &compressed); err != nil {
		return nil, err
	}

	value, err := snappy.Decode(nil, compressed)
	if err != nil {
		// A record we cannot decompress is corrupt on its own; callers
		// treat this as permanent for that key only.
		return nil, errors.Wrap(errors.ErrStoreRecord, "record decompression failed", err)
	}
	rec.Value = value
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrStore, "row iteration failed", err)
	}
	return out, nil
}
