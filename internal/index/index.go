// Package index maintains the local relational cache: a queryable sqlite
// projection of note and folder metadata.
//
// The index is never a source of truth. It is fed by the document cache
// manager's callbacks on load, apply and merge, and can be dropped and
// rebuilt from the sync directory at any time. Lists and search in the UI
// query this cache instead of replaying CRDT logs.
//
// The database runs embedded (ncruces/go-sqlite3, wasm-backed, cgo-free)
// with WAL mode so readers are not blocked by the sync daemon's writes.
package index

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// NoteMeta is the projected metadata of one note.
type NoteMeta struct {
	ID         string
	Title      string
	FolderID   string
	ModifiedAt time.Time
	Deleted    bool
}

// FolderMeta is the projected metadata of one folder.
type FolderMeta struct {
	ID       string
	Name     string
	ParentID string
}

// DB wraps the metadata cache database.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (or creates) the metadata cache at path and ensures the schema
// exists. The caller must Close() when done.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping cache database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := db.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS notes (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		folder_id TEXT NOT NULL DEFAULT '',
		modified_at INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS folders (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		parent_id TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_notes_folder ON notes(folder_id);
	CREATE INDEX IF NOT EXISTS idx_notes_modified ON notes(modified_at);
	CREATE INDEX IF NOT EXISTS idx_notes_deleted ON notes(deleted);
	`
	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize cache schema: %w", err)
	}
	return nil
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint cache WAL: %v\n", err)
	}
	err := db.conn.Close()
	db.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close cache database: %w", err)
	}
	return nil
}

// UpsertNote inserts or updates a note's projected metadata.
func (db *DB) UpsertNote(meta NoteMeta) error {
	deleted := 0
	if meta.Deleted {
		deleted = 1
	}
	_, err := db.conn.Exec(`
		INSERT INTO notes (id, title, folder_id, modified_at, deleted)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			folder_id = excluded.folder_id,
			modified_at = excluded.modified_at,
			deleted = excluded.deleted`,
		meta.ID, meta.Title, meta.FolderID, meta.ModifiedAt.UnixMilli(), deleted)
	if err != nil {
		return fmt.Errorf("failed to upsert note %s: %w", meta.ID, err)
	}
	return nil
}

// UpsertFolder inserts or updates a folder's projected metadata.
func (db *DB) UpsertFolder(meta FolderMeta) error {
	_, err := db.conn.Exec(`
		INSERT INTO folders (id, name, parent_id)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			parent_id = excluded.parent_id`,
		meta.ID, meta.Name, meta.ParentID)
	if err != nil {
		return fmt.Errorf("failed to upsert folder %s: %w", meta.ID, err)
	}
	return nil
}

// GetNote returns one note's metadata.
func (db *DB) GetNote(id string) (NoteMeta, error) {
	row := db.conn.QueryRow(
		"SELECT id, title, folder_id, modified_at, deleted FROM notes WHERE id = ?", id)
	return scanNote(row)
}

// ListNotes returns all non-deleted notes, most recently modified first.
func (db *DB) ListNotes() ([]NoteMeta, error) {
	rows, err := db.conn.Query(`
		SELECT id, title, folder_id, modified_at, deleted
		FROM notes WHERE deleted = 0
		ORDER BY modified_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	defer rows.Close()

	var notes []NoteMeta
	for rows.Next() {
		meta, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, meta)
	}
	return notes, rows.Err()
}

// NoteCount returns the number of non-deleted notes.
func (db *DB) NoteCount() (int, error) {
	var n int
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM notes WHERE deleted = 0").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count notes: %w", err)
	}
	return n, nil
}

// Rebuild replaces the entire projection in one transaction.
//
// Used after attaching a sync directory or when the cache is suspected
// stale; the engine re-projects every document and hands the result here.
func (db *DB) Rebuild(notes []NoteMeta, folders []FolderMeta) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM notes"); err != nil {
		return fmt.Errorf("failed to clear notes: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM folders"); err != nil {
		return fmt.Errorf("failed to clear folders: %w", err)
	}

	for _, meta := range notes {
		deleted := 0
		if meta.Deleted {
			deleted = 1
		}
		if _, err := tx.Exec(
			"INSERT INTO notes (id, title, folder_id, modified_at, deleted) VALUES (?, ?, ?, ?, ?)",
			meta.ID, meta.Title, meta.FolderID, meta.ModifiedAt.UnixMilli(), deleted); err != nil {
			return fmt.Errorf("failed to insert note %s: %w", meta.ID, err)
		}
	}
	for _, meta := range folders {
		if _, err := tx.Exec(
			"INSERT INTO folders (id, name, parent_id) VALUES (?, ?, ?)",
			meta.ID, meta.Name, meta.ParentID); err != nil {
			return fmt.Errorf("failed to insert folder %s: %w", meta.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rebuild: %w", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanNote(row scannable) (NoteMeta, error) {
	var meta NoteMeta
	var millis int64
	var deleted int
	if err := row.Scan(&meta.ID, &meta.Title, &meta.FolderID, &millis, &deleted); err != nil {
		return NoteMeta{}, fmt.Errorf("failed to scan note: %w", err)
	}
	meta.ModifiedAt = time.UnixMilli(millis).UTC()
	meta.Deleted = deleted == 1
	return meta, nil
}
