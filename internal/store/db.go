// Package store provides the transactional document store the sync engine
// reconciles into.
//
// The store is an embedded SQLite database (WAL mode) holding one generic
// documents table. Documents have a stable identity, a kind tag and a JSON
// field bag; queries are field-equality over the JSON columns. Entity
// strategies never touch SQL directly, they consume the Store interface.
//
// Architecture:
//   - Database file: ghbridge.db (one per deployment, all workspaces)
//   - WAL mode: concurrent readers during writes
//   - Tables: documents (this package), sync_records (internal/ledger)
//   - Change notifications: in-process subscriptions, fired after commit
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection shared by the document store and the ledger.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist it is created; schema initialization is a
// separate step (InitSchema).
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	connStr := path
	if path != ":memory:" {
		connStr = fmt.Sprintf("file:%s", path)
	}
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if path == ":memory:" {
		// Each pooled connection would get its own private in-memory
		// database; a single connection keeps one coherent database.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	db := &DB{
		conn: conn,
		path: path,
	}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
// The ledger package uses this to manage its own table on the same file.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if db.path != ":memory:" {
		_, _ = db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	err := db.conn.Close()
	db.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// InitSchema creates the documents table and indexes if they don't exist.
func (db *DB) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id          TEXT PRIMARY KEY,
		workspace   TEXT NOT NULL,
		kind        TEXT NOT NULL,
		fields      TEXT NOT NULL DEFAULT '{}',
		created_by  TEXT NOT NULL DEFAULT '',
		modified_by TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL,
		modified_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_documents_workspace_kind
		ON documents(workspace, kind);
	CREATE INDEX IF NOT EXISTS idx_documents_modified
		ON documents(workspace, modified_at);
	`
	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to create documents schema: %w", err)
	}
	return nil
}
