// Package db provides the SQLite-backed task store: tasks,
// invocations, and the append-only budget ledger, in one WAL-mode file at
// the configured db_path.
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// schemaType namespaces migration filenames; Orca has exactly one schema,
// "orca", but the {type}_NNN.sql convention is kept so a second logical
// database (if one is ever needed) can share this runner.
const schemaType = "orca"

// DB wraps the single SQLite connection backing the task store. All
// writes to orca_status-bearing rows go through the scheduler; all writes
// to tracker-sourced fields go through tracker sync — this package
// enforces neither rule itself, it only stores.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (creating if absent) the SQLite database at path, enabling
// foreign keys and WAL journaling enabled.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := conn.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
	`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	return &DB{conn: conn, path: path}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error { return d.conn.Close() }

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Conn returns the underlying *sql.DB for callers that need a transaction
// spanning more than one statement (e.g. closing an invocation and
// appending its BudgetEvent atomically).
func (d *DB) Conn() *sql.DB { return d.conn }

// Migrate applies every pending schema/orca_NNN.sql migration in order,
// recording each applied version in _migrations so reruns are no-ops.
func (d *DB) Migrate() error {
	if _, err := d.conn.Exec(`
		CREATE TABLE IF NOT EXISTS _migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT DEFAULT (datetime('now'))
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := d.conn.Query("SELECT version FROM _migrations")
	if err != nil {
		return fmt.Errorf("query migrations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate migrations: %w", err)
	}

	entries, err := schemaFS.ReadDir("schema")
	if err != nil {
		return fmt.Errorf("read schema dir: %w", err)
	}

	var migrations []string
	prefix := schemaType + "_"
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".sql") {
			migrations = append(migrations, e.Name())
		}
	}
	sort.Strings(migrations)

	for _, name := range migrations {
		version := extractVersion(name, prefix)
		if applied[version] {
			continue
		}

		content, err := schemaFS.ReadFile("schema/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := d.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.Exec("INSERT INTO _migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}

	return nil
}

// extractVersion parses the version number out of a migration filename,
// e.g. "orca_001.sql" with prefix "orca_" returns 1.
func extractVersion(name, prefix string) int {
	s := strings.TrimPrefix(name, prefix)
	s = strings.TrimSuffix(s, ".sql")
	var v int
	fmt.Sscanf(s, "%d", &v)
	return v
}
