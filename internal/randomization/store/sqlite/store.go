// Package sqlite runs the list backend on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"trialrand/internal/randomization/store/sqlstore"
)

// Open opens the database file at path (":memory:" for a private in-memory
// database). SQLite serializes writers, so the pool is capped at one
// connection and claims queue behind each other.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// New returns the list backend for scheme.
func New(db *sql.DB, scheme string) *sqlstore.Store {
	return sqlstore.New(db, Dialect{}, scheme)
}

// Dialect implements sqlstore.Dialect.
type Dialect struct{}

func (Dialect) Rebind(query string) string { return query }

func (Dialect) IsUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func (Dialect) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + sqlstore.Table + ` (
			id                 TEXT PRIMARY KEY,
			scheme             TEXT NOT NULL,
			site_name          TEXT NOT NULL,
			sid                INTEGER NOT NULL CHECK (sid > 0),
			assignment         TEXT NOT NULL,
			allocation_value   TEXT NOT NULL,
			allocated          BOOLEAN NOT NULL DEFAULT 0,
			subject_identifier TEXT,
			allocated_at       TIMESTAMP,
			allocated_by       TEXT NOT NULL DEFAULT '',
			allocated_site     TEXT NOT NULL DEFAULT '',
			verified           BOOLEAN NOT NULL DEFAULT 0,
			verified_at        TIMESTAMP,
			verified_by        TEXT NOT NULL DEFAULT '',
			UNIQUE (scheme, site_name, sid),
			UNIQUE (scheme, subject_identifier)
		)`,
		`CREATE INDEX IF NOT EXISTS randomization_list_unclaimed
			ON ` + sqlstore.Table + ` (scheme, site_name, sid) WHERE allocated = 0`,
	}
}
