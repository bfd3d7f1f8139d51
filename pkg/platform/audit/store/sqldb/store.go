// Package sqldb appends audit events to a table in the list database, so the
// trail lives next to the rows it describes.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	audit "trialrand/pkg/platform/audit"
)

// Table is append-only; rows are never updated.
const Table = "audit_events"

// Store implements audit.Store on database/sql. Queries are written with '?'
// placeholders and passed through rebind.
type Store struct {
	db     *sql.DB
	rebind func(string) string
}

// New returns a store for db. rebind may be nil for engines that accept '?'.
func New(db *sql.DB, rebind func(string) string) *Store {
	if rebind == nil {
		rebind = func(q string) string { return q }
	}
	return &Store{db: db, rebind: rebind}
}

// Migrate creates the audit table when missing. The DDL is portable between
// PostgreSQL and SQLite.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + Table + ` (
			id            TEXT PRIMARY KEY,
			category      TEXT NOT NULL,
			occurred_at   TIMESTAMP NOT NULL,
			scheme        TEXT NOT NULL,
			record_key    TEXT NOT NULL DEFAULT '',
			action        TEXT NOT NULL,
			actor         TEXT NOT NULL DEFAULT '',
			field_changes TEXT NOT NULL DEFAULT '{}',
			request_id    TEXT NOT NULL DEFAULT '',
			client        TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS audit_events_scheme ON ` + Table + ` (scheme, occurred_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply audit schema: %w", err)
		}
	}
	return nil
}

// Append inserts the event. Replaying an event with a known ID is a no-op.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	changes := event.FieldChanges
	if changes == nil {
		changes = map[string]string{}
	}
	body, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("marshal field changes: %w", err)
	}
	query := s.rebind(`
		INSERT INTO ` + Table + ` (
			id, category, occurred_at, scheme, record_key, action,
			actor, field_changes, request_id, client
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`)
	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		string(event.Category),
		event.Timestamp.UTC(),
		event.Scheme,
		event.RecordKey,
		string(event.Action),
		event.Actor,
		string(body),
		event.RequestID,
		event.Client,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListByScheme returns the scheme's events oldest first.
func (s *Store) ListByScheme(ctx context.Context, scheme string) ([]audit.Event, error) {
	query := s.rebind(`
		SELECT id, category, occurred_at, scheme, record_key, action,
		       actor, field_changes, request_id, client
		FROM ` + Table + `
		WHERE scheme = ?
		ORDER BY occurred_at, id
	`)
	rows, err := s.db.QueryContext(ctx, query, scheme)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			e        audit.Event
			category string
			action   string
			at       time.Time
			changes  string
		)
		if err := rows.Scan(&e.ID, &category, &at, &e.Scheme, &e.RecordKey, &action,
			&e.Actor, &changes, &e.RequestID, &e.Client); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Category = audit.EventCategory(category)
		e.Action = audit.Action(action)
		e.Timestamp = at.UTC()
		if changes != "" && changes != "{}" {
			if err := json.Unmarshal([]byte(changes), &e.FieldChanges); err != nil {
				return nil, fmt.Errorf("decode field changes: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
