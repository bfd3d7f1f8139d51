// Package postgres runs the list backend on PostgreSQL through either the
// lib/pq or the pgx driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"trialrand/internal/randomization/models"
	"trialrand/internal/randomization/store/sqlstore"
)

const (
	DriverPQ  = "postgres"
	DriverPGX = "pgx"

	uniqueViolation = "23505"
)

// Open connects with the named driver and pings the server.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	if driver == "" {
		driver = DriverPQ
	}
	if driver != DriverPQ && driver != DriverPGX {
		return nil, fmt.Errorf("unsupported postgres driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// New returns the list backend for scheme.
func New(db *sql.DB, scheme string) *sqlstore.Store {
	return sqlstore.New(db, Dialect{}, scheme)
}

// Dialect implements sqlstore.Dialect and sqlstore.BulkInserter.
type Dialect struct{}

func (Dialect) Rebind(query string) string { return sqlstore.RebindDollar(query) }

func (Dialect) IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
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
			allocated          BOOLEAN NOT NULL DEFAULT FALSE,
			subject_identifier TEXT,
			allocated_at       TIMESTAMPTZ,
			allocated_by       TEXT NOT NULL DEFAULT '',
			allocated_site     TEXT NOT NULL DEFAULT '',
			verified           BOOLEAN NOT NULL DEFAULT FALSE,
			verified_at        TIMESTAMPTZ,
			verified_by        TEXT NOT NULL DEFAULT '',
			UNIQUE (scheme, site_name, sid),
			UNIQUE (scheme, subject_identifier)
		)`,
		`CREATE INDEX IF NOT EXISTS randomization_list_unclaimed
			ON ` + sqlstore.Table + ` (scheme, site_name, sid) WHERE NOT allocated`,
	}
}

// BulkInsert loads the whole batch in one statement by unnesting parallel
// arrays.
func (Dialect) BulkInsert(ctx context.Context, tx *sql.Tx, scheme string, records []models.ListRecord) error {
	n := len(records)
	ids := make([]string, n)
	schemes := make([]string, n)
	sites := make([]string, n)
	sids := make([]int64, n)
	arms := make([]string, n)
	values := make([]string, n)
	for i, r := range records {
		ids[i] = r.ID
		schemes[i] = scheme
		sites[i] = r.SiteName
		sids[i] = int64(r.SequenceID)
		arms[i] = string(r.Assignment)
		values[i] = r.AllocationValue
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO `+sqlstore.Table+`
		(id, scheme, site_name, sid, assignment, allocation_value)
		SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::bigint[], $5::text[], $6::text[])`,
		pq.Array(ids), pq.Array(schemes), pq.Array(sites), pq.Array(sids), pq.Array(arms), pq.Array(values))
	return err
}
