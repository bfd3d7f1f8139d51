// Package sqlstore implements ports.RecordStore on database/sql. Dialects
// supply placeholder style, schema and constraint error detection.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trialrand/internal/randomization/models"
	"trialrand/pkg/platform/sentinel"
)

// Table holds every scheme's list; rows are partitioned by the scheme column.
const Table = "randomization_list"

// Dialect adapts the shared queries to one database engine.
type Dialect interface {
	// Rebind rewrites '?' placeholders into the engine's style.
	Rebind(query string) string
	// IsUniqueViolation reports whether err came from a unique constraint.
	IsUniqueViolation(err error) bool
	// Schema returns idempotent DDL statements creating Table.
	Schema() []string
}

// BulkInserter is implemented by dialects with a faster multi-row insert
// than one statement per record.
type BulkInserter interface {
	BulkInsert(ctx context.Context, tx *sql.Tx, scheme string, records []models.ListRecord) error
}

// Store is a list backend for a single scheme.
type Store struct {
	db      *sql.DB
	dialect Dialect
	scheme  string
}

func New(db *sql.DB, dialect Dialect, scheme string) *Store {
	return &Store{db: db, dialect: dialect, scheme: scheme}
}

// Migrate creates the list table when missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

const selectColumns = `id, site_name, sid, assignment, allocation_value,
	allocated, subject_identifier, allocated_at, allocated_by, allocated_site,
	verified, verified_at, verified_by`

func (s *Store) Insert(ctx context.Context, records []models.ListRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if bulk, ok := s.dialect.(BulkInserter); ok {
		err = bulk.BulkInsert(ctx, tx, s.scheme, records)
	} else {
		err = s.insertEach(ctx, tx, records)
	}
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("insert list rows: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("insert list rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

func (s *Store) insertEach(ctx context.Context, tx *sql.Tx, records []models.ListRecord) error {
	stmt, err := tx.PrepareContext(ctx, s.dialect.Rebind(`INSERT INTO `+Table+`
		(id, scheme, site_name, sid, assignment, allocation_value, allocated, allocated_by, allocated_site, verified, verified_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', '', ?, '')`))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.ID, s.scheme, r.SiteName, r.SequenceID,
			string(r.Assignment), r.AllocationValue, false, false); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) NextUnclaimed(ctx context.Context, siteName string) (*models.ListRecord, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+selectColumns+` FROM `+Table+`
		WHERE scheme = ? AND site_name = ? AND allocated = ?
		ORDER BY sid ASC LIMIT 1`), s.scheme, siteName, false)
	return scanRecord(row)
}

// Claim is a guarded update: only a row that is still unallocated matches,
// so concurrent writers serialize on the row and exactly one succeeds.
func (s *Store) Claim(ctx context.Context, recordID string, claim models.Claim) (*models.ListRecord, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`UPDATE `+Table+`
		SET allocated = ?, subject_identifier = ?, allocated_at = ?, allocated_by = ?, allocated_site = ?
		WHERE scheme = ? AND id = ? AND allocated = ?`),
		true, claim.SubjectIdentifier, claim.At.UTC(), claim.Actor, claim.Site,
		s.scheme, recordID, false)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return nil, fmt.Errorf("subject %s: %w", claim.SubjectIdentifier, sentinel.ErrConflict)
		}
		return nil, fmt.Errorf("claim record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim record: %w", err)
	}
	rec, err := s.findByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, sentinel.ErrAlreadyUsed
	}
	return rec, nil
}

func (s *Store) MarkVerified(ctx context.Context, recordID, actor string, at time.Time) (*models.ListRecord, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`UPDATE `+Table+`
		SET verified = ?, verified_at = ?, verified_by = ?
		WHERE scheme = ? AND id = ? AND allocated = ? AND verified = ?`),
		true, at.UTC(), actor, s.scheme, recordID, true, false)
	if err != nil {
		return nil, fmt.Errorf("verify record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("verify record: %w", err)
	}
	rec, err := s.findByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if !rec.Allocated {
			return nil, sentinel.ErrInvalidState
		}
		return nil, sentinel.ErrConflict
	}
	return rec, nil
}

func (s *Store) FindBySubject(ctx context.Context, subject string) (*models.ListRecord, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+selectColumns+` FROM `+Table+`
		WHERE scheme = ? AND subject_identifier = ?`), s.scheme, subject)
	return scanRecord(row)
}

func (s *Store) FindBySID(ctx context.Context, siteName string, sequenceID int) (*models.ListRecord, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+selectColumns+` FROM `+Table+`
		WHERE scheme = ? AND site_name = ? AND sid = ?`), s.scheme, siteName, sequenceID)
	return scanRecord(row)
}

func (s *Store) Records(ctx context.Context) ([]models.ListRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`SELECT `+selectColumns+` FROM `+Table+`
		WHERE scheme = ? ORDER BY site_name ASC, sid ASC`), s.scheme)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []models.ListRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return out, nil
}

func (s *Store) findByID(ctx context.Context, recordID string) (*models.ListRecord, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+selectColumns+` FROM `+Table+`
		WHERE scheme = ? AND id = ?`), s.scheme, recordID)
	return scanRecord(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*models.ListRecord, error) {
	var (
		rec         models.ListRecord
		assignment  string
		subject     sql.NullString
		allocatedAt sql.NullTime
		verifiedAt  sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.SiteName, &rec.SequenceID, &assignment, &rec.AllocationValue,
		&rec.Allocated, &subject, &allocatedAt, &rec.AllocatedBy, &rec.AllocatedSite,
		&rec.Verified, &verifiedAt, &rec.VerifiedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan record: %w", err)
	}
	rec.Assignment = models.Assignment(assignment)
	rec.SubjectIdentifier = subject.String
	if allocatedAt.Valid {
		t := allocatedAt.Time.UTC()
		rec.AllocatedAt = &t
	}
	if verifiedAt.Valid {
		t := verifiedAt.Time.UTC()
		rec.VerifiedAt = &t
	}
	return &rec, nil
}
