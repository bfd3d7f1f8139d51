// Package store guards a list backend with the domain rules that hold for
// every backend: row validation, the site directory, translation of
// infrastructure sentinels into coded errors, and audit emission at each
// state transition.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"trialrand/internal/randomization/metrics"
	"trialrand/internal/randomization/models"
	"trialrand/internal/randomization/ports"
	dErrors "trialrand/pkg/domain-errors"
	"trialrand/pkg/platform/audit"
	"trialrand/pkg/platform/sentinel"
	"trialrand/pkg/requestcontext"
)

// ListStore is the scheme-bound list store used by the Randomizer.
type ListStore struct {
	scheme  models.Scheme
	records ports.RecordStore
	sites   ports.SiteDirectory
	audit   ports.AuditPublisher
	logger  *slog.Logger
	metrics *metrics.Metrics
	newID   func() string
}

type Option func(*ListStore)

func WithLogger(logger *slog.Logger) Option {
	return func(s *ListStore) {
		s.logger = logger
	}
}

// WithAuditPublisher enables audit events for every record transition.
func WithAuditPublisher(publisher ports.AuditPublisher) Option {
	return func(s *ListStore) {
		s.audit = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *ListStore) {
		s.metrics = m
	}
}

// WithIDGenerator overrides record id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *ListStore) {
		s.newID = fn
	}
}

func New(scheme models.Scheme, records ports.RecordStore, sites ports.SiteDirectory, opts ...Option) (*ListStore, error) {
	if records == nil {
		return nil, errors.New("record store is required")
	}
	if sites == nil {
		return nil, errors.New("site directory is required")
	}
	scheme = scheme.WithDefaults()
	if err := scheme.Validate(); err != nil {
		return nil, err
	}
	s := &ListStore{
		scheme:  scheme,
		records: records,
		sites:   sites,
		logger:  slog.Default(),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *ListStore) Scheme() models.Scheme {
	return s.scheme
}

// Load validates and bulk-inserts rows. Nothing is written unless every row
// is valid and no natural key collides.
func (s *ListStore) Load(ctx context.Context, rows []models.Row) error {
	if len(rows) == 0 {
		return nil
	}
	known := make(map[string]bool)
	seen := make(map[models.RecordKey]int, len(rows))
	records := make([]models.ListRecord, 0, len(rows))
	for i, row := range rows {
		line := i + 1
		if row.SiteName == "" {
			return dErrors.Newf(dErrors.CodeMalformedRow, "row %d: site name is required", line)
		}
		if row.SequenceID <= 0 {
			return dErrors.Newf(dErrors.CodeMalformedRow, "row %d: sequence id must be positive, got %d", line, row.SequenceID)
		}
		if !s.scheme.Allows(row.Assignment) {
			return dErrors.Newf(dErrors.CodeMalformedRow, "row %d: assignment %q is not in the scheme enumeration", line, row.Assignment)
		}
		exists, ok := known[row.SiteName]
		if !ok {
			var err error
			if exists, err = s.sites.Exists(ctx, row.SiteName); err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "site directory lookup failed")
			}
			known[row.SiteName] = exists
		}
		if !exists {
			return dErrors.Newf(dErrors.CodeMalformedRow, "row %d: unknown site %q", line, row.SiteName)
		}
		if prev, dup := seen[row.Key()]; dup {
			return dErrors.Newf(dErrors.CodeDuplicateKey, "row %d: %s repeats row %d", line, row.Key(), prev)
		}
		seen[row.Key()] = line
		records = append(records, models.NewListRecord(s.newID(), row))
	}

	if err := s.records.Insert(ctx, records); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return dErrors.Wrap(err, dErrors.CodeDuplicateKey, "list collides with rows already loaded")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load list")
	}

	for _, rec := range records {
		s.emit(ctx, audit.ActionRecordCreated, rec, "", time.Time{}, map[string]string{
			"site_name":   rec.SiteName,
			"sequence_id": strconv.Itoa(rec.SequenceID),
			"allocated":   "false",
		})
	}
	s.logger.InfoContext(ctx, "randomization list loaded",
		"scheme", s.scheme.Name,
		"rows", len(records),
		"sites", len(known),
	)
	return nil
}

// NextUnclaimed returns the unclaimed row with the smallest sequence id.
func (s *ListStore) NextUnclaimed(ctx context.Context, site string) (*models.ListRecord, error) {
	if _, err := s.resolveSite(ctx, site); err != nil {
		return nil, err
	}
	rec, err := s.records.NextUnclaimed(ctx, site)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "no unclaimed row at site %s", site)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read next unclaimed row")
	}
	return rec, nil
}

// Claim atomically allocates recordID to subject. The loser of a race gets
// CodeAlreadyAllocated.
func (s *ListStore) Claim(ctx context.Context, recordID, subject, actor, site string, at time.Time) (*models.ListRecord, error) {
	if subject == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "subject identifier is required")
	}
	siteID, err := s.resolveSite(ctx, site)
	if err != nil {
		return nil, err
	}
	rec, err := s.records.Claim(ctx, recordID, models.Claim{
		SubjectIdentifier: subject,
		Actor:             actor,
		Site:              siteID,
		At:                at,
	})
	if err != nil {
		switch {
		case errors.Is(err, sentinel.ErrAlreadyUsed):
			return nil, dErrors.Wrap(err, dErrors.CodeAlreadyAllocated, "row was claimed by another allocation")
		case errors.Is(err, sentinel.ErrConflict):
			return nil, dErrors.Newf(dErrors.CodeDuplicateSubject, "subject %s already holds an allocation", subject)
		case errors.Is(err, sentinel.ErrNotFound):
			return nil, dErrors.Newf(dErrors.CodeNotFound, "row %s not found", recordID)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to claim row")
	}

	s.emit(ctx, audit.ActionRecordClaimed, *rec, actor, at, map[string]string{
		"allocated":          "true",
		"subject_identifier": rec.SubjectIdentifier,
		"allocated_at":       at.UTC().Format(time.RFC3339Nano),
		"allocated_by":       actor,
		"allocated_site":     siteID,
	})
	return rec, nil
}

// Verify records the secondary confirmation of an allocated row.
func (s *ListStore) Verify(ctx context.Context, recordID, actor string, at time.Time) (*models.ListRecord, error) {
	rec, err := s.records.MarkVerified(ctx, recordID, actor, at)
	if err != nil {
		switch {
		case errors.Is(err, sentinel.ErrInvalidState):
			return nil, dErrors.New(dErrors.CodeInvalidState, "row must be allocated before verification")
		case errors.Is(err, sentinel.ErrConflict):
			return nil, dErrors.New(dErrors.CodeConflict, "row is already verified")
		case errors.Is(err, sentinel.ErrNotFound):
			return nil, dErrors.Newf(dErrors.CodeNotFound, "row %s not found", recordID)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to verify row")
	}

	s.emit(ctx, audit.ActionRecordVerified, *rec, actor, at, map[string]string{
		"verified":    "true",
		"verified_at": at.UTC().Format(time.RFC3339Nano),
		"verified_by": actor,
	})
	return rec, nil
}

func (s *ListStore) LookupBySubject(ctx context.Context, subject string) (*models.ListRecord, error) {
	rec, err := s.records.FindBySubject(ctx, subject)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "no allocation for subject %s", subject)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up subject")
	}
	return rec, nil
}

func (s *ListStore) LookupBySID(ctx context.Context, site string, sequenceID int) (*models.ListRecord, error) {
	rec, err := s.records.FindBySID(ctx, site, sequenceID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			key := models.RecordKey{SiteName: site, SequenceID: sequenceID}
			return nil, dErrors.Newf(dErrors.CodeNotFound, "row %s not found", key)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up row")
	}
	return rec, nil
}

// Records returns every row ordered by site then sequence id. Read-only.
func (s *ListStore) Records(ctx context.Context) ([]models.ListRecord, error) {
	recs, err := s.records.Records(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read list")
	}
	return recs, nil
}

func (s *ListStore) resolveSite(ctx context.Context, site string) (string, error) {
	exists, err := s.sites.Exists(ctx, site)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "site directory lookup failed")
	}
	if !exists {
		return "", dErrors.Newf(dErrors.CodeUnknownSite, "unknown site %q", site)
	}
	id, err := s.sites.ID(ctx, site)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, fmt.Sprintf("site directory has no id for %q", site))
	}
	return id, nil
}

// emit publishes a transition that has already been committed. Failure is
// logged and counted; the transition stands.
func (s *ListStore) emit(ctx context.Context, action audit.Action, rec models.ListRecord, actor string, at time.Time, changes map[string]string) {
	if s.audit == nil {
		return
	}
	err := s.audit.Emit(ctx, audit.Event{
		Timestamp:    at,
		Scheme:       s.scheme.Name,
		RecordKey:    rec.Key().String(),
		Action:       action,
		Actor:        actor,
		FieldChanges: changes,
	})
	if err != nil {
		s.metrics.IncrementAuditFailure(string(action))
		s.logger.ErrorContext(ctx, "audit emission failed",
			"scheme", s.scheme.Name,
			"record", rec.Key().String(),
			"action", string(action),
			"actor", requestcontext.Actor(ctx),
			"error", err,
		)
	}
}
