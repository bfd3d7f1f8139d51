package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"trialrand/internal/randomization/metrics"
	"trialrand/internal/randomization/models"
	"trialrand/internal/randomization/store/memory"
	"trialrand/internal/site"
	dErrors "trialrand/pkg/domain-errors"
	"trialrand/pkg/platform/audit"
	auditmemory "trialrand/pkg/platform/audit/store/memory"
	"trialrand/pkg/requestcontext"
)

type failingPublisher struct{}

func (failingPublisher) Emit(context.Context, audit.Event) error {
	return errors.New("sink unavailable")
}

type ListStoreSuite struct {
	suite.Suite
	ctx     context.Context
	backend *memory.InMemoryStore
	events  *auditmemory.InMemoryStore
	store   *ListStore
	now     time.Time
}

func TestListStoreSuite(t *testing.T) {
	suite.Run(t, new(ListStoreSuite))
}

func (s *ListStoreSuite) SetupTest() {
	s.ctx = requestcontext.WithActor(context.Background(), "loader")
	s.backend = memory.New()
	s.events = auditmemory.NewInMemoryStore()
	s.now = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

	var err error
	s.store, err = New(models.Scheme{Name: "main"}, s.backend, site.Static{"SiteA": "10", "SiteB": "20"},
		WithAuditPublisher(auditPublisher{s.events}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	s.Require().NoError(err)
}

// auditPublisher appends directly, without the stamping publisher.
type auditPublisher struct{ store audit.Store }

func (p auditPublisher) Emit(ctx context.Context, e audit.Event) error { return p.store.Append(ctx, e) }

func rows() []models.Row {
	return []models.Row{
		{SiteName: "SiteA", SequenceID: 1, Assignment: models.AssignmentActive, AllocationValue: "A1"},
		{SiteName: "SiteA", SequenceID: 2, Assignment: models.AssignmentPlacebo, AllocationValue: "A2"},
	}
}

// =============================================================================
// Constructor
// =============================================================================

func (s *ListStoreSuite) TestNewRequiresCollaborators() {
	_, err := New(models.Scheme{Name: "main"}, nil, site.Static{})
	s.ErrorContains(err, "record store is required")

	_, err = New(models.Scheme{Name: "main"}, memory.New(), nil)
	s.ErrorContains(err, "site directory is required")

	_, err = New(models.Scheme{}, memory.New(), site.Static{})
	s.Error(err)
}

// =============================================================================
// Load
// =============================================================================

func (s *ListStoreSuite) TestLoadRejectsMalformedRows() {
	cases := []struct {
		name string
		row  models.Row
		msg  string
	}{
		{"non-positive sequence id", models.Row{SiteName: "SiteA", SequenceID: 0, Assignment: models.AssignmentActive}, "sequence id must be positive"},
		{"assignment outside enumeration", models.Row{SiteName: "SiteA", SequenceID: 1, Assignment: "verum"}, `assignment "verum"`},
		{"unknown site", models.Row{SiteName: "SiteZ", SequenceID: 1, Assignment: models.AssignmentActive}, `unknown site "SiteZ"`},
		{"missing site", models.Row{SequenceID: 1, Assignment: models.AssignmentActive}, "site name is required"},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			err := s.store.Load(s.ctx, append(rows(), tc.row))
			s.Require().Error(err)
			s.True(dErrors.Is(err, dErrors.CodeMalformedRow), err.Error())
			s.Contains(err.Error(), "row 3")
			s.Contains(err.Error(), tc.msg)

			records, err := s.store.Records(s.ctx)
			s.Require().NoError(err)
			s.Empty(records, "nothing is written for a rejected list")
		})
	}
}

func (s *ListStoreSuite) TestLoadRejectsDuplicateKeys() {
	s.Run("inside the batch", func() {
		batch := append(rows(), models.Row{SiteName: "SiteA", SequenceID: 1, Assignment: models.AssignmentPlacebo})
		err := s.store.Load(s.ctx, batch)
		s.True(dErrors.Is(err, dErrors.CodeDuplicateKey))
		s.Contains(err.Error(), "row 3: SiteA.1 repeats row 1")
	})

	s.Run("against rows already loaded", func() {
		s.Require().NoError(s.store.Load(s.ctx, rows()))
		err := s.store.Load(s.ctx, rows()[:1])
		s.True(dErrors.Is(err, dErrors.CodeDuplicateKey))
	})
}

func (s *ListStoreSuite) TestLoadEmitsCreationEventsWithoutSensitiveFields() {
	s.Require().NoError(s.store.Load(s.ctx, rows()))

	events, err := s.events.ListByRecord(s.ctx, "main", "SiteA.1")
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(audit.ActionRecordCreated, events[0].Action)
	s.Equal("1", events[0].FieldChanges["sequence_id"])
	s.NotContains(events[0].FieldChanges, "assignment")
	s.NotContains(events[0].FieldChanges, "allocation_value")
}

// =============================================================================
// Claim
// =============================================================================

func (s *ListStoreSuite) TestClaimResolvesSiteAndAudits() {
	s.Require().NoError(s.store.Load(s.ctx, rows()))
	next, err := s.store.NextUnclaimed(s.ctx, "SiteA")
	s.Require().NoError(err)

	rec, err := s.store.Claim(s.ctx, next.ID, "sub-001", "coordinator", "SiteA", s.now)
	s.Require().NoError(err)
	s.Equal("10", rec.AllocatedSite)

	events, err := s.events.ListByRecord(s.ctx, "main", "SiteA.1")
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	claimed := events[1]
	s.Equal(audit.ActionRecordClaimed, claimed.Action)
	s.Equal("coordinator", claimed.Actor)
	s.Equal(s.now, claimed.Timestamp)
	s.Equal("sub-001", claimed.FieldChanges["subject_identifier"])
	s.Equal("10", claimed.FieldChanges["allocated_site"])
	s.NotContains(claimed.FieldChanges, "assignment")
	s.NotContains(claimed.FieldChanges, "allocation_value")
}

func (s *ListStoreSuite) TestClaimTranslatesBackendFailures() {
	s.Require().NoError(s.store.Load(s.ctx, rows()))
	first, err := s.store.LookupBySID(s.ctx, "SiteA", 1)
	s.Require().NoError(err)
	second, err := s.store.LookupBySID(s.ctx, "SiteA", 2)
	s.Require().NoError(err)
	_, err = s.store.Claim(s.ctx, first.ID, "sub-001", "coordinator", "SiteA", s.now)
	s.Require().NoError(err)

	s.Run("lost race", func() {
		_, err := s.store.Claim(s.ctx, first.ID, "sub-002", "coordinator", "SiteA", s.now)
		s.True(dErrors.Is(err, dErrors.CodeAlreadyAllocated))
	})
	s.Run("subject already allocated", func() {
		_, err := s.store.Claim(s.ctx, second.ID, "sub-001", "coordinator", "SiteA", s.now)
		s.True(dErrors.Is(err, dErrors.CodeDuplicateSubject))
	})
	s.Run("unknown record", func() {
		_, err := s.store.Claim(s.ctx, "missing", "sub-009", "coordinator", "SiteA", s.now)
		s.True(dErrors.Is(err, dErrors.CodeNotFound))
	})
	s.Run("unknown site", func() {
		_, err := s.store.Claim(s.ctx, second.ID, "sub-009", "coordinator", "SiteZ", s.now)
		s.True(dErrors.Is(err, dErrors.CodeUnknownSite))
	})
	s.Run("empty subject", func() {
		_, err := s.store.Claim(s.ctx, second.ID, "", "coordinator", "SiteA", s.now)
		s.True(dErrors.Is(err, dErrors.CodeBadRequest))
	})
}

// Justification: the claim is already committed when the sink fails;
// surfacing the error would make the caller believe the subject is
// unallocated while the row is taken.
func (s *ListStoreSuite) TestAuditFailureDoesNotFailClaim() {
	m := metrics.New(prometheus.NewRegistry())
	store, err := New(models.Scheme{Name: "main"}, s.backend, site.Static{"SiteA": "10"},
		WithAuditPublisher(failingPublisher{}),
		WithMetrics(m),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	s.Require().NoError(err)
	s.Require().NoError(store.Load(s.ctx, rows()))

	next, err := store.NextUnclaimed(s.ctx, "SiteA")
	s.Require().NoError(err)
	rec, err := store.Claim(s.ctx, next.ID, "sub-001", "coordinator", "SiteA", s.now)
	s.Require().NoError(err)
	s.True(rec.Allocated)

	s.Equal(1.0, testutil.ToFloat64(m.AuditFailures.WithLabelValues(string(audit.ActionRecordClaimed))))
	s.Equal(2.0, testutil.ToFloat64(m.AuditFailures.WithLabelValues(string(audit.ActionRecordCreated))))
}

// =============================================================================
// NextUnclaimed / lookups
// =============================================================================

func (s *ListStoreSuite) TestNextUnclaimed() {
	s.Require().NoError(s.store.Load(s.ctx, rows()))

	s.Run("unknown site", func() {
		_, err := s.store.NextUnclaimed(s.ctx, "SiteZ")
		s.True(dErrors.Is(err, dErrors.CodeUnknownSite))
	})
	s.Run("known site without rows", func() {
		_, err := s.store.NextUnclaimed(s.ctx, "SiteB")
		s.True(dErrors.Is(err, dErrors.CodeNotFound))
	})
	s.Run("smallest sequence id", func() {
		rec, err := s.store.NextUnclaimed(s.ctx, "SiteA")
		s.Require().NoError(err)
		s.Equal(1, rec.SequenceID)
	})
}

func (s *ListStoreSuite) TestLookupsReportNotFound() {
	_, err := s.store.LookupBySubject(s.ctx, "sub-404")
	s.True(dErrors.Is(err, dErrors.CodeNotFound))

	_, err = s.store.LookupBySID(s.ctx, "SiteA", 404)
	s.True(dErrors.Is(err, dErrors.CodeNotFound))
	s.Contains(err.Error(), "SiteA.404")
}

// =============================================================================
// Verify
// =============================================================================

func (s *ListStoreSuite) TestVerifyLifecycle() {
	s.Require().NoError(s.store.Load(s.ctx, rows()))
	rec, err := s.store.LookupBySID(s.ctx, "SiteA", 1)
	s.Require().NoError(err)

	_, err = s.store.Verify(s.ctx, rec.ID, "monitor", s.now)
	s.True(dErrors.Is(err, dErrors.CodeInvalidState))

	_, err = s.store.Claim(s.ctx, rec.ID, "sub-001", "coordinator", "SiteA", s.now)
	s.Require().NoError(err)

	verified, err := s.store.Verify(s.ctx, rec.ID, "monitor", s.now.Add(time.Hour))
	s.Require().NoError(err)
	s.True(verified.Verified)

	_, err = s.store.Verify(s.ctx, rec.ID, "monitor", s.now)
	s.True(dErrors.Is(err, dErrors.CodeConflict))

	events, err := s.events.ListByRecord(s.ctx, "main", "SiteA.1")
	s.Require().NoError(err)
	s.Require().Len(events, 3)
	s.Equal(audit.ActionRecordVerified, events[2].Action)
	s.Equal("monitor", events[2].FieldChanges["verified_by"])
}
