package registry

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"trialrand/internal/randomization/models"
	"trialrand/internal/randomization/store"
	"trialrand/internal/randomization/store/memory"
	"trialrand/internal/site"
	dErrors "trialrand/pkg/domain-errors"
	"trialrand/pkg/platform/audit"
	"trialrand/pkg/platform/audit/publisher"
	auditmemory "trialrand/pkg/platform/audit/store/memory"
	"trialrand/pkg/requestcontext"
)

type RegistrySuite struct {
	suite.Suite
	ctx    context.Context
	logger *slog.Logger
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}

func (s *RegistrySuite) SetupTest() {
	s.ctx = context.Background()
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

// listStore loads a two-row list declared with a total of total rows.
func (s *RegistrySuite) listStore(name string, total int, policy models.Policy) *store.ListStore {
	scheme := models.Scheme{
		Name:   name,
		Policy: policy,
		Distribution: models.Distribution{
			Total:  total,
			Ratios: map[models.Assignment]int{models.AssignmentActive: 1, models.AssignmentPlacebo: 1},
		},
	}
	ls, err := store.New(scheme, memory.New(), site.Static{"SiteA": "10"}, store.WithLogger(s.logger))
	s.Require().NoError(err)
	s.Require().NoError(ls.Load(s.ctx, []models.Row{
		{SiteName: "SiteA", SequenceID: 1, Assignment: models.AssignmentActive, AllocationValue: "1"},
		{SiteName: "SiteA", SequenceID: 2, Assignment: models.AssignmentPlacebo, AllocationValue: "2"},
	}))
	return ls
}

// =============================================================================
// Register / Get
// =============================================================================

func (s *RegistrySuite) TestRegisterAndGet() {
	reg := New(WithLogger(s.logger))
	registered, err := reg.Register(s.ctx, Registration{Store: s.listStore("main", 2, models.Policy{})})
	s.Require().NoError(err)

	got, err := reg.Get("main")
	s.Require().NoError(err)
	s.Same(registered, got)

	res, err := got.Allocate(s.ctx, "SiteA", "sub-001", "coordinator", time.Now())
	s.Require().NoError(err)
	s.Equal("main", res.Scheme)
}

func (s *RegistrySuite) TestRegisterTwiceFails() {
	reg := New(WithLogger(s.logger))
	_, err := reg.Register(s.ctx, Registration{Store: s.listStore("main", 2, models.Policy{})})
	s.Require().NoError(err)

	_, err = reg.Register(s.ctx, Registration{Store: s.listStore("main", 2, models.Policy{})})
	s.True(dErrors.Is(err, dErrors.CodeDuplicateScheme))
}

func (s *RegistrySuite) TestConcurrentRegistrationHasOneWinner() {
	reg := New(WithLogger(s.logger))
	stores := []*store.ListStore{
		s.listStore("main", 2, models.Policy{}),
		s.listStore("main", 2, models.Policy{}),
		s.listStore("main", 2, models.Policy{}),
	}

	var wg sync.WaitGroup
	errs := make([]error, len(stores))
	for i, ls := range stores {
		wg.Add(1)
		go func(idx int, ls *store.ListStore) {
			defer wg.Done()
			_, errs[idx] = reg.Register(s.ctx, Registration{Store: ls})
		}(i, ls)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		s.True(dErrors.Is(err, dErrors.CodeDuplicateScheme))
	}
	s.Equal(1, ok)
}

func (s *RegistrySuite) TestGetUnknownScheme() {
	_, err := New().Get("missing")
	s.True(dErrors.Is(err, dErrors.CodeUnknownScheme))

	_, err = New().Entry("missing")
	s.True(dErrors.Is(err, dErrors.CodeUnknownScheme))
}

// =============================================================================
// Verification policy
// =============================================================================

func (s *RegistrySuite) TestLenientPolicyRegistersWithFindings() {
	reg := New(WithLogger(s.logger))
	_, err := reg.Register(s.ctx, Registration{Store: s.listStore("main", 10, models.Policy{})})
	s.Require().NoError(err)

	entry, err := reg.Entry("main")
	s.Require().NoError(err)
	s.NotEmpty(entry.Findings)
}

func (s *RegistrySuite) TestStrictPolicyRejectsList() {
	reg := New(WithLogger(s.logger))
	_, err := reg.Register(s.ctx, Registration{Store: s.listStore("main", 10, models.Policy{Strict: true})})
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeListRejected))
	s.Contains(err.Error(), "expected 10 rows, found 2")
	s.Empty(reg.Names())
}

func (s *RegistrySuite) TestStrictPolicyComparesSource() {
	reg := New(WithLogger(s.logger))
	source := []models.Row{
		{SiteName: "SiteA", SequenceID: 1, Assignment: models.AssignmentPlacebo, AllocationValue: "1"},
		{SiteName: "SiteA", SequenceID: 2, Assignment: models.AssignmentActive, AllocationValue: "2"},
	}
	_, err := reg.Register(s.ctx, Registration{
		Store:  s.listStore("main", 2, models.Policy{Strict: true}),
		Source: source,
	})
	s.True(dErrors.Is(err, dErrors.CodeListRejected))
	s.Contains(err.Error(), "differ from the source")
}

func (s *RegistrySuite) TestRegistrationIsAudited() {
	sink := auditmemory.NewInMemoryStore()
	reg := New(WithLogger(s.logger), WithAuditPublisher(publisher.NewPublisher(sink)))
	ctx := requestcontext.WithActor(s.ctx, "operator")

	_, err := reg.Register(ctx, Registration{Store: s.listStore("main", 2, models.Policy{Strict: true})})
	s.Require().NoError(err)
	_, err = reg.Register(ctx, Registration{Store: s.listStore("broken", 10, models.Policy{Strict: true})})
	s.Require().Error(err)

	events, err := sink.ListAll(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	byScheme := map[string]audit.Event{}
	for _, e := range events {
		s.Equal(audit.ActionListVerified, e.Action)
		s.Equal("operator", e.Actor)
		byScheme[e.Scheme] = e
	}
	s.Equal("accepted", byScheme["main"].FieldChanges["outcome"])
	s.Equal("0", byScheme["main"].FieldChanges["findings"])
	s.Equal("rejected", byScheme["broken"].FieldChanges["outcome"])
	s.Contains(byScheme["broken"].FieldChanges["checks"], "L001")
}

// Justification: a policy flipped to strict at runtime must stop allocation
// from a list that was only accepted because the policy was lenient.
func (s *RegistrySuite) TestHotReloadedStrictPolicyBlocksAllocation() {
	reg := New(WithLogger(s.logger))
	_, err := reg.Register(s.ctx, Registration{Store: s.listStore("main", 10, models.Policy{})})
	s.Require().NoError(err)

	s.Require().NoError(reg.UpdatePolicy("main", models.Policy{Strict: true}))
	_, err = reg.Get("main")
	s.True(dErrors.Is(err, dErrors.CodeListRejected))

	entry, err := reg.Entry("main")
	s.Require().NoError(err)
	s.True(entry.Scheme.Policy.Strict)

	s.Require().NoError(reg.RecordFindings(s.ctx, "main", nil))
	_, err = reg.Get("main")
	s.NoError(err)

	s.True(dErrors.Is(reg.UpdatePolicy("missing", models.Policy{}), dErrors.CodeUnknownScheme))
	s.True(dErrors.Is(reg.RecordFindings(s.ctx, "missing", nil), dErrors.CodeUnknownScheme))
}

func (s *RegistrySuite) TestEntriesOrderedByName() {
	reg := New(WithLogger(s.logger))
	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, err := reg.Register(s.ctx, Registration{Store: s.listStore(name, 2, models.Policy{})})
		s.Require().NoError(err)
	}
	s.Equal([]string{"alpha", "mid", "zeta"}, reg.Names())

	entries := reg.Entries()
	s.Require().Len(entries, 3)
	s.Equal("alpha", entries[0].Scheme.Name)
	s.NotNil(entries[0].Randomizer)
	s.NotNil(entries[0].Store)
}

// =============================================================================
// Dispatch by scheme name
// =============================================================================

func (s *RegistrySuite) TestDispatchByName() {
	reg := New(WithLogger(s.logger))
	_, err := reg.Register(s.ctx, Registration{Store: s.listStore("main", 2, models.Policy{})})
	s.Require().NoError(err)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	res, err := reg.Allocate(s.ctx, "main", "SiteA", "sub-001", "coordinator", at)
	s.Require().NoError(err)
	s.Equal(1, res.SequenceID)

	found, err := reg.Lookup(s.ctx, "main", "sub-001")
	s.Require().NoError(err)
	s.Equal(res.SequenceID, found.SequenceID)

	rec, err := reg.Verify(s.ctx, "main", "SiteA", 1, "monitor", at.Add(time.Hour))
	s.Require().NoError(err)
	s.True(rec.Verified)
	s.Equal("monitor", rec.VerifiedBy)

	_, err = reg.Allocate(s.ctx, "other", "SiteA", "sub-002", "coordinator", at)
	s.True(dErrors.Is(err, dErrors.CodeUnknownScheme))
	_, err = reg.Lookup(s.ctx, "other", "sub-001")
	s.True(dErrors.Is(err, dErrors.CodeUnknownScheme))
}

func (s *RegistrySuite) TestBlockedStrictSchemeStillResolvesLookups() {
	reg := New(WithLogger(s.logger))
	_, err := reg.Register(s.ctx, Registration{Store: s.listStore("main", 2, models.Policy{Strict: true})})
	s.Require().NoError(err)
	_, err = reg.Allocate(s.ctx, "main", "SiteA", "sub-001", "coordinator", time.Now())
	s.Require().NoError(err)

	s.Require().NoError(reg.RecordFindings(s.ctx, "main", []models.Finding{{ID: "randomization.L008", Message: "drift"}}))

	_, err = reg.Allocate(s.ctx, "main", "SiteA", "sub-002", "coordinator", time.Now())
	s.True(dErrors.Is(err, dErrors.CodeListRejected))

	found, err := reg.Lookup(s.ctx, "main", "sub-001")
	s.Require().NoError(err)
	s.Equal("sub-001", found.SubjectIdentifier)
}
