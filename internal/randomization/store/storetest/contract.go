// Package storetest holds the behavioural contract every ports.RecordStore
// backend must satisfy. Backends run it from their own tests:
//
//	suite.Run(t, &storetest.Suite{NewStore: func(t *testing.T) ports.RecordStore { ... }})
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"trialrand/internal/randomization/models"
	"trialrand/internal/randomization/ports"
	"trialrand/pkg/platform/sentinel"
)

// Suite is the shared backend contract. NewStore must return an empty,
// isolated store for every test.
type Suite struct {
	suite.Suite
	NewStore func(t *testing.T) ports.RecordStore

	store ports.RecordStore
	ctx   context.Context
}

// Now is a fixed, microsecond-precision timestamp that survives every
// backend's time encoding.
var Now = time.Date(2024, 3, 1, 9, 30, 0, 123000, time.UTC)

func (s *Suite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.NewStore(s.T())
}

// Record builds an unclaimed record with a fresh id.
func Record(site string, sid int, arm models.Assignment) models.ListRecord {
	return models.NewListRecord(uuid.NewString(), models.Row{
		SiteName:        site,
		SequenceID:      sid,
		Assignment:      arm,
		AllocationValue: fmt.Sprintf("%s-%d-%s", site, sid, arm),
	})
}

func claimFor(subject string) models.Claim {
	return models.Claim{SubjectIdentifier: subject, Actor: "coordinator", Site: "site-id-1", At: Now}
}

func (s *Suite) load(records ...models.ListRecord) {
	s.Require().NoError(s.store.Insert(s.ctx, records))
}

// =============================================================================
// Insert
// =============================================================================

func (s *Suite) TestInsertRejectsExistingKey() {
	s.load(Record("SiteA", 1, models.AssignmentActive))

	err := s.store.Insert(s.ctx, []models.ListRecord{Record("SiteA", 1, models.AssignmentPlacebo)})
	s.Require().ErrorIs(err, sentinel.ErrConflict)
}

// Justification: a rejected batch must leave nothing behind, otherwise a
// corrected reload collides with its own partial first attempt.
func (s *Suite) TestInsertIsAllOrNothing() {
	s.load(Record("SiteA", 1, models.AssignmentActive))

	err := s.store.Insert(s.ctx, []models.ListRecord{
		Record("SiteB", 1, models.AssignmentActive),
		Record("SiteA", 1, models.AssignmentPlacebo),
	})
	s.Require().ErrorIs(err, sentinel.ErrConflict)

	_, err = s.store.FindBySID(s.ctx, "SiteB", 1)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *Suite) TestInsertRejectsKeyRepeatedInBatch() {
	err := s.store.Insert(s.ctx, []models.ListRecord{
		Record("SiteA", 1, models.AssignmentActive),
		Record("SiteA", 1, models.AssignmentPlacebo),
	})
	s.Require().ErrorIs(err, sentinel.ErrConflict)

	records, err := s.store.Records(s.ctx)
	s.Require().NoError(err)
	s.Empty(records)
}

// =============================================================================
// NextUnclaimed
// =============================================================================

func (s *Suite) TestNextUnclaimedReturnsSmallestSequenceID() {
	s.load(
		Record("SiteA", 3, models.AssignmentActive),
		Record("SiteA", 1, models.AssignmentPlacebo),
		Record("SiteA", 2, models.AssignmentActive),
		Record("SiteB", 1, models.AssignmentActive),
	)

	rec, err := s.store.NextUnclaimed(s.ctx, "SiteA")
	s.Require().NoError(err)
	s.Equal(1, rec.SequenceID)
	s.Equal("SiteA", rec.SiteName)
	s.Equal(models.AssignmentPlacebo, rec.Assignment)
	s.False(rec.Allocated)
}

func (s *Suite) TestNextUnclaimedSkipsClaimedRows() {
	first := Record("SiteA", 1, models.AssignmentActive)
	s.load(first, Record("SiteA", 2, models.AssignmentPlacebo))

	_, err := s.store.Claim(s.ctx, first.ID, claimFor("sub-001"))
	s.Require().NoError(err)

	rec, err := s.store.NextUnclaimed(s.ctx, "SiteA")
	s.Require().NoError(err)
	s.Equal(2, rec.SequenceID)
}

func (s *Suite) TestNextUnclaimedNotFound() {
	s.Run("unknown site", func() {
		_, err := s.store.NextUnclaimed(s.ctx, "Nowhere")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("exhausted site", func() {
		only := Record("SiteA", 1, models.AssignmentActive)
		s.load(only)
		_, err := s.store.Claim(s.ctx, only.ID, claimFor("sub-001"))
		s.Require().NoError(err)

		_, err = s.store.NextUnclaimed(s.ctx, "SiteA")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

// =============================================================================
// Claim
// =============================================================================

func (s *Suite) TestClaimWritesAllocationMetadata() {
	rec := Record("SiteA", 1, models.AssignmentActive)
	s.load(rec)

	claimed, err := s.store.Claim(s.ctx, rec.ID, claimFor("sub-001"))
	s.Require().NoError(err)
	s.True(claimed.Allocated)
	s.Equal("sub-001", claimed.SubjectIdentifier)
	s.Equal("coordinator", claimed.AllocatedBy)
	s.Equal("site-id-1", claimed.AllocatedSite)
	s.Require().NotNil(claimed.AllocatedAt)
	s.True(Now.Equal(*claimed.AllocatedAt))

	// immutable fields untouched
	s.Equal(rec.Assignment, claimed.Assignment)
	s.Equal(rec.AllocationValue, claimed.AllocationValue)
	s.Equal(rec.SequenceID, claimed.SequenceID)
}

func (s *Suite) TestClaimTwiceReportsAlreadyUsed() {
	rec := Record("SiteA", 1, models.AssignmentActive)
	s.load(rec)

	_, err := s.store.Claim(s.ctx, rec.ID, claimFor("sub-001"))
	s.Require().NoError(err)

	_, err = s.store.Claim(s.ctx, rec.ID, claimFor("sub-002"))
	s.ErrorIs(err, sentinel.ErrAlreadyUsed)

	got, err := s.store.FindBySID(s.ctx, "SiteA", 1)
	s.Require().NoError(err)
	s.Equal("sub-001", got.SubjectIdentifier)
}

func (s *Suite) TestClaimRejectsSubjectHoldingAnotherRecord() {
	a := Record("SiteA", 1, models.AssignmentActive)
	b := Record("SiteA", 2, models.AssignmentPlacebo)
	s.load(a, b)

	_, err := s.store.Claim(s.ctx, a.ID, claimFor("sub-001"))
	s.Require().NoError(err)

	_, err = s.store.Claim(s.ctx, b.ID, claimFor("sub-001"))
	s.ErrorIs(err, sentinel.ErrConflict)

	got, err := s.store.FindBySID(s.ctx, "SiteA", 2)
	s.Require().NoError(err)
	s.False(got.Allocated)
}

func (s *Suite) TestClaimUnknownRecord() {
	_, err := s.store.Claim(s.ctx, uuid.NewString(), claimFor("sub-001"))
	s.ErrorIs(err, sentinel.ErrNotFound)
}

// Justification: the compare-and-set is the only thing standing between two
// enrollments and one treatment kit.
func (s *Suite) TestConcurrentClaimsHaveOneWinner() {
	rec := Record("SiteA", 1, models.AssignmentActive)
	s.load(rec)
	const goroutines = 20

	var wg sync.WaitGroup
	var wins, lost atomic.Int32
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, err := s.store.Claim(s.ctx, rec.ID, claimFor(fmt.Sprintf("sub-%03d", idx)))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, sentinel.ErrAlreadyUsed):
				lost.Add(1)
			}
		}(i)
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load())
	s.Equal(int32(goroutines-1), lost.Load())
}

// =============================================================================
// Lookups
// =============================================================================

func (s *Suite) TestFindBySubject() {
	rec := Record("SiteA", 4, models.AssignmentPlacebo)
	s.load(rec)
	_, err := s.store.Claim(s.ctx, rec.ID, claimFor("sub-004"))
	s.Require().NoError(err)

	got, err := s.store.FindBySubject(s.ctx, "sub-004")
	s.Require().NoError(err)
	s.Equal(rec.ID, got.ID)
	s.Equal(4, got.SequenceID)

	_, err = s.store.FindBySubject(s.ctx, "sub-unknown")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *Suite) TestFindBySID() {
	rec := Record("SiteA", 4, models.AssignmentPlacebo)
	s.load(rec)

	got, err := s.store.FindBySID(s.ctx, "SiteA", 4)
	s.Require().NoError(err)
	s.Equal(rec.ID, got.ID)
	s.Equal(rec.AllocationValue, got.AllocationValue)

	_, err = s.store.FindBySID(s.ctx, "SiteA", 5)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *Suite) TestRecordsOrderedBySiteThenSequence() {
	s.load(
		Record("SiteB", 2, models.AssignmentActive),
		Record("SiteA", 2, models.AssignmentActive),
		Record("SiteB", 1, models.AssignmentPlacebo),
		Record("SiteA", 1, models.AssignmentPlacebo),
	)

	records, err := s.store.Records(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(records, 4)
	var keys []string
	for _, r := range records {
		keys = append(keys, r.Key().String())
	}
	s.Equal([]string{"SiteA.1", "SiteA.2", "SiteB.1", "SiteB.2"}, keys)
}

// =============================================================================
// Verification
// =============================================================================

func (s *Suite) TestMarkVerifiedLifecycle() {
	rec := Record("SiteA", 1, models.AssignmentActive)
	s.load(rec)
	verifiedAt := Now.Add(time.Hour)

	s.Run("before allocation", func() {
		_, err := s.store.MarkVerified(s.ctx, rec.ID, "monitor", verifiedAt)
		s.ErrorIs(err, sentinel.ErrInvalidState)
	})

	s.Run("after allocation", func() {
		_, err := s.store.Claim(s.ctx, rec.ID, claimFor("sub-001"))
		s.Require().NoError(err)

		got, err := s.store.MarkVerified(s.ctx, rec.ID, "monitor", verifiedAt)
		s.Require().NoError(err)
		s.True(got.Verified)
		s.Equal("monitor", got.VerifiedBy)
		s.Require().NotNil(got.VerifiedAt)
		s.True(verifiedAt.Equal(*got.VerifiedAt))
		s.Equal("sub-001", got.SubjectIdentifier)
	})

	s.Run("twice", func() {
		_, err := s.store.MarkVerified(s.ctx, rec.ID, "monitor", verifiedAt)
		s.ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("unknown record", func() {
		_, err := s.store.MarkVerified(s.ctx, uuid.NewString(), "monitor", verifiedAt)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}
