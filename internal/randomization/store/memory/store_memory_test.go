package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"trialrand/internal/randomization/models"
	"trialrand/internal/randomization/ports"
	"trialrand/internal/randomization/store/storetest"
)

func TestInMemoryStoreContract(t *testing.T) {
	suite.Run(t, &storetest.Suite{NewStore: func(*testing.T) ports.RecordStore { return New() }})
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	store := New()
	rec := storetest.Record("SiteA", 1, models.AssignmentActive)
	require.NoError(t, store.Insert(ctx, []models.ListRecord{rec}))

	got, err := store.FindBySID(ctx, "SiteA", 1)
	require.NoError(t, err)
	got.Assignment = models.AssignmentPlacebo

	again, err := store.FindBySID(ctx, "SiteA", 1)
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentActive, again.Assignment)
}

// Claims at different sites only take their own site lock.
func TestClaimsAcrossSitesProceedIndependently(t *testing.T) {
	ctx := context.Background()
	store := New()
	const perSite = 50
	var records []models.ListRecord
	for _, site := range []string{"SiteA", "SiteB", "SiteC"} {
		for sid := 1; sid <= perSite; sid++ {
			records = append(records, storetest.Record(site, sid, models.AssignmentActive))
		}
	}
	require.NoError(t, store.Insert(ctx, records))

	var wg sync.WaitGroup
	for i, rec := range records {
		wg.Add(1)
		go func(idx int, id string) {
			defer wg.Done()
			claim := models.Claim{SubjectIdentifier: fmt.Sprintf("sub-%d", idx), At: storetest.Now}
			_, err := store.Claim(ctx, id, claim)
			assert.NoError(t, err)
		}(i, rec.ID)
	}
	wg.Wait()

	all, err := store.Records(ctx)
	require.NoError(t, err)
	for _, r := range all {
		assert.True(t, r.Allocated, r.Key().String())
	}
	for _, site := range []string{"SiteA", "SiteB", "SiteC"} {
		_, err := store.NextUnclaimed(ctx, site)
		assert.Error(t, err)
	}
}
