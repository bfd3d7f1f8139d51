//go:build integration

package postgres_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"trialrand/internal/randomization/ports"
	"trialrand/internal/randomization/store/postgres"
	"trialrand/internal/randomization/store/storetest"
	"trialrand/pkg/testutil/containers"
)

func TestPostgresStoreContract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg := containers.GetManager().GetPostgres(t)

	for _, driver := range []string{postgres.DriverPQ, postgres.DriverPGX} {
		t.Run(driver, func(t *testing.T) {
			db, err := postgres.Open(context.Background(), driver, pg.DSN)
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			require.NoError(t, postgres.New(db, "migrate").Migrate(context.Background()))

			suite.Run(t, &storetest.Suite{NewStore: newStore(db)})
		})
	}
}

// Each test gets its own scheme partition of the shared table.
func newStore(db *sql.DB) func(*testing.T) ports.RecordStore {
	return func(*testing.T) ports.RecordStore {
		return postgres.New(db, "scheme-"+uuid.NewString())
	}
}
