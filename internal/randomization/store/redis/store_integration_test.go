//go:build integration

package redis_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"trialrand/internal/randomization/ports"
	"trialrand/internal/randomization/store/redis"
	"trialrand/internal/randomization/store/storetest"
	"trialrand/pkg/testutil/containers"
)

func TestRedisStoreContract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	rc := containers.GetManager().GetRedis(t)

	suite.Run(t, &storetest.Suite{NewStore: func(*testing.T) ports.RecordStore {
		return redis.New(rc.Client, "scheme-"+uuid.NewString())
	}})
}
