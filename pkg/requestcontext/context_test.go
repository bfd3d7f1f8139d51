package requestcontext

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAccessors(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, SystemActor, Actor(ctx))
	assert.Empty(t, RequestID(ctx))
	assert.Empty(t, Client(ctx))

	fixed := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	ctx = WithActor(ctx, "coordinator")
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithClient(ctx, "Firefox on Linux")
	ctx = WithTime(ctx, fixed)

	assert.Equal(t, "coordinator", Actor(ctx))
	assert.Equal(t, "req-1", RequestID(ctx))
	assert.Equal(t, "Firefox on Linux", Client(ctx))
	assert.Equal(t, fixed, Now(ctx))
}

func TestActor_EmptyFallsBackToSystem(t *testing.T) {
	ctx := WithActor(context.Background(), "")
	assert.Equal(t, SystemActor, Actor(ctx))
}
