package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trialrand/pkg/platform/audit"
	"trialrand/pkg/platform/audit/store/memory"
	"trialrand/pkg/requestcontext"
)

func TestPublisher_SyncMode(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	err := pub.Emit(context.Background(), audit.Event{
		Scheme:    "main",
		RecordKey: "SiteA.1",
		Action:    audit.ActionRecordClaimed,
	})
	require.NoError(t, err)

	events, err := store.ListByRecord(context.Background(), "main", "SiteA.1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionRecordClaimed, events[0].Action)
	assert.Equal(t, audit.CategoryCompliance, events[0].Category)
	assert.NotEmpty(t, events[0].ID)
}

func TestPublisher_AsyncDrainsOnClose(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(4))

	for range 25 {
		err := pub.Emit(context.Background(), audit.Event{Scheme: "main", RecordKey: "SiteA.1", Action: audit.ActionRecordCreated})
		require.NoError(t, err)
	}
	pub.Close()

	events, err := store.ListAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 25, "all events should be drained on close")
}

func TestPublisher_AsyncConcurrentEmitters(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(1))

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pub.Emit(context.Background(), audit.Event{Action: audit.ActionRecordVerified})
		}()
	}
	wg.Wait()
	pub.Close()

	events, err := store.ListAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 20, "a full buffer applies backpressure instead of dropping")
}

func TestPublisher_StampsFromRequestContext(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithTime(context.Background(), fixed)
	ctx = requestcontext.WithActor(ctx, "coordinator")
	ctx = requestcontext.WithRequestID(ctx, "req-42")
	ctx = requestcontext.WithClient(ctx, "Chrome on Mac OS X")

	require.NoError(t, pub.Emit(ctx, audit.Event{Action: audit.ActionListVerified}))

	events, err := store.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, fixed, events[0].Timestamp)
	assert.Equal(t, "coordinator", events[0].Actor)
	assert.Equal(t, "req-42", events[0].RequestID)
	assert.Equal(t, "Chrome on Mac OS X", events[0].Client)
	assert.Equal(t, audit.CategoryOperations, events[0].Category)
}

func TestPublisher_EmitAfterClose(t *testing.T) {
	pub := NewPublisher(memory.NewInMemoryStore(), WithAsyncBuffer(1))
	pub.Close()
	pub.Close()

	err := pub.Emit(context.Background(), audit.Event{Action: audit.ActionRecordCreated})
	assert.True(t, errors.Is(err, ErrClosed))
}
