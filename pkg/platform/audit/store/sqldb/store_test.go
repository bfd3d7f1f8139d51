package sqldb

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	audit "trialrand/pkg/platform/audit"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s := New(db, nil)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()), "migrate is idempotent")
	return s
}

func TestAppendAndList(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	claimed := audit.Event{
		ID:           "evt-2",
		Category:     audit.CategoryCompliance,
		Timestamp:    at.Add(time.Minute),
		Scheme:       "main",
		RecordKey:    "SiteA/1",
		Action:       audit.ActionRecordClaimed,
		Actor:        "coordinator",
		FieldChanges: map[string]string{"allocated": "true", "subject_identifier": "S-001"},
		RequestID:    "req-1",
		Client:       "Firefox 128 (Linux x86_64)",
	}
	created := audit.Event{
		ID:        "evt-1",
		Category:  audit.CategoryCompliance,
		Timestamp: at,
		Scheme:    "main",
		RecordKey: "SiteA/1",
		Action:    audit.ActionRecordCreated,
	}
	other := audit.Event{ID: "evt-3", Timestamp: at, Scheme: "other", Action: audit.ActionListVerified}

	require.NoError(t, s.Append(ctx, claimed))
	require.NoError(t, s.Append(ctx, created))
	require.NoError(t, s.Append(ctx, other))
	require.NoError(t, s.Append(ctx, claimed), "replays are ignored")

	events, err := s.ListByScheme(ctx, "main")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "evt-1", events[0].ID)
	assert.Nil(t, events[0].FieldChanges)
	got := events[1]
	assert.True(t, claimed.Timestamp.Equal(got.Timestamp))
	got.Timestamp = claimed.Timestamp
	assert.Equal(t, claimed, got)
}
