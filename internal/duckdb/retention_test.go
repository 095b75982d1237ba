package duckdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/beacon/internal/model"
)

func TestRetentionCleaner_StopIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	cleaner := NewRetentionCleaner(store, RetentionConfig{RetentionDays: 1})
	require.NotNil(t, cleaner)

	cleaner.Stop()
	cleaner.Stop()
}

func TestRetentionCleaner_DisabledReturnsNil(t *testing.T) {
	store := newTestStore(t)
	assert.Nil(t, NewRetentionCleaner(store, RetentionConfig{RetentionDays: 0}))
}

func TestRetentionCleaner_StartupCleanupDeletesExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	store.now = func() time.Time { return now.Add(-72 * time.Hour) }
	_, err := store.Append(ctx, "t", model.Notification{Type: "USER"})
	require.NoError(t, err)
	require.NoError(t, store.SaveEvents(ctx, []model.StatusEvent{testEvent("run-old", "STARTING", 1)}))

	store.now = func() time.Time { return now }
	fresh, err := store.Append(ctx, "t", model.Notification{Type: "USER"})
	require.NoError(t, err)

	cleaner := NewRetentionCleaner(store, RetentionConfig{RetentionDays: 1})
	require.NotNil(t, cleaner)
	defer cleaner.Stop()

	got, err := store.Fetch(ctx, "t", "", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, fresh, got[0].ID)

	evs, err := store.RecentEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, evs)
}
