package database

import (
	"context"
	"testing"
	"time"

	"flocksync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEntry(key string, data string, now time.Time, ttl time.Duration) *models.CacheEntry {
	return &models.CacheEntry{
		Key:        key,
		Data:       []byte(data),
		Size:       int64(len(data)),
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
		AccessedAt: now,
	}
}

func TestCacheEntries(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	e, err := db.GetEntry(ctx, "events-list")
	require.NoError(t, err)
	assert.Nil(t, e)

	require.NoError(t, db.PutEntry(ctx, newEntry("events-list", `[{"id":1}]`, now, 5*time.Second)))
	e, err = db.GetEntry(ctx, "events-list")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, []byte(`[{"id":1}]`), e.Data)
	assert.Equal(t, int64(10), e.Size)
	assert.True(t, now.Add(5*time.Second).Equal(e.ExpiresAt))

	// Upsert replaces data and size.
	require.NoError(t, db.PutEntry(ctx, newEntry("events-list", `[]`, now, time.Minute)))
	e, err = db.GetEntry(ctx, "events-list")
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.Size)

	touched := now.Add(time.Second)
	require.NoError(t, db.TouchEntry(ctx, "events-list", touched))
	e, err = db.GetEntry(ctx, "events-list")
	require.NoError(t, err)
	assert.True(t, touched.Equal(e.AccessedAt))

	require.NoError(t, db.DeleteEntry(ctx, "events-list"))
	e, err = db.GetEntry(ctx, "events-list")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestCacheBatchAndStats(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, db.PutEntries(ctx, []*models.CacheEntry{
		newEntry("events:1", "aaaa", now, time.Minute),
		newEntry("events:2", "bb", now.Add(time.Second), time.Minute),
		newEntry("events_x", "c", now.Add(2*time.Second), time.Minute),
		newEntry("groups:1", "dddddd", now.Add(3*time.Second), -time.Second),
	}))

	stats, err := db.CacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.CacheStats{Items: 4, Bytes: 13}, stats)

	oldest, err := db.OldestAccessed(ctx, 2)
	require.NoError(t, err)
	require.Len(t, oldest, 2)
	assert.Equal(t, "events:1", oldest[0].Key)
	assert.Equal(t, int64(4), oldest[0].Size)
	assert.Equal(t, "events:2", oldest[1].Key)

	// Underscore in the prefix is literal, not a LIKE wildcard.
	n, err := db.DeletePrefix(ctx, "events_")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = db.DeletePrefix(ctx, "events:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, db.PutEntry(ctx, newEntry("people:1", "e", now, time.Hour)))

	n, err = db.DeleteExpired(ctx, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err = db.CacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.CacheStats{Items: 1, Bytes: 1}, stats)

	require.NoError(t, db.ClearCache(ctx))
	stats, err = db.CacheStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Items)
	assert.Zero(t, stats.Bytes)
}
