package repository

import (
	"context"
	"testing"
	"time"

	"flocksync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(key, data string, at time.Time, ttl time.Duration) *models.CacheEntry {
	return &models.CacheEntry{
		Key:        key,
		Data:       []byte(data),
		Size:       int64(len(data)),
		ExpiresAt:  at.Add(ttl),
		CreatedAt:  at,
		AccessedAt: at,
	}
}

func TestMemoryCacheStore(t *testing.T) {
	repo := NewMemoryCacheStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("PutAndGet", func(t *testing.T) {
		e := entry("events-list", "abc", now, time.Minute)
		require.NoError(t, repo.PutEntry(ctx, e))

		// Caller mutation must not leak into the store.
		e.Data[0] = 'z'

		got, err := repo.GetEntry(ctx, "events-list")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, []byte("abc"), got.Data)

		missing, err := repo.GetEntry(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("TouchAndOldest", func(t *testing.T) {
		require.NoError(t, repo.PutEntries(ctx, []*models.CacheEntry{
			entry("b", "bb", now.Add(time.Second), time.Minute),
			entry("c", "ccc", now.Add(2*time.Second), time.Minute),
		}))
		require.NoError(t, repo.TouchEntry(ctx, "events-list", now.Add(time.Hour)))

		oldest, err := repo.OldestAccessed(ctx, 2)
		require.NoError(t, err)
		require.Len(t, oldest, 2)
		assert.Equal(t, "b", oldest[0].Key)
		assert.Equal(t, "c", oldest[1].Key)
		assert.Nil(t, oldest[0].Data)
	})

	t.Run("Stats", func(t *testing.T) {
		stats, err := repo.CacheStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.CacheStats{Items: 3, Bytes: 8}, stats)
	})

	t.Run("DeleteExpiredAndPrefix", func(t *testing.T) {
		n, err := repo.DeleteExpired(ctx, now.Add(time.Minute+time.Millisecond))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = repo.DeletePrefix(ctx, "events")
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		require.NoError(t, repo.DeleteEntry(ctx, "b"))
		require.NoError(t, repo.ClearCache(ctx))
		stats, err := repo.CacheStats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.Items)
	})
}
