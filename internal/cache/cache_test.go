package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"flocksync/internal/database"
	"flocksync/internal/domain"
	"flocksync/internal/models"
	"flocksync/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// stores runs fn against every store backend that needs no external service.
func stores(t *testing.T, fn func(t *testing.T, store domain.CacheStore)) {
	t.Run("sqlite", func(t *testing.T) {
		logger := zerolog.New(io.Discard)
		db, err := database.NewDB(":memory:", &logger)
		require.NoError(t, err)
		defer db.Close()
		fn(t, db)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, repository.NewMemoryCacheStore())
	})
}

func newCache(store domain.CacheStore, opts Options) (*Cache, *clock) {
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(store, opts, nil, WithClock(clk.Now)), clk
}

func TestCache_TTL(t *testing.T) {
	stores(t, func(t *testing.T, store domain.CacheStore) {
		c, clk := newCache(store, Options{})
		ctx := context.Background()

		require.NoError(t, c.Set(ctx, "events-list", []byte(`[{"id":1}]`), 5000*time.Millisecond))

		clk.Advance(4 * time.Second)
		data, err := c.Get(ctx, "events-list")
		require.NoError(t, err)
		assert.Equal(t, []byte(`[{"id":1}]`), data)

		clk.Advance(2 * time.Second)
		_, err = c.Get(ctx, "events-list")
		assert.ErrorIs(t, err, ErrNotFound)

		// The expired entry was removed, not just hidden.
		e, err := store.GetEntry(ctx, "events-list")
		require.NoError(t, err)
		assert.Nil(t, e)
	})
}

func TestCache_DefaultTTL(t *testing.T) {
	stores(t, func(t *testing.T, store domain.CacheStore) {
		c, clk := newCache(store, Options{DefaultTTL: time.Minute})
		ctx := context.Background()

		require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
		e, err := store.GetEntry(ctx, "k")
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.True(t, clk.Now().Add(time.Minute).Equal(e.ExpiresAt))
	})
}

func TestCache_LRUEviction(t *testing.T) {
	stores(t, func(t *testing.T, store domain.CacheStore) {
		c, clk := newCache(store, Options{MaxBytes: 100})
		ctx := context.Background()

		value := []byte("0123456789")
		for i := 0; i < 10; i++ {
			require.NoError(t, c.Set(ctx, fmt.Sprintf("k%d", i), value, time.Hour))
			clk.Advance(time.Second)
		}

		// k0 and k1 become the most recently accessed.
		_, err := c.Get(ctx, "k0")
		require.NoError(t, err)
		clk.Advance(time.Second)
		_, err = c.Get(ctx, "k1")
		require.NoError(t, err)
		clk.Advance(time.Second)

		require.NoError(t, c.Set(ctx, "new", value, time.Hour))

		for _, key := range []string{"k2", "k3"} {
			_, err := c.Get(ctx, key)
			assert.ErrorIs(t, err, ErrNotFound, key)
		}
		for _, key := range []string{"k0", "k1", "k4", "k9", "new"} {
			_, err := c.Get(ctx, key)
			assert.NoError(t, err, key)
		}

		stats, err := c.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.CacheStats{Items: 9, Bytes: 90}, stats)
	})
}

func TestCache_TooLarge(t *testing.T) {
	c, _ := newCache(repository.NewMemoryCacheStore(), Options{MaxBytes: 4})
	ctx := context.Background()

	assert.ErrorIs(t, c.Set(ctx, "big", []byte("12345"), 0), ErrEntryTooLarge)
	assert.ErrorIs(t, c.BatchSet(ctx, []Item{{Key: "a", Value: []byte("123")}, {Key: "b", Value: []byte("45")}}), ErrEntryTooLarge)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Items)
}

func TestCache_GetOrFetch(t *testing.T) {
	stores(t, func(t *testing.T, store domain.CacheStore) {
		c, _ := newCache(store, Options{})
		ctx := context.Background()

		calls := 0
		fetch := func(ctx context.Context) ([]byte, error) {
			calls++
			return []byte(`{"groups":[]}`), nil
		}

		data, err := c.GetOrFetch(ctx, "groups", fetch, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, `{"groups":[]}`, string(data))
		data, err = c.GetOrFetch(ctx, "groups", fetch, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, `{"groups":[]}`, string(data))
		assert.Equal(t, 1, calls)

		boom := errors.New("boom")
		_, err = c.GetOrFetch(ctx, "people", func(ctx context.Context) ([]byte, error) { return nil, boom }, 0)
		assert.ErrorIs(t, err, boom)
		_, err = c.Get(ctx, "people")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCache_BatchAndMaintenance(t *testing.T) {
	stores(t, func(t *testing.T, store domain.CacheStore) {
		c, clk := newCache(store, Options{})
		ctx := context.Background()

		require.NoError(t, c.BatchSet(ctx, []Item{
			{Key: "events:1", Value: []byte("a"), TTL: time.Minute},
			{Key: "events:2", Value: []byte("bb"), TTL: time.Hour},
			{Key: "groups:1", Value: []byte("ccc"), TTL: time.Minute},
		}))

		stats, err := c.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.CacheStats{Items: 3, Bytes: 6}, stats)

		clk.Advance(2 * time.Minute)
		n, err := c.ClearExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = c.DeletePrefix(ctx, "events:")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		require.NoError(t, c.Set(ctx, "x", []byte("1"), 0))
		require.NoError(t, c.Delete(ctx, "x"))
		_, err = c.Get(ctx, "x")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, c.Set(ctx, "y", []byte("1"), 0))
		require.NoError(t, c.Clear(ctx))
		stats, err = c.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.Items)
	})
}

func TestCache_JSON(t *testing.T) {
	c, _ := newCache(repository.NewMemoryCacheStore(), Options{})
	ctx := context.Background()

	type event struct {
		ID    int    `json:"id"`
		Title string `json:"title"`
	}
	require.NoError(t, SetJSON(ctx, c, "event:1", event{ID: 1, Title: "Sunday Service"}, 0))

	got, err := GetJSON[event](ctx, c, "event:1")
	require.NoError(t, err)
	assert.Equal(t, "Sunday Service", got.Title)

	_, err = GetJSON[event](ctx, c, "event:2")
	assert.ErrorIs(t, err, ErrNotFound)
}
