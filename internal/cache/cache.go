// Package cache is the response cache: TTL-bounded read results with
// least-recently-accessed eviction under a byte ceiling.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"flocksync/internal/config"
	"flocksync/internal/domain"
	"flocksync/internal/logging"
	"flocksync/internal/metrics"
	"flocksync/internal/models"

	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned on a miss, including a logically expired entry.
	ErrNotFound = errors.New("cache: not found")
	// ErrEntryTooLarge is returned when a single value exceeds the byte ceiling.
	ErrEntryTooLarge = errors.New("cache: entry larger than max bytes")
)

const evictBatch = 64

type Options struct {
	DefaultTTL time.Duration
	MaxBytes   int64
}

func OptionsFromConfig(cfg config.CacheConfig) Options {
	return Options{DefaultTTL: cfg.DefaultTTL, MaxBytes: cfg.MaxBytes}
}

// Item is one entry of a BatchSet.
type Item struct {
	Key   string
	Value []byte
	TTL   time.Duration
}

// FetchFunc produces a value on a cache miss.
type FetchFunc func(ctx context.Context) ([]byte, error)

type Cache struct {
	store  domain.CacheStore
	opts   Options
	now    func() time.Time
	logger zerolog.Logger

	// serializes writers so space accounting stays consistent
	writeMu sync.Mutex
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(store domain.CacheStore, opts Options, logger *zerolog.Logger, options ...Option) *Cache {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = models.DefaultCacheTTL
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = models.DefaultCacheMaxBytes
	}
	c := &Cache{
		store:  store,
		opts:   opts,
		now:    time.Now,
		logger: logging.Component(logger, "cache"),
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Get returns the value for key and refreshes its access time.
// Expired entries are removed on the spot and reported as ErrNotFound.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	e, err := c.store.GetEntry(ctx, key)
	if err != nil {
		return nil, err
	}
	now := c.now()
	if e == nil {
		metrics.IncCacheLookup(false)
		return nil, ErrNotFound
	}
	if e.Expired(now) {
		if err := c.store.DeleteEntry(ctx, key); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("failed to delete expired entry")
		} else {
			metrics.AddCacheEvictions("expired", 1)
		}
		metrics.IncCacheLookup(false)
		return nil, ErrNotFound
	}

	if err := c.store.TouchEntry(ctx, key, now); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("failed to touch entry")
	}
	metrics.IncCacheLookup(true)
	return e.Data, nil
}

// Set stores value under key for ttl; ttl <= 0 uses the default.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	size := int64(len(value))
	if size > c.opts.MaxBytes {
		return fmt.Errorf("%w: %s is %d bytes", ErrEntryTooLarge, key, size)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ensureSpace(ctx, size); err != nil {
		return err
	}
	return c.store.PutEntry(ctx, c.entry(key, value, ttl))
}

// BatchSet stores all items atomically: either every item is written or none is.
func (c *Cache) BatchSet(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}

	entries := make([]*models.CacheEntry, 0, len(items))
	var total int64
	for _, it := range items {
		size := int64(len(it.Value))
		if size > c.opts.MaxBytes {
			return fmt.Errorf("%w: %s is %d bytes", ErrEntryTooLarge, it.Key, size)
		}
		total += size
		entries = append(entries, c.entry(it.Key, it.Value, it.TTL))
	}
	if total > c.opts.MaxBytes {
		return fmt.Errorf("%w: batch is %d bytes", ErrEntryTooLarge, total)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ensureSpace(ctx, total); err != nil {
		return err
	}
	return c.store.PutEntries(ctx, entries)
}

func (c *Cache) entry(key string, value []byte, ttl time.Duration) *models.CacheEntry {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	now := c.now()
	return &models.CacheEntry{
		Key:        key,
		Data:       value,
		Size:       int64(len(value)),
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
		AccessedAt: now,
	}
}

// ensureSpace evicts least recently accessed entries when adding size bytes
// would exceed the ceiling. It frees at least twice the incoming size, or the
// overflow if larger, bounded by what the store holds.
func (c *Cache) ensureSpace(ctx context.Context, size int64) error {
	stats, err := c.store.CacheStats(ctx)
	if err != nil {
		return err
	}
	overflow := stats.Bytes + size - c.opts.MaxBytes
	if overflow <= 0 {
		return nil
	}

	target := 2 * size
	if overflow > target {
		target = overflow
	}

	var freed int64
	evicted := 0
	for freed < target {
		oldest, err := c.store.OldestAccessed(ctx, evictBatch)
		if err != nil {
			return err
		}
		if len(oldest) == 0 {
			break
		}
		for _, e := range oldest {
			if err := c.store.DeleteEntry(ctx, e.Key); err != nil {
				return err
			}
			freed += e.Size
			evicted++
			if freed >= target {
				break
			}
		}
	}

	metrics.AddCacheEvictions("lru", evicted)
	c.logger.Debug().Int("evicted", evicted).Int64("freed", freed).Int64("target", target).Msg("cache space reclaimed")
	return nil
}

// GetOrFetch returns the cached value or calls fetch and caches its result.
// Fetch errors propagate and nothing is cached.
func (c *Cache) GetOrFetch(ctx context.Context, key string, fetch FetchFunc, ttl time.Duration) ([]byte, error) {
	data, err := c.Get(ctx, key)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	data, err = fetch(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Set(ctx, key, data, ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("failed to cache fetched value")
	}
	return data, nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.store.DeleteEntry(ctx, key)
}

// DeletePrefix removes every entry whose key starts with prefix.
func (c *Cache) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	n, err := c.store.DeletePrefix(ctx, prefix)
	if err != nil {
		return 0, err
	}
	metrics.AddCacheEvictions("invalidated", n)
	return n, nil
}

func (c *Cache) Clear(ctx context.Context) error {
	return c.store.ClearCache(ctx)
}

// ClearExpired removes every entry past its expiry and returns how many went.
func (c *Cache) ClearExpired(ctx context.Context) (int, error) {
	n, err := c.store.DeleteExpired(ctx, c.now())
	if err != nil {
		return 0, err
	}
	metrics.AddCacheEvictions("expired", n)
	if n > 0 {
		c.logger.Debug().Int("count", n).Msg("expired entries cleared")
	}
	return n, nil
}

func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	return c.store.CacheStats(ctx)
}

// GetJSON decodes the cached value for key into T.
func GetJSON[T any](ctx context.Context, c *Cache, key string) (T, error) {
	var v T
	data, err := c.Get(ctx, key)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return v, nil
}

// SetJSON encodes v and caches it under key.
func SetJSON(ctx context.Context, c *Cache, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.Set(ctx, key, data, ttl)
}
