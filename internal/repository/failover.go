package repository

import (
	"context"
	"sync/atomic"
	"time"

	"flocksync/internal/domain"
	"flocksync/internal/models"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverCacheStore serves from primary until it errors, then from fallback,
// probing primary again once recoveryInterval has passed.
type FailoverCacheStore struct {
	primary   domain.CacheStore
	fallback  domain.CacheStore
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

func NewFailoverCacheStore(primary, fallback domain.CacheStore, logger *zerolog.Logger) *FailoverCacheStore {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverCacheStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

// Degraded reports whether calls are currently served by the fallback.
func (r *FailoverCacheStore) Degraded() bool {
	return r.isDown.Load()
}

func (r *FailoverCacheStore) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	// Try to recover after recoveryInterval
	last := time.Unix(0, r.lastCheck.Load())
	if time.Since(last) > recoveryInterval {
		r.lastCheck.Store(time.Now().UnixNano())
		return true
	}
	return false
}

func (r *FailoverCacheStore) markDown(op string, err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Str("op", op).Msg("Primary cache store failed, falling back to memory")
	}
	r.lastCheck.Store(time.Now().UnixNano())
}

func (r *FailoverCacheStore) markUp() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary cache store recovered")
	}
}

func failover[T any](r *FailoverCacheStore, op string, call func(domain.CacheStore) (T, error)) (T, error) {
	if r.usePrimary() {
		v, err := call(r.primary)
		if err == nil {
			r.markUp()
			return v, nil
		}
		r.markDown(op, err)
	}
	return call(r.fallback)
}

func (r *FailoverCacheStore) GetEntry(ctx context.Context, key string) (*models.CacheEntry, error) {
	return failover(r, "get", func(s domain.CacheStore) (*models.CacheEntry, error) {
		return s.GetEntry(ctx, key)
	})
}

func (r *FailoverCacheStore) TouchEntry(ctx context.Context, key string, at time.Time) error {
	_, err := failover(r, "touch", func(s domain.CacheStore) (struct{}, error) {
		return struct{}{}, s.TouchEntry(ctx, key, at)
	})
	return err
}

func (r *FailoverCacheStore) PutEntry(ctx context.Context, e *models.CacheEntry) error {
	_, err := failover(r, "put", func(s domain.CacheStore) (struct{}, error) {
		return struct{}{}, s.PutEntry(ctx, e)
	})
	return err
}

func (r *FailoverCacheStore) PutEntries(ctx context.Context, entries []*models.CacheEntry) error {
	_, err := failover(r, "put_batch", func(s domain.CacheStore) (struct{}, error) {
		return struct{}{}, s.PutEntries(ctx, entries)
	})
	return err
}

func (r *FailoverCacheStore) DeleteEntry(ctx context.Context, key string) error {
	_, err := failover(r, "delete", func(s domain.CacheStore) (struct{}, error) {
		return struct{}{}, s.DeleteEntry(ctx, key)
	})
	return err
}

func (r *FailoverCacheStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	return failover(r, "delete_prefix", func(s domain.CacheStore) (int, error) {
		return s.DeletePrefix(ctx, prefix)
	})
}

func (r *FailoverCacheStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return failover(r, "delete_expired", func(s domain.CacheStore) (int, error) {
		return s.DeleteExpired(ctx, now)
	})
}

func (r *FailoverCacheStore) OldestAccessed(ctx context.Context, limit int) ([]models.CacheEntry, error) {
	return failover(r, "oldest", func(s domain.CacheStore) ([]models.CacheEntry, error) {
		return s.OldestAccessed(ctx, limit)
	})
}

func (r *FailoverCacheStore) CacheStats(ctx context.Context) (models.CacheStats, error) {
	return failover(r, "stats", func(s domain.CacheStore) (models.CacheStats, error) {
		return s.CacheStats(ctx)
	})
}

func (r *FailoverCacheStore) ClearCache(ctx context.Context) error {
	_, err := failover(r, "clear", func(s domain.CacheStore) (struct{}, error) {
		return struct{}{}, s.ClearCache(ctx)
	})
	return err
}
