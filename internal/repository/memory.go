package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"flocksync/internal/models"
)

// MemoryCacheStore keeps cache entries in process memory. It backs the cache
// when no durable store is configured and serves as the Redis fallback.
type MemoryCacheStore struct {
	mu      sync.RWMutex
	entries map[string]models.CacheEntry
}

func NewMemoryCacheStore() *MemoryCacheStore {
	return &MemoryCacheStore{
		entries: make(map[string]models.CacheEntry),
	}
}

func (r *MemoryCacheStore) GetEntry(ctx context.Context, key string) (*models.CacheEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, nil
	}
	e.Data = append([]byte(nil), e.Data...)
	return &e, nil
}

func (r *MemoryCacheStore) TouchEntry(ctx context.Context, key string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.AccessedAt = at
		r.entries[key] = e
	}
	return nil
}

func (r *MemoryCacheStore) PutEntry(ctx context.Context, e *models.CacheEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(e)
	return nil
}

func (r *MemoryCacheStore) PutEntries(ctx context.Context, entries []*models.CacheEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		r.put(e)
	}
	return nil
}

func (r *MemoryCacheStore) put(e *models.CacheEntry) {
	cp := *e
	cp.Data = append([]byte(nil), e.Data...)
	r.entries[e.Key] = cp
}

func (r *MemoryCacheStore) DeleteEntry(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
	return nil
}

func (r *MemoryCacheStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key := range r.entries {
		if strings.HasPrefix(key, prefix) {
			delete(r.entries, key)
			n++
		}
	}
	return n, nil
}

func (r *MemoryCacheStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, e := range r.entries {
		if e.ExpiresAt.Before(now) {
			delete(r.entries, key)
			n++
		}
	}
	return n, nil
}

func (r *MemoryCacheStore) OldestAccessed(ctx context.Context, limit int) ([]models.CacheEntry, error) {
	r.mu.RLock()
	out := make([]models.CacheEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, models.CacheEntry{Key: e.Key, Size: e.Size, AccessedAt: e.AccessedAt})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].AccessedAt.Equal(out[j].AccessedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].AccessedAt.Before(out[j].AccessedAt)
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryCacheStore) CacheStats(ctx context.Context) (models.CacheStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := models.CacheStats{Items: len(r.entries)}
	for _, e := range r.entries {
		stats.Bytes += e.Size
	}
	return stats, nil
}

func (r *MemoryCacheStore) ClearCache(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]models.CacheEntry)
	return nil
}
