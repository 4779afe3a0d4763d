package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"flocksync/internal/config"
	"flocksync/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// RedisCacheStore keeps cache entries as msgpack blobs with sorted-set indexes
// for access order and expiry, plus a hash of entry sizes.
type RedisCacheStore struct {
	client *redis.Client
	prefix string
}

// NewRedisClient builds a Redis client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	client := redis.NewClient(options)

	return client
}

func NewRedisCacheStore(client *redis.Client, prefix string) *RedisCacheStore {
	return &RedisCacheStore{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisCacheStore) entryKey(key string) string { return r.prefix + ":cache:entry:" + key }
func (r *RedisCacheStore) lruKey() string             { return r.prefix + ":cache:lru" }
func (r *RedisCacheStore) expKey() string             { return r.prefix + ":cache:exp" }
func (r *RedisCacheStore) sizeKey() string            { return r.prefix + ":cache:size" }

func (r *RedisCacheStore) GetEntry(ctx context.Context, key string) (*models.CacheEntry, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}

	var (
		get   *redis.StringCmd
		score *redis.FloatCmd
	)
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		get = p.Get(ctx, r.entryKey(key))
		score = p.ZScore(ctx, r.lruKey(), key)
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to get cache entry from redis: %w", err)
	}

	raw, err := get.Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry from redis: %w", err)
	}

	var e models.CacheEntry
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}
	if s, err := score.Result(); err == nil {
		e.AccessedAt = time.UnixMicro(int64(s))
	}
	return &e, nil
}

func (r *RedisCacheStore) TouchEntry(ctx context.Context, key string, at time.Time) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	err := r.client.ZAddXX(ctx, r.lruKey(), redis.Z{Score: float64(at.UnixMicro()), Member: key}).Err()
	if err != nil {
		return fmt.Errorf("failed to touch cache entry in redis: %w", err)
	}
	return nil
}

func (r *RedisCacheStore) PutEntry(ctx context.Context, e *models.CacheEntry) error {
	return r.PutEntries(ctx, []*models.CacheEntry{e})
}

// PutEntries writes all entries inside one MULTI/EXEC block.
func (r *RedisCacheStore) PutEntries(ctx context.Context, entries []*models.CacheEntry) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}

	blobs := make([][]byte, len(entries))
	for i, e := range entries {
		data, err := msgpack.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal cache entry %s: %w", e.Key, err)
		}
		blobs[i] = data
	}

	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for i, e := range entries {
			p.Set(ctx, r.entryKey(e.Key), blobs[i], 0)
			p.ZAdd(ctx, r.lruKey(), redis.Z{Score: float64(e.AccessedAt.UnixMicro()), Member: e.Key})
			p.ZAdd(ctx, r.expKey(), redis.Z{Score: float64(e.ExpiresAt.UnixMicro()), Member: e.Key})
			p.HSet(ctx, r.sizeKey(), e.Key, e.Size)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put cache entries in redis: %w", err)
	}
	return nil
}

func (r *RedisCacheStore) DeleteEntry(ctx context.Context, key string) error {
	return r.deleteKeys(ctx, []string{key})
}

func (r *RedisCacheStore) deleteKeys(ctx context.Context, keys []string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if len(keys) == 0 {
		return nil
	}

	entryKeys := make([]string, len(keys))
	members := make([]interface{}, len(keys))
	for i, k := range keys {
		entryKeys[i] = r.entryKey(k)
		members[i] = k
	}

	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, entryKeys...)
		p.ZRem(ctx, r.lruKey(), members...)
		p.ZRem(ctx, r.expKey(), members...)
		p.HDel(ctx, r.sizeKey(), keys...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete cache entries from redis: %w", err)
	}
	return nil
}

func (r *RedisCacheStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if r.client == nil {
		return 0, fmt.Errorf("redis client is nil")
	}
	all, err := r.client.HKeys(ctx, r.sizeKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list cache keys from redis: %w", err)
	}

	var keys []string
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	if err := r.deleteKeys(ctx, keys); err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (r *RedisCacheStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	if r.client == nil {
		return 0, fmt.Errorf("redis client is nil")
	}
	keys, err := r.client.ZRangeByScore(ctx, r.expKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list expired cache entries from redis: %w", err)
	}
	if err := r.deleteKeys(ctx, keys); err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (r *RedisCacheStore) OldestAccessed(ctx context.Context, limit int) ([]models.CacheEntry, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if limit <= 0 {
		return nil, nil
	}

	zs, err := r.client.ZRangeWithScores(ctx, r.lruKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries from redis: %w", err)
	}
	if len(zs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(zs))
	for i, z := range zs {
		keys[i] = z.Member.(string)
	}
	sizes, err := r.client.HMGet(ctx, r.sizeKey(), keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cache sizes from redis: %w", err)
	}

	out := make([]models.CacheEntry, 0, len(zs))
	for i, z := range zs {
		e := models.CacheEntry{Key: keys[i], AccessedAt: time.UnixMicro(int64(z.Score))}
		if s, ok := sizes[i].(string); ok {
			e.Size, _ = strconv.ParseInt(s, 10, 64)
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *RedisCacheStore) CacheStats(ctx context.Context) (models.CacheStats, error) {
	var stats models.CacheStats
	if r.client == nil {
		return stats, fmt.Errorf("redis client is nil")
	}
	vals, err := r.client.HVals(ctx, r.sizeKey()).Result()
	if err != nil {
		return stats, fmt.Errorf("failed to read cache stats from redis: %w", err)
	}
	stats.Items = len(vals)
	for _, v := range vals {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		stats.Bytes += n
	}
	return stats, nil
}

func (r *RedisCacheStore) ClearCache(ctx context.Context) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	keys, err := r.client.HKeys(ctx, r.sizeKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to list cache keys from redis: %w", err)
	}
	if err := r.deleteKeys(ctx, keys); err != nil {
		return err
	}
	return r.client.Del(ctx, r.lruKey(), r.expKey(), r.sizeKey()).Err()
}

// RedisDeadLetter keeps a capped list of operations that exhausted their retries.
type RedisDeadLetter struct {
	client *redis.Client
	key    string
	max    int64
}

func NewRedisDeadLetter(client *redis.Client, key string, max int64) *RedisDeadLetter {
	if max <= 0 {
		max = 1000
	}
	return &RedisDeadLetter{client: client, key: key, max: max}
}

func (d *RedisDeadLetter) Push(ctx context.Context, op *models.QueuedOperation) error {
	if d.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal operation: %w", err)
	}
	_, err = d.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, d.key, data)
		p.LTrim(ctx, d.key, 0, d.max-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push dead letter: %w", err)
	}
	return nil
}

// List returns up to n dead letters, newest first.
func (d *RedisDeadLetter) List(ctx context.Context, n int64) ([]models.QueuedOperation, error) {
	if d.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	raw, err := d.client.LRange(ctx, d.key, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	ops := make([]models.QueuedOperation, 0, len(raw))
	for _, r := range raw {
		var op models.QueuedOperation
		if err := json.Unmarshal([]byte(r), &op); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Ping checks the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
