package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"flocksync/internal/models"
)

const upsertCacheQuery = `INSERT INTO cache (key, data, size, expires_at, created_at, accessed_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET
            data = excluded.data,
            size = excluded.size,
            expires_at = excluded.expires_at,
            created_at = excluded.created_at,
            accessed_at = excluded.accessed_at`

// GetEntry returns the cache row for key or (nil, nil) when absent. Expiry is the caller's concern.
func (db *DB) GetEntry(ctx context.Context, key string) (*models.CacheEntry, error) {
	var (
		e                                models.CacheEntry
		expiresAt, createdAt, accessedAt int64
	)
	err := db.QueryRowContext(ctx,
		`SELECT key, data, size, expires_at, created_at, accessed_at FROM cache WHERE key = ?`, key,
	).Scan(&e.Key, &e.Data, &e.Size, &expiresAt, &createdAt, &accessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	e.ExpiresAt = fromNanos(expiresAt)
	e.CreatedAt = fromNanos(createdAt)
	e.AccessedAt = fromNanos(accessedAt)
	return &e, nil
}

func (db *DB) TouchEntry(ctx context.Context, key string, at time.Time) error {
	if _, err := db.ExecContext(ctx, `UPDATE cache SET accessed_at = ? WHERE key = ?`, toNanos(at), key); err != nil {
		return fmt.Errorf("failed to touch cache entry: %w", err)
	}
	return nil
}

func (db *DB) PutEntry(ctx context.Context, e *models.CacheEntry) error {
	if _, err := db.ExecContext(ctx, upsertCacheQuery, cacheArgs(e)...); err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

// PutEntries writes all entries in one transaction.
func (db *DB) PutEntries(ctx context.Context, entries []*models.CacheEntry) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin cache batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, upsertCacheQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare cache batch: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, cacheArgs(e)...); err != nil {
			return fmt.Errorf("failed to put cache entry %s: %w", e.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache batch: %w", err)
	}
	return nil
}

func (db *DB) DeleteEntry(ctx context.Context, key string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM cache WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

func (db *DB) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	res, err := db.ExecContext(ctx, `DELETE FROM cache WHERE key LIKE ? ESCAPE '\'`, escaped+"%")
	if err != nil {
		return 0, fmt.Errorf("failed to delete cache prefix: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteExpired removes entries whose expiry is strictly before now.
func (db *DB) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM cache WHERE expires_at < ?`, toNanos(now))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// OldestAccessed lists entries by ascending accessed_at without their data.
func (db *DB) OldestAccessed(ctx context.Context, limit int) ([]models.CacheEntry, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT key, size, accessed_at FROM cache ORDER BY accessed_at ASC, key ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	defer rows.Close()

	var entries []models.CacheEntry
	for rows.Next() {
		var e models.CacheEntry
		var accessedAt int64
		if err := rows.Scan(&e.Key, &e.Size, &accessedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		e.AccessedAt = fromNanos(accessedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (db *DB) CacheStats(ctx context.Context) (models.CacheStats, error) {
	var stats models.CacheStats
	err := db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cache`).Scan(&stats.Items, &stats.Bytes)
	if err != nil {
		return stats, fmt.Errorf("failed to read cache stats: %w", err)
	}
	return stats, nil
}

func (db *DB) ClearCache(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM cache`); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

func cacheArgs(e *models.CacheEntry) []any {
	return []any{e.Key, e.Data, e.Size, toNanos(e.ExpiresAt), toNanos(e.CreatedAt), toNanos(e.AccessedAt)}
}
