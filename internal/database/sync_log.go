package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"flocksync/internal/models"
)

// StartSyncLog appends a started entry and returns its id.
func (db *DB) StartSyncLog(ctx context.Context, logType, message string, at time.Time) (int64, error) {
	res, err := db.ExecContext(ctx,
		`INSERT INTO sync_log (type, status, message, started_at) VALUES (?, ?, ?, ?)`,
		logType, models.LogStatusStarted, message, toNanos(at))
	if err != nil {
		return 0, fmt.Errorf("failed to insert sync log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return id, nil
}

// FinishSyncLog closes an entry with its final status and counters.
func (db *DB) FinishSyncLog(ctx context.Context, id int64, status, message string, at time.Time, items, errs int) error {
	_, err := db.ExecContext(ctx,
		`UPDATE sync_log SET status = ?, message = ?, finished_at = ?, items_processed = ?, errors = ? WHERE id = ?`,
		status, message, toNanos(at), items, errs, id)
	if err != nil {
		return fmt.Errorf("failed to finish sync log: %w", err)
	}
	return nil
}

// PruneSyncLog keeps only the most recent keep rows.
func (db *DB) PruneSyncLog(ctx context.Context, keep int) (int64, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM sync_log WHERE id NOT IN (SELECT id FROM sync_log ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sync log: %w", err)
	}
	return res.RowsAffected()
}

// RecentSyncLog returns the newest entries first.
func (db *DB) RecentSyncLog(ctx context.Context, limit int) ([]models.SyncLogEntry, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, type, status, COALESCE(message, ''), started_at, finished_at, items_processed, errors
         FROM sync_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync log: %w", err)
	}
	defer rows.Close()

	var entries []models.SyncLogEntry
	for rows.Next() {
		var e models.SyncLogEntry
		var startedAt int64
		var finishedAt sql.NullInt64
		if err := rows.Scan(&e.ID, &e.Type, &e.Status, &e.Message, &startedAt, &finishedAt, &e.ItemsProcessed, &e.Errors); err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		e.StartedAt = fromNanos(startedAt)
		e.FinishedAt = timePtr(finishedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
