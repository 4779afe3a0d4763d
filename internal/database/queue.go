package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"flocksync/internal/models"
)

// ErrNotPending is returned when an operation cannot be claimed because it left the pending state.
var ErrNotPending = errors.New("database: operation is not pending")

const queueColumns = `id, kind, endpoint, method, body, headers, priority, retry_count, max_retries,
              created_at, scheduled_for, last_attempt_at, completed_at, status, error`

func (db *DB) InsertOperation(ctx context.Context, op *models.QueuedOperation) error {
	query := `INSERT INTO queue (` + queueColumns + `)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query,
		op.ID,
		op.Kind,
		op.Endpoint,
		op.Method,
		nullableString(op.Body),
		nullableString(op.Headers),
		op.Priority,
		op.RetryCount,
		op.MaxRetries,
		toNanos(op.CreatedAt),
		nullableNanos(op.ScheduledFor),
		nullableNanos(op.LastAttemptAt),
		nullableNanos(op.CompletedAt),
		op.Status,
		nullableString(op.Error),
	)
	if err != nil {
		return fmt.Errorf("failed to insert operation: %w", err)
	}
	return nil
}

// SelectEligible returns pending operations due at now, highest priority first, oldest first within a priority.
func (db *DB) SelectEligible(ctx context.Context, now time.Time, limit int) ([]models.QueuedOperation, error) {
	query := `SELECT ` + queueColumns + `
              FROM queue
              WHERE status = 'pending' AND (scheduled_for IS NULL OR scheduled_for <= ?)
              ORDER BY priority ASC, created_at ASC, rowid ASC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, toNanos(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select eligible operations: %w", err)
	}
	return scanOperations(rows)
}

// MarkProcessing claims a pending operation for replay.
func (db *DB) MarkProcessing(ctx context.Context, id string, at time.Time) error {
	res, err := db.ExecContext(ctx,
		`UPDATE queue SET status = 'processing', last_attempt_at = ? WHERE id = ? AND status = 'pending'`,
		toNanos(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark operation processing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotPending
	}
	return nil
}

func (db *DB) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	_, err := db.ExecContext(ctx,
		`UPDATE queue SET status = 'completed', completed_at = ?, scheduled_for = NULL, error = NULL WHERE id = ?`,
		toNanos(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark operation completed: %w", err)
	}
	return nil
}

// MarkRetry puts an operation back to pending with a backoff schedule.
func (db *DB) MarkRetry(ctx context.Context, id string, retryCount int, scheduledFor time.Time, errMsg string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE queue SET status = 'pending', retry_count = ?, scheduled_for = ?, error = ? WHERE id = ?`,
		retryCount, toNanos(scheduledFor), errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to mark operation for retry: %w", err)
	}
	return nil
}

// MarkFailed moves an operation to the terminal failed state, keeping its last error.
func (db *DB) MarkFailed(ctx context.Context, id string, retryCount int, errMsg string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE queue SET status = 'failed', retry_count = ?, scheduled_for = NULL, error = ? WHERE id = ?`,
		retryCount, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to mark operation failed: %w", err)
	}
	return nil
}

func (db *DB) GetOperation(ctx context.Context, id string) (*models.QueuedOperation, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+queueColumns+` FROM queue WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}
	ops, err := scanOperations(rows)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, ErrNotFound
	}
	return &ops[0], nil
}

func (db *DB) ListByStatus(ctx context.Context, status string, limit int) ([]models.QueuedOperation, error) {
	query := `SELECT ` + queueColumns + ` FROM queue WHERE status = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	return scanOperations(rows)
}

func (db *DB) CountByStatus(ctx context.Context) (models.QueueCounts, error) {
	var counts models.QueueCounts
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue GROUP BY status`)
	if err != nil {
		return counts, fmt.Errorf("failed to count operations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, fmt.Errorf("failed to scan count: %w", err)
		}
		switch status {
		case models.StatusPending:
			counts.Pending = n
		case models.StatusProcessing:
			counts.Processing = n
		case models.StatusCompleted:
			counts.Completed = n
		case models.StatusFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

// DeleteCompletedBefore removes completed operations finished before cutoff.
func (db *DB) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM queue WHERE status = 'completed' AND COALESCE(completed_at, created_at) < ?`,
		toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete completed operations: %w", err)
	}
	return res.RowsAffected()
}

// DeleteFailed removes every terminally failed operation.
func (db *DB) DeleteFailed(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM queue WHERE status = 'failed'`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete failed operations: %w", err)
	}
	return res.RowsAffected()
}

// ResetProcessing returns operations stranded in processing by a crash to pending.
func (db *DB) ResetProcessing(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx, `UPDATE queue SET status = 'pending' WHERE status = 'processing'`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset processing operations: %w", err)
	}
	return res.RowsAffected()
}

// RearmFailed makes a failed operation pending again with a fresh retry budget.
func (db *DB) RearmFailed(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE queue SET status = 'pending', retry_count = 0, scheduled_for = NULL WHERE id = ? AND status = 'failed'`, id)
	if err != nil {
		return fmt.Errorf("failed to rearm operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanOperations(rows *sql.Rows) ([]models.QueuedOperation, error) {
	defer rows.Close()

	var ops []models.QueuedOperation
	for rows.Next() {
		var (
			op                                       models.QueuedOperation
			body, headers, errMsg                    sql.NullString
			createdAt                                int64
			scheduledFor, lastAttemptAt, completedAt sql.NullInt64
		)
		err := rows.Scan(
			&op.ID, &op.Kind, &op.Endpoint, &op.Method, &body, &headers, &op.Priority, &op.RetryCount, &op.MaxRetries,
			&createdAt, &scheduledFor, &lastAttemptAt, &completedAt, &op.Status, &errMsg,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op.Body = stringPtr(body)
		op.Headers = stringPtr(headers)
		op.Error = stringPtr(errMsg)
		op.CreatedAt = fromNanos(createdAt)
		op.ScheduledFor = timePtr(scheduledFor)
		op.LastAttemptAt = timePtr(lastAttemptAt)
		op.CompletedAt = timePtr(completedAt)
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate operations: %w", err)
	}
	return ops, nil
}
