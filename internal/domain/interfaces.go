package domain

import (
	"context"
	"time"

	"flocksync/internal/models"
)

// QueueStore persists the durable mutation queue and the sync log.
type QueueStore interface {
	InsertOperation(ctx context.Context, op *models.QueuedOperation) error
	SelectEligible(ctx context.Context, now time.Time, limit int) ([]models.QueuedOperation, error)
	MarkProcessing(ctx context.Context, id string, at time.Time) error
	MarkCompleted(ctx context.Context, id string, at time.Time) error
	MarkRetry(ctx context.Context, id string, retryCount int, scheduledFor time.Time, errMsg string) error
	MarkFailed(ctx context.Context, id string, retryCount int, errMsg string) error
	GetOperation(ctx context.Context, id string) (*models.QueuedOperation, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]models.QueuedOperation, error)
	CountByStatus(ctx context.Context) (models.QueueCounts, error)
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteFailed(ctx context.Context) (int64, error)
	ResetProcessing(ctx context.Context) (int64, error)
	RearmFailed(ctx context.Context, id string) error
	SyncLog
}

type SyncLog interface {
	StartSyncLog(ctx context.Context, logType, message string, at time.Time) (int64, error)
	FinishSyncLog(ctx context.Context, id int64, status, message string, at time.Time, items, errs int) error
	PruneSyncLog(ctx context.Context, keep int) (int64, error)
}

// CacheStore is the storage engine behind the response cache.
// GetEntry returns (nil, nil) for a missing key and never filters on expiry.
type CacheStore interface {
	GetEntry(ctx context.Context, key string) (*models.CacheEntry, error)
	TouchEntry(ctx context.Context, key string, at time.Time) error
	PutEntry(ctx context.Context, e *models.CacheEntry) error
	PutEntries(ctx context.Context, entries []*models.CacheEntry) error
	DeleteEntry(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	OldestAccessed(ctx context.Context, limit int) ([]models.CacheEntry, error)
	CacheStats(ctx context.Context) (models.CacheStats, error)
	ClearCache(ctx context.Context) error
}

// Replayer sends a queued operation to the remote API.
type Replayer interface {
	Replay(ctx context.Context, op *models.QueuedOperation) error
}

// DeadLetterSink receives operations that exhausted their retries.
type DeadLetterSink interface {
	Push(ctx context.Context, op *models.QueuedOperation) error
}

// TokenSource yields the current bearer token; an empty token means signed out.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}
