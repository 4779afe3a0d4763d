package models

import "time"

// Operation statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Sync log entry types and statuses.
const (
	LogTypeSync         = "sync"
	LogTypeQueueProcess = "queue_process"
	LogTypeCacheClean   = "cache_clean"

	LogStatusStarted   = "started"
	LogStatusCompleted = "completed"
	LogStatusFailed    = "failed"
)

const (
	// DefaultPriority is used when an operation is enqueued without one.
	DefaultPriority = 3
	// HighestPriority drains first.
	HighestPriority = 1
	// LowestPriority drains last.
	LowestPriority = 5

	// DefaultMaxRetries bounds the replay attempts of an operation.
	DefaultMaxRetries = 3

	// CompletedRetention is how long completed operations stay in the queue.
	CompletedRetention = 24 * time.Hour

	// SyncLogLimit is the number of sync log rows kept after pruning.
	SyncLogLimit = 100

	// DefaultCacheTTL is the cache lifetime used when Set gets ttl <= 0.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultCacheMaxBytes is the total size ceiling for cached values.
	DefaultCacheMaxBytes = 50 * 1024 * 1024
)

// TenantHeader carries the tenant identifier on every replayed request.
const TenantHeader = "X-Tenant-ID"
