package models

import "time"

// SyncStatus is a derived snapshot of the engine state for the UI.
type SyncStatus struct {
	Online     bool        `json:"online"`
	Queue      QueueCounts `json:"queue"`
	CacheItems int         `json:"cache_items"`
	CacheBytes int64       `json:"cache_bytes"`
	LastSyncAt *time.Time  `json:"last_sync_at,omitempty"`
	InProgress bool        `json:"in_progress"`
	LastError  string      `json:"last_error,omitempty"`
}

// SyncLogEntry is one row of the diagnostic sync log.
type SyncLogEntry struct {
	ID             int64      `json:"id"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	Message        string     `json:"message,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	ItemsProcessed int        `json:"items_processed"`
	Errors         int        `json:"errors"`
}

// Realtime connection statuses.
const (
	RealtimeConnecting   = "connecting"
	RealtimeConnected    = "connected"
	RealtimeDisconnected = "disconnected"
	RealtimeError        = "error"
)

// Realtime transports.
const (
	TransportWebSocket = "websocket"
	TransportPolling   = "polling"
)

// RealtimeState is the read-only connection snapshot of the realtime channel.
type RealtimeState struct {
	Status           string     `json:"status"`
	Transport        string     `json:"transport"`
	ReconnectAttempt int        `json:"reconnect_attempt"`
	LastHeartbeat    *time.Time `json:"last_heartbeat,omitempty"`
}
