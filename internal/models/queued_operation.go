package models

import (
	"net/http"
	"time"
)

// QueuedOperation is a persisted pending write against the remote API.
type QueuedOperation struct {
	ID            string     `json:"id"`
	Kind          string     `json:"kind"`
	Endpoint      string     `json:"endpoint"`
	Method        string     `json:"method"`
	Body          *string    `json:"body,omitempty"`
	Headers       *string    `json:"headers,omitempty"`
	Priority      int        `json:"priority"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	CreatedAt     time.Time  `json:"created_at"`
	ScheduledFor  *time.Time `json:"scheduled_for,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Status        string     `json:"status"`
	Error         *string    `json:"error,omitempty"`
}

// Eligible reports whether the operation may be drained at now.
func (o *QueuedOperation) Eligible(now time.Time) bool {
	if o.Status != StatusPending {
		return false
	}
	return o.ScheduledFor == nil || !o.ScheduledFor.After(now)
}

// QueueCounts holds the number of operations per status.
type QueueCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Total returns the number of operations in the queue.
func (c QueueCounts) Total() int {
	return c.Pending + c.Processing + c.Completed + c.Failed
}

// ValidMethod reports whether method is one the queue can replay.
func ValidMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}
