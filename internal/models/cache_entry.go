package models

import "time"

// CacheEntry is a persisted, TTL-bounded read result.
type CacheEntry struct {
	Key        string    `json:"key" msgpack:"key"`
	Data       []byte    `json:"data" msgpack:"data"`
	Size       int64     `json:"size" msgpack:"size"`
	ExpiresAt  time.Time `json:"expires_at" msgpack:"expires_at"`
	CreatedAt  time.Time `json:"created_at" msgpack:"created_at"`
	AccessedAt time.Time `json:"accessed_at" msgpack:"accessed_at"`
}

// Expired reports whether the entry is logically absent at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// CacheStats summarises the cache contents.
type CacheStats struct {
	Items int   `json:"items"`
	Bytes int64 `json:"bytes"`
}
