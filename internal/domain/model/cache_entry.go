package model

import "time"

// DefaultCacheMaxEntries is the LRU cap enforced after every store.
const DefaultCacheMaxEntries = 1000

// CacheEntry is one cached generation response, keyed by the normalized
// request hash.
type CacheEntry struct {
	Key         string    `json:"key" db:"key"`
	Model       string    `json:"model" db:"model"`
	Response    string    `json:"response" db:"response"`
	TokenCount  int64     `json:"token_count" db:"token_count"`
	HitCount    int64     `json:"hit_count" db:"hit_count"`
	TokensSaved int64     `json:"tokens_saved" db:"tokens_saved"`
	ExpiresAt   time.Time `json:"expires_at" db:"expires_at"`
	LastUsedAt  time.Time `json:"last_used_at" db:"last_used_at"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Expired reports whether the entry is past its TTL at the given time.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// CacheStats summarizes cache effectiveness for reporting.
type CacheStats struct {
	Entries     int   `json:"entries"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	TokensSaved int64 `json:"tokens_saved"`
}
