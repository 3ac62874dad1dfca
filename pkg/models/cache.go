package models

import "time"

// CacheEntry is one computed value held by the cache layer
type CacheEntry struct {
	Key        string    `json:"key"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	Payload    []byte    `json:"payload"`
	ComputedAt time.Time `json:"computed_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Version    string    `json:"version"`
}

// Expired reports whether the entry is past its expiry at t
func (e CacheEntry) Expired(t time.Time) bool {
	return !t.Before(e.ExpiresAt)
}

// CacheOp is the cache operation a metric describes
type CacheOp string

const (
	CacheRead  CacheOp = "read"
	CacheWrite CacheOp = "write"
)

// HitType classifies the outcome of a cache read
type HitType string

const (
	CacheHit     HitType = "hit"
	CacheMiss    HitType = "miss"
	CacheExpired HitType = "expired"
)

// CacheMetric is emitted for every cache read and write
type CacheMetric struct {
	ID              int64         `json:"id" db:"id"`
	UserID          string        `json:"user_id" db:"user_id"`
	Key             string        `json:"key" db:"cache_key"`
	Name            string        `json:"name" db:"cache_name"`
	Op              CacheOp       `json:"op" db:"op"`
	HitType         HitType       `json:"hit_type" db:"hit_type"`
	ComputationTime time.Duration `json:"computation_time" db:"computation_time_ns"`
	TTL             time.Duration `json:"ttl" db:"ttl_ns"`
	RecordedAt      time.Time     `json:"recorded_at" db:"recorded_at"`
}

// CacheStats summarizes cache metrics over a window
type CacheStats struct {
	Reads   int     `json:"reads"`
	Hits    int     `json:"hits"`
	Misses  int     `json:"misses"`
	Expired int     `json:"expired"`
	Writes  int     `json:"writes"`
	HitRate float64 `json:"hit_rate"`
}
