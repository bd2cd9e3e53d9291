package models

import "time"

// CacheEntry is the last known local snapshot of one entity.
type CacheEntry struct {
	EntityID     string        `json:"entity_id"`
	Content      Snapshot      `json:"content"`
	Version      int64         `json:"version"`
	CachedAt     time.Time     `json:"cached_at"`
	LastAccessed time.Time     `json:"last_accessed"`
	TTL          time.Duration `json:"ttl"`
	Dirty        bool          `json:"dirty"`

	// Remote is the last revision confirmed by the persistence gateway.
	Remote Revision `json:"remote"`
}

// Expired reports whether the entry is older than its TTL at now.
// A zero TTL never expires.
func (e *CacheEntry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.Sub(e.CachedAt) > e.TTL
}

// Clone returns a deep copy of the entry.
func (e *CacheEntry) Clone() CacheEntry {
	out := *e
	out.Content = e.Content.Clone()
	return out
}

// FallbackEntry is content parked in the local durable store because it
// could not reach the persistence gateway at teardown.
type FallbackEntry struct {
	EntityID string     `json:"entity_id"`
	Kind     EntityKind `json:"kind,omitempty"`
	Content  Snapshot   `json:"content"`
	Digest   string     `json:"digest"`
	SavedAt  time.Time  `json:"saved_at"`

	// Base is the remote revision the content was edited against.
	Base Revision `json:"base"`
}
