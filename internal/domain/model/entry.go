package model

import "time"

// DefaultTTL is how long a fetched video may be served from cache.
const DefaultTTL = 24 * time.Hour

// CacheEntry describes a video file that has been fetched and published
// into the cache. Entries are immutable: a refetch replaces the entry.
type CacheEntry struct {
	CanonicalID string
	Platform    Platform
	FilePath    string
	FetchedAt   time.Time
	SizeBytes   int64
}

// Ref returns the content reference the entry was stored under.
func (e CacheEntry) Ref() ContentRef {
	return ContentRef{Platform: e.Platform, CanonicalID: e.CanonicalID}
}

// Key returns the cache key of the entry.
func (e CacheEntry) Key() string {
	return e.Ref().Key()
}

// Age returns how long ago the entry was fetched.
func (e CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.FetchedAt)
}

// IsExpired reports whether the entry is older than ttl at now.
// An entry exactly ttl old is still fresh. A non-positive ttl never expires.
func (e CacheEntry) IsExpired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return e.Age(now) > ttl
}
