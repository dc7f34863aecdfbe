package models

import "time"

// CookieCacheEntry records where a provider's cookie header last came from.
// The header itself is never part of the entry.
type CookieCacheEntry struct {
	Provider    ProviderID `json:"provider"`
	SourceLabel string     `json:"sourceLabel"`
	StoredAt    time.Time  `json:"storedAt"`
}
