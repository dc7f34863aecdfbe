package store

import (
	"time"

	"github.com/quotaguard/quotabar/internal/models"
)

// Store persists the state quotabar keeps between runs: secure-store
// secrets, cookie cache metadata and the last accepted snapshot per provider.
type Store interface {
	// Secrets
	Secret(key string) (string, bool, error)
	SetSecret(key, value string) error
	DeleteSecret(key string) error

	// Cookie cache metadata
	SaveCookieEntry(entry models.CookieCacheEntry) error
	DeleteCookieEntry(provider models.ProviderID) error
	LoadCookieEntries() (map[models.ProviderID]models.CookieCacheEntry, error)

	// Snapshots. SaveSnapshot ignores a snapshot older than the stored one
	// and reports whether it was written.
	SaveSnapshot(snapshot *models.UsageSnapshot) (bool, error)
	DeleteSnapshot(provider models.ProviderID) error
	LoadSnapshots() (map[models.ProviderID]*models.UsageSnapshot, error)

	Stats() StoreStats
	Close() error
}

// StoreStats contains row counts for diagnostics.
type StoreStats struct {
	SecretCount      int
	CookieEntryCount int
	SnapshotCount    int
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
