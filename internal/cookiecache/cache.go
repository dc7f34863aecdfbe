// Package cookiecache remembers where each provider's cookie header last
// came from. Only metadata is kept, never the header itself.
package cookiecache

import (
	"fmt"
	"sync"
	"time"

	"github.com/quotaguard/quotabar/internal/logging"
	"github.com/quotaguard/quotabar/internal/models"
)

// Persister stores entries across restarts.
type Persister interface {
	SaveCookieEntry(entry models.CookieCacheEntry) error
	DeleteCookieEntry(provider models.ProviderID) error
	LoadCookieEntries() (map[models.ProviderID]models.CookieCacheEntry, error)
}

// Cache is safe for concurrent use. Entries are never evicted by age.
type Cache struct {
	mu        sync.RWMutex
	entries   map[models.ProviderID]models.CookieCacheEntry
	persister Persister
	logger    *logging.Logger
}

// New creates a cache. When persister is non-nil, stored entries are loaded.
func New(persister Persister, logger *logging.Logger) (*Cache, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	c := &Cache{
		entries:   make(map[models.ProviderID]models.CookieCacheEntry),
		persister: persister,
		logger:    logger,
	}
	if persister != nil {
		loaded, err := persister.LoadCookieEntries()
		if err != nil {
			return nil, fmt.Errorf("load cookie cache: %w", err)
		}
		for p, e := range loaded {
			c.entries[p] = e
		}
	}
	return c, nil
}

// Store records a successful import, replacing any previous entry.
func (c *Cache) Store(provider models.ProviderID, sourceLabel string, now time.Time) {
	entry := models.CookieCacheEntry{Provider: provider, SourceLabel: sourceLabel, StoredAt: now.UTC()}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[provider] = entry
	if c.persister != nil {
		if err := c.persister.SaveCookieEntry(entry); err != nil {
			c.logger.Warn("Failed to persist cookie cache entry", "provider", provider, "error", err)
		}
	}
}

// Load returns the entry of provider.
func (c *Cache) Load(provider models.ProviderID) (models.CookieCacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[provider]
	return e, ok
}

// Invalidate drops the entry of provider. Missing entries are ignored.
func (c *Cache) Invalidate(provider models.ProviderID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[provider]; !ok {
		return
	}
	delete(c.entries, provider)
	if c.persister != nil {
		if err := c.persister.DeleteCookieEntry(provider); err != nil {
			c.logger.Warn("Failed to delete cookie cache entry", "provider", provider, "error", err)
		}
	}
}

// All returns a copy of every entry.
func (c *Cache) All() map[models.ProviderID]models.CookieCacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[models.ProviderID]models.CookieCacheEntry, len(c.entries))
	for p, e := range c.entries {
		out[p] = e
	}
	return out
}

// Describe renders "cached: <source> • <age> ago" for display.
func Describe(entry models.CookieCacheEntry, now time.Time) string {
	age := now.Sub(entry.StoredAt)
	if age < 0 {
		age = 0
	}
	return fmt.Sprintf("cached: %s • %s ago", entry.SourceLabel, humanAge(age))
}

func humanAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
