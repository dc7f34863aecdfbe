package store

import (
	"sync"

	"github.com/quotaguard/quotabar/internal/models"
)

// MemoryStore is an in-memory Store used when no database is configured
// and in tests. It is thread-safe.
type MemoryStore struct {
	mu        sync.RWMutex
	secrets   map[string]string
	cookies   map[models.ProviderID]models.CookieCacheEntry
	snapshots map[models.ProviderID]*models.UsageSnapshot
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		secrets:   make(map[string]string),
		cookies:   make(map[models.ProviderID]models.CookieCacheEntry),
		snapshots: make(map[models.ProviderID]*models.UsageSnapshot),
	}
}

func (s *MemoryStore) Secret(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[key]
	return v, ok, nil
}

func (s *MemoryStore) SetSecret(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[key] = value
	return nil
}

func (s *MemoryStore) DeleteSecret(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, key)
	return nil
}

func (s *MemoryStore) SaveCookieEntry(entry models.CookieCacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies[entry.Provider] = entry
	return nil
}

func (s *MemoryStore) DeleteCookieEntry(provider models.ProviderID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cookies, provider)
	return nil
}

func (s *MemoryStore) LoadCookieEntries() (map[models.ProviderID]models.CookieCacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[models.ProviderID]models.CookieCacheEntry, len(s.cookies))
	for k, v := range s.cookies {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) SaveSnapshot(snapshot *models.UsageSnapshot) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.snapshots[snapshot.Provider]; ok && snapshot.UpdatedAt.Before(existing.UpdatedAt) {
		return false, nil
	}
	copied := *snapshot
	s.snapshots[snapshot.Provider] = &copied
	return true, nil
}

func (s *MemoryStore) DeleteSnapshot(provider models.ProviderID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, provider)
	return nil
}

func (s *MemoryStore) LoadSnapshots() (map[models.ProviderID]*models.UsageSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[models.ProviderID]*models.UsageSnapshot, len(s.snapshots))
	for k, v := range s.snapshots {
		copied := *v
		out[k] = &copied
	}
	return out, nil
}

// Stats returns statistics about the store
func (s *MemoryStore) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StoreStats{
		SecretCount:      len(s.secrets),
		CookieEntryCount: len(s.cookies),
		SnapshotCount:    len(s.snapshots),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Ensure MemoryStore implements the Store interface
var _ Store = (*MemoryStore)(nil)
