package config

import (
	"sync"

	"github.com/quotaguard/quotabar/internal/models"
)

// MemorySettings is an in-memory models.Settings used by tests and by
// commands that run without a config file.
type MemorySettings struct {
	mu        sync.RWMutex
	providers map[models.ProviderID]models.ProviderConfig
	onChange  func(models.ProviderID)
}

// NewMemorySettings creates settings seeded with the given provider configs.
func NewMemorySettings(seed map[models.ProviderID]models.ProviderConfig) *MemorySettings {
	providers := make(map[models.ProviderID]models.ProviderConfig, len(seed))
	for id, pc := range seed {
		providers[id] = pc.Clone()
	}
	return &MemorySettings{providers: providers}
}

// SetOnChange registers a callback invoked after every update.
func (m *MemorySettings) SetOnChange(fn func(models.ProviderID)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

func (m *MemorySettings) ProviderConfig(id models.ProviderID) models.ProviderConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.providers[id].Clone()
}

func (m *MemorySettings) UpdateProviderConfig(id models.ProviderID, mutate func(*models.ProviderConfig)) error {
	m.mu.Lock()
	pc := m.providers[id].Clone()
	mutate(&pc)
	m.providers[id] = pc
	onChange := m.onChange
	m.mu.Unlock()

	if onChange != nil {
		onChange(id)
	}
	return nil
}
