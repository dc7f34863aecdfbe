package usage

import (
	"sync"
	"time"

	"github.com/quotaguard/quotabar/internal/models"
)

// Tracker keeps the last accepted snapshot per provider and rejects
// snapshots that would move UpdatedAt backwards.
type Tracker struct {
	mu   sync.RWMutex
	last map[models.ProviderID]*models.UsageSnapshot
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{last: make(map[models.ProviderID]*models.UsageSnapshot)}
}

// Accept stores snap when its UpdatedAt is not older than the current one.
func (t *Tracker) Accept(snap *models.UsageSnapshot) bool {
	if snap == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.last[snap.Provider]; ok && snap.UpdatedAt.Before(prev.UpdatedAt) {
		return false
	}
	cp := *snap
	t.last[snap.Provider] = &cp
	return true
}

// Seed loads previously persisted snapshots without the ordering check.
func (t *Tracker) Seed(snaps []*models.UsageSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range snaps {
		if s == nil {
			continue
		}
		cp := *s
		t.last[s.Provider] = &cp
	}
}

// Get returns a copy of the last accepted snapshot.
func (t *Tracker) Get(p models.ProviderID) (*models.UsageSnapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.last[p]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// All returns copies of every accepted snapshot.
func (t *Tracker) All() map[models.ProviderID]*models.UsageSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[models.ProviderID]*models.UsageSnapshot, len(t.last))
	for p, s := range t.last {
		cp := *s
		out[p] = &cp
	}
	return out
}

// Forget drops the snapshot of p.
func (t *Tracker) Forget(p models.ProviderID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, p)
}

// Stamp sets UpdatedAt to now unless it would go backwards.
func (t *Tracker) Stamp(snap *models.UsageSnapshot, now time.Time) {
	t.mu.RLock()
	prev, ok := t.last[snap.Provider]
	t.mu.RUnlock()
	if ok && now.Before(prev.UpdatedAt) {
		now = prev.UpdatedAt
	}
	snap.UpdatedAt = now
}
