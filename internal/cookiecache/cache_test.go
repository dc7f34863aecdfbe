package cookiecache

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotaguard/quotabar/internal/logging"
	"github.com/quotaguard/quotabar/internal/models"
	"github.com/quotaguard/quotabar/internal/store"
)

func TestCacheStoreLoadInvalidate(t *testing.T) {
	c, err := New(nil, nil)
	require.NoError(t, err)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	_, ok := c.Load(models.ProviderAugment)
	assert.False(t, ok)

	c.Store(models.ProviderAugment, "Chrome", now)
	c.Store(models.ProviderAugment, "Firefox", now.Add(time.Minute))
	e, ok := c.Load(models.ProviderAugment)
	require.True(t, ok)
	assert.Equal(t, "Firefox", e.SourceLabel)
	assert.Equal(t, now.Add(time.Minute), e.StoredAt)

	c.Invalidate(models.ProviderAugment)
	c.Invalidate(models.ProviderAugment)
	_, ok = c.Load(models.ProviderAugment)
	assert.False(t, ok)
}

func TestCachePersistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "quotabar.db")
	st, err := store.NewSQLiteStore(dbPath, logging.Nop())
	require.NoError(t, err)

	c, err := New(st, nil)
	require.NoError(t, err)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c.Store(models.ProviderClaude, "Safari", now)
	c.Store(models.ProviderCodex, "Chrome", now)
	c.Invalidate(models.ProviderCodex)
	require.NoError(t, st.Close())

	st, err = store.NewSQLiteStore(dbPath, logging.Nop())
	require.NoError(t, err)
	defer st.Close()

	reloaded, err := New(st, nil)
	require.NoError(t, err)
	e, ok := reloaded.Load(models.ProviderClaude)
	require.True(t, ok)
	assert.Equal(t, "Safari", e.SourceLabel)
	assert.True(t, now.Equal(e.StoredAt))
	_, ok = reloaded.Load(models.ProviderCodex)
	assert.False(t, ok)
	assert.Len(t, reloaded.All(), 1)
}

func TestCacheConcurrentWriters(t *testing.T) {
	c, err := New(store.NewMemoryStore(), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := models.AllProviders[i%len(models.AllProviders)]
			c.Store(p, "Chrome", time.Now())
			c.Load(p)
		}(i)
	}
	wg.Wait()
	assert.Len(t, c.All(), len(models.AllProviders))
}

func TestDescribe(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	entry := models.CookieCacheEntry{SourceLabel: "Chrome", StoredAt: now.Add(-5 * time.Minute)}
	assert.Equal(t, "cached: Chrome • 5m ago", Describe(entry, now))
	entry.StoredAt = now.Add(-72 * time.Hour)
	assert.Equal(t, "cached: Chrome • 3d ago", Describe(entry, now))
}
