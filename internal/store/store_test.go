package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/quotaguard/quotabar/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "quotabar.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStore_Secrets(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := store.Secret("claude.cookieHeader")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, store.SetSecret("claude.cookieHeader", "sessionKey=a"))
			require.NoError(t, store.SetSecret("claude.cookieHeader", "sessionKey=b"))

			value, ok, err := store.Secret("claude.cookieHeader")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "sessionKey=b", value)

			require.NoError(t, store.DeleteSecret("claude.cookieHeader"))
			require.NoError(t, store.DeleteSecret("claude.cookieHeader"))
			_, ok, err = store.Secret("claude.cookieHeader")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_CookieEntries(t *testing.T) {
	storedAt := time.Date(2025, 5, 1, 12, 0, 0, 123, time.UTC)
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.SaveCookieEntry(models.CookieCacheEntry{
				Provider:    models.ProviderAugment,
				SourceLabel: "Chrome",
				StoredAt:    storedAt,
			}))
			require.NoError(t, store.SaveCookieEntry(models.CookieCacheEntry{
				Provider:    models.ProviderAugment,
				SourceLabel: "Firefox",
				StoredAt:    storedAt.Add(time.Minute),
			}))

			entries, err := store.LoadCookieEntries()
			require.NoError(t, err)
			require.Len(t, entries, 1)
			entry := entries[models.ProviderAugment]
			assert.Equal(t, "Firefox", entry.SourceLabel)
			assert.True(t, storedAt.Add(time.Minute).Equal(entry.StoredAt))

			require.NoError(t, store.DeleteCookieEntry(models.ProviderAugment))
			entries, err = store.LoadCookieEntries()
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestStore_SnapshotsAreMonotonic(t *testing.T) {
	base := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			newer := &models.UsageSnapshot{
				Provider:    models.ProviderCodex,
				Primary:     &models.RateWindow{UsedPercent: 40, WindowMinutes: models.Ptr(300)},
				SourceLabel: "codex.cli",
				UpdatedAt:   base.Add(time.Minute),
			}
			older := &models.UsageSnapshot{
				Provider:    models.ProviderCodex,
				Primary:     &models.RateWindow{UsedPercent: 10},
				SourceLabel: "codex.web",
				UpdatedAt:   base,
			}

			written, err := store.SaveSnapshot(newer)
			require.NoError(t, err)
			assert.True(t, written)

			written, err = store.SaveSnapshot(older)
			require.NoError(t, err)
			assert.False(t, written)

			snapshots, err := store.LoadSnapshots()
			require.NoError(t, err)
			got := snapshots[models.ProviderCodex]
			require.NotNil(t, got)
			assert.Equal(t, "codex.cli", got.SourceLabel)
			assert.Equal(t, 40.0, got.Primary.UsedPercent)
			require.NotNil(t, got.Primary.WindowMinutes)
			assert.Equal(t, 300, *got.Primary.WindowMinutes)

			assert.Equal(t, 1, store.Stats().SnapshotCount)
			require.NoError(t, store.DeleteSnapshot(models.ProviderCodex))
			assert.Equal(t, 0, store.Stats().SnapshotCount)
		})
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "quotabar.db")

	first, err := NewSQLiteStore(dbPath, nil)
	require.NoError(t, err)
	require.NoError(t, first.SetSecret("zai.apiToken", "tok"))
	_, err = first.SaveSnapshot(&models.UsageSnapshot{
		Provider:  models.ProviderZAI,
		UpdatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(dbPath, nil)
	require.NoError(t, err)
	defer second.Close()

	value, ok, err := second.Secret("zai.apiToken")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "tok", value)

	stats := second.Stats()
	assert.Equal(t, 1, stats.SecretCount)
	assert.Equal(t, 1, stats.SnapshotCount)
}
