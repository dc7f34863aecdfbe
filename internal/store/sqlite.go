package store

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/logging"
	"github.com/quotaguard/quotabar/internal/models"
	_ "modernc.org/sqlite"
)

// SQLiteStore provides SQLite-based storage with WAL mode.
// It is thread-safe and supports concurrent access.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	logger *logging.Logger
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and
// applies pending migrations.
func NewSQLiteStore(dbPath string, logger *logging.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	// Secrets live in this file, so keep the directory private.
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, &errors.ErrDirectoryCreate{Path: dir, Err: err}
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)&_pragma=cache_size(2000)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := os.Chmod(dbPath, 0o600); err != nil {
		logger.Warn("failed to restrict database permissions", "path", dbPath, "error", err.Error())
	}

	return &SQLiteStore{
		db:     db,
		logger: logger,
	}, nil
}

// runMigrations runs database migrations
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "create migrations table", Err: err}
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "get current migration version", Err: err}
	}

	migrations := []struct {
		version int
		up      string
	}{
		{
			version: 1,
			up: `
				CREATE TABLE IF NOT EXISTS secrets (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);

				CREATE TABLE IF NOT EXISTS cookie_cache (
					provider TEXT PRIMARY KEY,
					source_label TEXT NOT NULL,
					stored_at INTEGER NOT NULL
				);

				CREATE TABLE IF NOT EXISTS snapshots (
					provider TEXT PRIMARY KEY,
					data TEXT NOT NULL,
					updated_at INTEGER NOT NULL
				);
			`,
		},
	}

	tx, err := db.Begin()
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "begin transaction", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, m := range migrations {
		if m.version > currentVersion {
			if _, err := tx.Exec(m.up); err != nil {
				return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
			}
			if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
				return &errors.ErrDatabaseMigration{Version: m.version, Err: err}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "commit migrations", Err: err}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Secret operations

// Secret returns the value stored under key.
func (s *SQLiteStore) Secret(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow("SELECT value FROM secrets WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, &errors.ErrDatabaseQuery{Operation: "get secret", Err: err}
	}
	return value, true, nil
}

// SetSecret stores or replaces the value under key.
func (s *SQLiteStore) SetSecret(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO secrets (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC())
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "set secret", Err: err}
	}
	return nil
}

// DeleteSecret removes key. Deleting a missing key is not an error.
func (s *SQLiteStore) DeleteSecret(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM secrets WHERE key = ?", key); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "delete secret", Err: err}
	}
	return nil
}

// Cookie cache operations

// SaveCookieEntry stores or replaces the cookie cache entry of a provider.
func (s *SQLiteStore) SaveCookieEntry(entry models.CookieCacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO cookie_cache (provider, source_label, stored_at) VALUES (?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			source_label = excluded.source_label,
			stored_at = excluded.stored_at
	`, string(entry.Provider), entry.SourceLabel, unixNano(entry.StoredAt))
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "save cookie entry", Err: err}
	}
	return nil
}

// DeleteCookieEntry removes the cookie cache entry of a provider.
func (s *SQLiteStore) DeleteCookieEntry(provider models.ProviderID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM cookie_cache WHERE provider = ?", string(provider)); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "delete cookie entry", Err: err}
	}
	return nil
}

// LoadCookieEntries returns every stored cookie cache entry.
func (s *SQLiteStore) LoadCookieEntries() (map[models.ProviderID]models.CookieCacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT provider, source_label, stored_at FROM cookie_cache")
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "load cookie entries", Err: err}
	}
	defer rows.Close()

	entries := make(map[models.ProviderID]models.CookieCacheEntry)
	for rows.Next() {
		var (
			provider string
			entry    models.CookieCacheEntry
			storedAt int64
		)
		if err := rows.Scan(&provider, &entry.SourceLabel, &storedAt); err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "scan cookie entry", Err: err}
		}
		entry.Provider = models.ProviderID(provider)
		entry.StoredAt = fromUnixNano(storedAt)
		entries[entry.Provider] = entry
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "load cookie entries", Err: err}
	}
	return entries, nil
}

// Snapshot operations

// SaveSnapshot stores the snapshot unless a newer one is already stored.
func (s *SQLiteStore) SaveSnapshot(snapshot *models.UsageSnapshot) (bool, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return false, &errors.ErrDatabaseQuery{Operation: "encode snapshot", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO snapshots (provider, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= snapshots.updated_at
	`, string(snapshot.Provider), string(data), unixNano(snapshot.UpdatedAt))
	if err != nil {
		return false, &errors.ErrDatabaseQuery{Operation: "save snapshot", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &errors.ErrDatabaseQuery{Operation: "save snapshot", Err: err}
	}
	return n > 0, nil
}

// DeleteSnapshot removes the stored snapshot of a provider.
func (s *SQLiteStore) DeleteSnapshot(provider models.ProviderID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM snapshots WHERE provider = ?", string(provider)); err != nil {
		return &errors.ErrDatabaseQuery{Operation: "delete snapshot", Err: err}
	}
	return nil
}

// LoadSnapshots returns the last stored snapshot of every provider. Rows that
// fail to decode are logged and skipped.
func (s *SQLiteStore) LoadSnapshots() (map[models.ProviderID]*models.UsageSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT provider, data FROM snapshots")
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "load snapshots", Err: err}
	}
	defer rows.Close()

	snapshots := make(map[models.ProviderID]*models.UsageSnapshot)
	for rows.Next() {
		var provider, data string
		if err := rows.Scan(&provider, &data); err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "scan snapshot", Err: err}
		}
		var snap models.UsageSnapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			s.logger.Error("failed to decode stored snapshot", "provider", provider, "error", err.Error())
			continue
		}
		snapshots[models.ProviderID(provider)] = &snap
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "load snapshots", Err: err}
	}
	return snapshots, nil
}

// Stats returns statistics about the store
func (s *SQLiteStore) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats StoreStats
	if err := s.db.QueryRow("SELECT COUNT(*) FROM secrets").Scan(&stats.SecretCount); err != nil {
		s.logger.Error("failed to count secrets", "error", err.Error())
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM cookie_cache").Scan(&stats.CookieEntryCount); err != nil {
		s.logger.Error("failed to count cookie entries", "error", err.Error())
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM snapshots").Scan(&stats.SnapshotCount); err != nil {
		s.logger.Error("failed to count snapshots", "error", err.Error())
	}
	return stats
}

// Ensure SQLiteStore implements the Store interface
var _ Store = (*SQLiteStore)(nil)
