package cliproxy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/fsnotify/fsnotify"
	"github.com/samber/lo"

	"github.com/quotaguard/quotabar/internal/accounts"
	"github.com/quotaguard/quotabar/internal/logging"
	"github.com/quotaguard/quotabar/internal/models"
)

// EnvAuthPath overrides the local CLIProxyAPI auth directory.
const EnvAuthPath = "QUOTABAR_CLIPROXY_AUTH_PATH"

// DefaultAuthPaths returns the usual CLIProxyAPI auth directories.
func DefaultAuthPaths() []string {
	home, _ := os.UserHomeDir()
	paths := []string{
		"/opt/cliproxyplus/auths",
		filepath.Join(xdg.ConfigHome, "cliproxy", "auths"),
	}
	if home != "" {
		paths = append(paths,
			filepath.Join(home, ".cli-proxy-api"),
			filepath.Join(home, "Library", "Application Support", "cliproxy", "auths"),
		)
	}
	if appData := os.Getenv("APPDATA"); appData != "" {
		paths = append(paths, filepath.Join(appData, "cliproxy", "auths"))
	}
	return paths
}

// ResolveAuthPath resolves the auth path from preferred path, env var, or defaults.
func ResolveAuthPath(preferred string) string {
	if preferred != "" {
		return preferred
	}
	if envPath := os.Getenv(EnvAuthPath); envPath != "" {
		return envPath
	}
	for _, path := range DefaultAuthPaths() {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return path
		}
	}
	return ""
}

// DiscoverAuthFiles scans a directory for CLIProxyAPI auth files. Missing
// or unreadable directories yield no files.
func DiscoverAuthFiles(authsPath string) ([]AuthFile, error) {
	entries, err := os.ReadDir(authsPath)
	if err != nil {
		if os.IsNotExist(err) || os.IsPermission(err) {
			return []AuthFile{}, nil
		}
		return nil, err
	}

	auths := []AuthFile{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(authsPath, entry.Name()))
		if err != nil {
			continue
		}
		var auth AuthFile
		if json.Unmarshal(data, &auth) != nil {
			continue
		}
		if auth.NormalizedProvider() == "" || auth.Email == "" {
			continue
		}
		if auth.Name == "" {
			auth.Name = entry.Name()
			auth.ID = entry.Name()
		}
		auth.Path = filepath.Join(authsPath, entry.Name())
		auths = append(auths, auth)
	}
	return auths, nil
}

// HasAuthFiles returns true if the auth path contains CLIProxyAPI auth files.
func HasAuthFiles(authsPath string) bool {
	auths, err := DiscoverAuthFiles(authsPath)
	return err == nil && len(auths) > 0
}

// DiscoveredAccounts maps auth files to token accounts keyed by auth index.
// Files without an index cannot be selected and are skipped.
func DiscoveredAccounts(files []AuthFile) []accounts.Discovered {
	withIndex := lo.Filter(files, func(f AuthFile, _ int) bool { return f.AuthIndex != "" })
	return lo.Map(withIndex, func(f AuthFile, _ int) accounts.Discovered {
		return accounts.Discovered{Label: f.AccountLabel(), Token: f.AuthIndex}
	})
}

// AccountManager keeps the cliproxyapi token accounts in step with the
// auth files the proxy manages.
type AccountManager struct {
	settings  models.Settings
	accounts  *accounts.Store
	connector *Connector
	env       func() map[string]string
	authsPath string
	interval  time.Duration
	logger    *logging.Logger

	mu       sync.Mutex
	lastScan time.Time
}

// NewAccountManager creates a new account manager. authsPath may be empty,
// which disables the directory watcher.
func NewAccountManager(settings models.Settings, store *accounts.Store, connector *Connector, env func() map[string]string, authsPath string, scanInterval time.Duration, logger *logging.Logger) *AccountManager {
	if scanInterval == 0 {
		scanInterval = 5 * time.Minute
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &AccountManager{
		settings:  settings,
		accounts:  store,
		connector: connector,
		env:       env,
		authsPath: authsPath,
		interval:  scanInterval,
		logger:    logger.With("provider", string(models.ProviderCLIProxyAPI)),
	}
}

// ScanAndSync lists the proxy's auth files and merges them into the token
// accounts. It returns how many accounts were added and how many already
// existed.
func (am *AccountManager) ScanAndSync(ctx context.Context) (newCount, updatedCount int, err error) {
	cfg := am.settings.ProviderConfig(models.ProviderCLIProxyAPI)
	client, err := am.connector.Connect(ctx, cfg, am.env())
	if err != nil {
		return 0, 0, err
	}
	files, err := client.ListAuthFiles(ctx)
	if err != nil {
		return 0, 0, err
	}

	before := lo.SliceToMap(am.accounts.Accounts(models.ProviderCLIProxyAPI), func(a models.TokenAccount) (string, bool) {
		return a.Token, true
	})
	discovered := DiscoveredAccounts(files)
	if _, err := am.accounts.Sync(models.ProviderCLIProxyAPI, discovered); err != nil {
		return 0, 0, err
	}
	for _, d := range discovered {
		if before[d.Token] {
			updatedCount++
		} else {
			newCount++
		}
	}

	am.mu.Lock()
	am.lastScan = time.Now()
	am.mu.Unlock()
	am.logger.Debug("auth files synced", "files", len(files), "new", newCount, "updated", updatedCount)
	return newCount, updatedCount, nil
}

// WatchAuths starts a file watcher for auth directory changes.
func (am *AccountManager) WatchAuths(ctx context.Context) error {
	if am.authsPath == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(am.authsPath); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
					am.syncLogged(ctx)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				am.logger.Warn("auth directory watcher error", "error", err)
			}
		}
	}()

	return nil
}

func (am *AccountManager) syncLogged(ctx context.Context) {
	if _, _, err := am.ScanAndSync(ctx); err != nil {
		am.logger.Warn("auth file sync failed", "error", err)
	}
}

// StartAutoSync performs an initial scan and starts periodic and watcher-based sync.
// A failed initial scan is logged; the periodic sync keeps trying.
func (am *AccountManager) StartAutoSync(ctx context.Context) error {
	am.syncLogged(ctx)
	if err := am.WatchAuths(ctx); err != nil {
		return err
	}
	if am.interval <= 0 {
		return nil
	}

	go func() {
		ticker := time.NewTicker(am.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				am.syncLogged(ctx)
			}
		}
	}()

	return nil
}

// GetAuthPath returns the current auth path
func (am *AccountManager) GetAuthPath() string {
	return am.authsPath
}

// GetLastScan returns the last scan time
func (am *AccountManager) GetLastScan() time.Time {
	am.mu.Lock()
	defer am.mu.Unlock()
	return am.lastScan
}
