package config

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/logging"
	"github.com/quotaguard/quotabar/internal/models"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading, hot-reloading and provider write-back.
// It keeps two copies of the document: raw, exactly as written (with ${VAR}
// references intact), and the env-expanded config handed to readers.
type Loader struct {
	path     string
	logger   *logging.Logger
	mu       sync.RWMutex
	writeMu  sync.Mutex
	raw      *Config
	config   *Config
	lastMod  time.Time
	onChange func(*Config)
}

// NewLoader creates a new configuration loader
func NewLoader(path string, logger *logging.Logger) *Loader {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Loader{
		path:   path,
		logger: logger,
	}
}

// Path returns the file the loader reads and writes.
func (l *Loader) Path() string {
	return l.path
}

// Load reads the configuration from the file
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadLocked()
}

func (l *Loader) loadLocked() (*Config, error) {
	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errors.ErrConfigNotFound{Path: l.path}
		}
		return nil, &errors.ErrFileRead{Path: l.path, Err: err}
	}

	content, err := os.ReadFile(l.path)
	if err != nil {
		return nil, &errors.ErrFileRead{Path: l.path, Err: err}
	}

	raw, err := parseRaw(content)
	if err != nil {
		return nil, &errors.ErrConfigParse{Path: l.path, Err: err}
	}
	config, err := Parse(substituteEnvVars(content))
	if err != nil {
		return nil, err
	}

	l.raw = raw
	l.config = config
	l.lastMod = info.ModTime()

	return config, nil
}

// LoadOrDefault loads the file, falling back to defaults when it does not
// exist yet. The first provider write creates the file.
func (l *Loader) LoadOrDefault() (*Config, error) {
	cfg, err := l.Load()
	if err == nil {
		return cfg, nil
	}
	var notFound *errors.ErrConfigNotFound
	if !errors.As(err, &notFound) {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.raw = rawDefault()
	l.config = Default()
	return l.config, nil
}

// Reload forces a reload of the configuration
func (l *Loader) Reload() (*Config, error) {
	config, err := l.Load()
	if err != nil {
		return nil, err
	}

	l.notify(config)
	return config, nil
}

// Get returns the current configuration
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// SetOnChange sets a callback to be called when configuration changes
func (l *Loader) SetOnChange(fn func(*Config)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

func (l *Loader) notify(config *Config) {
	l.mu.RLock()
	onChange := l.onChange
	l.mu.RUnlock()

	if onChange != nil {
		onChange(config)
	}
}

// ProviderConfig implements models.Settings.
func (l *Loader) ProviderConfig(id models.ProviderID) models.ProviderConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config.Provider(id)
}

// UpdateProviderConfig implements models.Settings. mutate sees the provider
// config as written in the file, so ${VAR} references survive the rewrite.
func (l *Loader) UpdateProviderConfig(id models.ProviderID, mutate func(*models.ProviderConfig)) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.RLock()
	raw := l.raw
	l.mu.RUnlock()
	if raw == nil {
		raw = rawDefault()
	}

	pc := raw.Provider(id)
	mutate(&pc)

	next := *raw
	next.Providers = make(map[models.ProviderID]*models.ProviderConfig, len(raw.Providers)+1)
	for k, v := range raw.Providers {
		next.Providers[k] = v
	}
	next.Providers[id] = &pc

	data, err := encode(&next, l.path)
	if err != nil {
		return &errors.ErrConfigWrite{Path: l.path, Err: err}
	}
	config, err := Parse(substituteEnvVars(data))
	if err != nil {
		return err
	}
	if err := writeFileAtomic(l.path, data); err != nil {
		return err
	}

	l.mu.Lock()
	l.raw = &next
	l.config = config
	if info, err := os.Stat(l.path); err == nil {
		l.lastMod = info.ModTime()
	}
	l.mu.Unlock()

	l.notify(config)
	return nil
}

// Watch reloads the configuration whenever the file changes on disk, until
// ctx is cancelled. The parent directory is watched because editors often
// replace the file instead of writing it in place.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		base := filepath.Base(l.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				l.checkFileChange()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (l *Loader) checkFileChange() {
	info, err := os.Stat(l.path)
	if err != nil {
		return
	}

	l.mu.RLock()
	lastMod := l.lastMod
	l.mu.RUnlock()

	if info.ModTime().After(lastMod) {
		if _, err := l.Reload(); err != nil {
			l.logger.Error("failed to reload config", "path", l.path, "error", err)
			return
		}
		l.logger.Info("config reloaded", "path", l.path)
	}
}

// Parse parses configuration from byte slice. JSON documents are accepted
// because JSON is valid YAML.
func Parse(data []byte) (*Config, error) {
	var config Config
	applyDefaults(&config)

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, &errors.ErrConfigParse{Err: err}
	}

	if err := config.Validate(); err != nil {
		return nil, &errors.ErrConfigValidation{Err: err}
	}

	return &config, nil
}

func rawDefault() *Config {
	var config Config
	applyDefaults(&config)
	return &config
}

func parseRaw(data []byte) (*Config, error) {
	var config Config
	applyDefaults(&config)
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

func isJSONPath(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

// encode renders the document in the format implied by the file extension.
// JSON goes through a generic YAML tree so durations keep their "1m0s" form.
func encode(config *Config, path string) ([]byte, error) {
	data, err := yaml.Marshal(config)
	if err != nil {
		return nil, err
	}
	if !isJSONPath(path) {
		return data, nil
	}

	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return &errors.ErrDirectoryCreate{Path: dir, Err: err}
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &errors.ErrConfigWrite{Path: path, Err: err}
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return &errors.ErrConfigWrite{Path: path, Err: err}
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		cleanup()
		return &errors.ErrConfigWrite{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return &errors.ErrConfigWrite{Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return &errors.ErrConfigWrite{Path: path, Err: err}
	}
	return nil
}

func substituteEnvVars(content []byte) []byte {
	return []byte(os.ExpandEnv(string(content)))
}
