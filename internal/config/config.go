package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/quotaguard/quotabar/internal/models"
)

const (
	// EnvConfigPath overrides the config file location.
	EnvConfigPath = "QUOTABAR_CONFIG_PATH"
	// EnvDBPath overrides the sqlite database location.
	EnvDBPath = "QUOTABAR_DB_PATH"

	appDir = "quotabar"
)

// Config represents the complete application configuration.
type Config struct {
	Version   string                                      `yaml:"version"`
	Server    ServerConfig                                `yaml:"server"`
	Storage   StorageConfig                               `yaml:"storage"`
	Refresh   RefreshConfig                               `yaml:"refresh"`
	CLIProxy  CLIProxyConfig                              `yaml:"cliproxy"`
	Providers map[models.ProviderID]*models.ProviderConfig `yaml:"providers,omitempty"`
}

// ServerConfig contains the local HTTP API configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
	// APIKeys gates /api/v1 when non-empty.
	APIKeys []string `yaml:"api_keys,omitempty"`
	// RequestsPerSecond limits each client IP; 0 disables the limit.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// StorageConfig contains the sqlite store configuration.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// RefreshConfig controls the background poll loop.
type RefreshConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// CLIProxyConfig controls CLIProxyAPI account auto-sync.
type CLIProxyConfig struct {
	AuthDir      string        `yaml:"auth_dir"`
	SyncInterval time.Duration `yaml:"sync_interval"`
	WatchAuthDir bool          `yaml:"watch_auth_dir"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

func applyDefaults(cfg *Config) {
	cfg.Version = "1"
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.HTTPPort = 8318
	cfg.Server.ShutdownTimeout = 10 * time.Second
	cfg.Server.LogLevel = "info"
	cfg.Server.RequestsPerSecond = 20
	cfg.Refresh.Interval = 5 * time.Minute
	cfg.Refresh.Timeout = 30 * time.Second
	cfg.CLIProxy.SyncInterval = 10 * time.Minute
	cfg.CLIProxy.WatchAuthDir = true
}

// DefaultConfigPath returns QUOTABAR_CONFIG_PATH or the XDG config location.
func DefaultConfigPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return filepath.Join(xdg.ConfigHome, appDir, "config.yaml")
}

// DefaultDBPath returns QUOTABAR_DB_PATH or the XDG data location.
func DefaultDBPath() string {
	if p := os.Getenv(EnvDBPath); p != "" {
		return p
	}
	return filepath.Join(xdg.DataHome, appDir, "quotabar.db")
}

// Provider returns a copy of the provider's config, or a zero config.
func (c *Config) Provider(id models.ProviderID) models.ProviderConfig {
	if c == nil || c.Providers == nil {
		return models.ProviderConfig{}
	}
	pc, ok := c.Providers[id]
	if !ok || pc == nil {
		return models.ProviderConfig{}
	}
	return pc.Clone()
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	if err := c.Refresh.Validate(); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	if err := c.CLIProxy.Validate(); err != nil {
		return fmt.Errorf("cliproxy: %w", err)
	}

	for id, pc := range c.Providers {
		if _, err := models.ParseProviderID(string(id)); err != nil {
			return fmt.Errorf("providers: %w", err)
		}
		if err := validateProvider(pc); err != nil {
			return fmt.Errorf("providers.%s: %w", id, err)
		}
	}

	return nil
}

// Validate validates server configuration.
func (s *ServerConfig) Validate() error {
	if s.Host == "" {
		s.Host = "127.0.0.1"
	}
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 1 and 65535")
	}
	if s.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 10 * time.Second
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second cannot be negative")
	}
	return nil
}

// Validate fills in the default database path.
func (s *StorageConfig) Validate() error {
	if s.DBPath == "" {
		s.DBPath = DefaultDBPath()
	}
	return nil
}

// Validate validates refresh configuration.
func (r *RefreshConfig) Validate() error {
	if r.Interval <= 0 {
		r.Interval = 5 * time.Minute
	}
	if r.Interval < 30*time.Second {
		return fmt.Errorf("interval must be at least 30s")
	}
	if r.Timeout <= 0 {
		r.Timeout = 30 * time.Second
	}
	return nil
}

// Validate validates CLIProxyAPI sync configuration.
func (c *CLIProxyConfig) Validate() error {
	if c.SyncInterval < 0 {
		return fmt.Errorf("sync_interval cannot be negative")
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = 10 * time.Minute
	}
	return nil
}

func validateProvider(pc *models.ProviderConfig) error {
	if pc == nil {
		return nil
	}
	if _, err := models.ParseSourceMode(pc.Source); err != nil {
		return err
	}
	switch models.CookieSource(pc.CookieSource) {
	case "", models.CookieSourceAuto, models.CookieSourceManual, models.CookieSourceOff:
	default:
		return fmt.Errorf("cookieSource must be one of: auto, manual, off")
	}
	if k := pc.Keepalive; k != nil {
		switch k.Mode {
		case "", "interval", "daily", "beforeExpiry":
		default:
			return fmt.Errorf("keepalive.mode must be one of: interval, daily, beforeExpiry")
		}
		if k.IntervalSeconds < 0 || k.BufferSeconds < 0 || k.MinRefreshIntervalSeconds < 0 || k.MaxBackoffSeconds < 0 {
			return fmt.Errorf("keepalive durations cannot be negative")
		}
		if k.DailyHour < 0 || k.DailyHour > 23 || k.DailyMinute < 0 || k.DailyMinute > 59 {
			return fmt.Errorf("keepalive daily time out of range")
		}
	}
	if td := pc.TokenAccounts; td != nil && len(td.Accounts) > 0 {
		if td.ActiveIndex < 0 || td.ActiveIndex >= len(td.Accounts) {
			return fmt.Errorf("tokenAccounts.activeIndex out of range")
		}
	}
	return nil
}
