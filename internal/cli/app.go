package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/quotaguard/quotabar/internal/accounts"
	"github.com/quotaguard/quotabar/internal/cliproxy"
	"github.com/quotaguard/quotabar/internal/collector"
	"github.com/quotaguard/quotabar/internal/config"
	"github.com/quotaguard/quotabar/internal/cookiecache"
	"github.com/quotaguard/quotabar/internal/credentials"
	"github.com/quotaguard/quotabar/internal/httpclient"
	"github.com/quotaguard/quotabar/internal/keepalive"
	"github.com/quotaguard/quotabar/internal/logging"
	"github.com/quotaguard/quotabar/internal/metrics"
	"github.com/quotaguard/quotabar/internal/models"
	"github.com/quotaguard/quotabar/internal/provider"
	"github.com/quotaguard/quotabar/internal/store"
)

// depsHook adjusts the provider dependencies before the registry is built.
// Tests use it to point endpoints at local servers.
var depsHook func(*provider.Deps)

// app holds every component a command may need. Commands build one, use
// what they need and close it.
type app struct {
	loader    *config.Loader
	cfg       *config.Config
	logger    *logging.Logger
	store     store.Store
	cookies   *cookiecache.Cache
	resolver  *credentials.Resolver
	connector *cliproxy.Connector
	registry  *provider.Registry
	accounts  *accounts.Store
	metrics   *metrics.Metrics
	refresher *collector.Refresher
	engine    *keepalive.Engine
	env       func() map[string]string

	closeOnce sync.Once
}

// newApp loads the configuration and opens the store. level is the log
// level used unless --verbose is set.
func newApp(cmd *cobra.Command, level logging.LogLevel) (*app, error) {
	if globalFlags.Verbose {
		level = logging.LevelDebug
	}
	logger := newLogger(cmd.ErrOrStderr(), level)

	loader := config.NewLoader(globalFlags.Config, logger)
	cfg, err := loader.LoadOrDefault()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if level == "" {
		logger = newLogger(cmd.ErrOrStderr(), logging.ParseLevel(cfg.Server.LogLevel))
	}

	dbPath := globalFlags.DBPath
	if dbPath == "" {
		dbPath = cfg.Storage.DBPath
	}
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	a := &app{
		loader:  loader,
		cfg:     cfg,
		logger:  logger,
		store:   st,
		metrics: metrics.NewMetrics("quotabar"),
	}
	if err := a.wire(); err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

func newLogger(w io.Writer, level logging.LogLevel) *logging.Logger {
	if level == "" {
		level = logging.LevelInfo
	}
	return logging.NewLogger(
		logging.WithOutput(w),
		logging.WithLevel(level),
		logging.WithService("quotabar"),
	)
}

func (a *app) dashboardURL(p models.ProviderID) string {
	if a.registry == nil {
		return ""
	}
	return a.registry.DashboardURL(p)
}

func (a *app) wire() error {
	var err error
	a.cookies, err = cookiecache.New(a.store, a.logger)
	if err != nil {
		return err
	}

	deps := provider.Deps{
		Settings: a.loader,
		Cookies:  a.cookies,
		Logger:   a.logger,
	}
	if depsHook != nil {
		depsHook(&deps)
	}
	if deps.APIDoer == nil {
		deps.APIDoer = httpclient.NewAPIClient(0)
	}
	if deps.Env == nil {
		deps.Env = provider.Environ
	}
	a.env = deps.Env
	// The registry is built below; the importer reads dashboards from it on demand.
	importer := credentials.NewFileImporter(credentials.DefaultImportPath(), a.dashboardURL)
	a.resolver = credentials.NewResolver(a.store, importer, a.logger)
	deps.Resolver = a.resolver
	a.connector = &cliproxy.Connector{Resolver: a.resolver, Doer: deps.APIDoer}
	deps.Connector = a.connector
	a.registry = provider.NewRegistry(deps)
	a.accounts = accounts.New(a.loader)

	a.refresher, err = collector.New(collector.Deps{
		Registry:  a.registry,
		Settings:  a.loader,
		Accounts:  a.accounts,
		Snapshots: a.store,
		Cookies:   a.cookies,
		Metrics:   a.metrics,
		Env:       deps.Env,
		Logger:    a.logger,
	}, collector.Config{
		Interval: a.cfg.Refresh.Interval,
		Adaptive: true,
		Timeout:  a.cfg.Refresh.Timeout,
	})
	if err != nil {
		return err
	}

	a.engine = keepalive.NewEngine(a.refresher,
		keepalive.WithSettings(a.loader),
		keepalive.WithLogger(a.logger),
		keepalive.WithObserver(a.metrics.ObserveKeepalive),
	)
	for _, s := range a.registry.Sessions() {
		a.engine.Register(s)
	}
	a.refresher.AttachKeepalive(a.engine)
	return nil
}

// accountManager returns the CLIProxyAPI account syncer.
func (a *app) accountManager() *cliproxy.AccountManager {
	authDir := cliproxy.ResolveAuthPath(a.cfg.CLIProxy.AuthDir)
	if !a.cfg.CLIProxy.WatchAuthDir {
		authDir = ""
	}
	return cliproxy.NewAccountManager(a.loader, a.accounts, a.connector, a.env, authDir, a.cfg.CLIProxy.SyncInterval, a.logger)
}

// close stops the background loops and closes the store. It is safe to call
// more than once.
func (a *app) close() {
	a.closeOnce.Do(func() {
		a.engine.StopAll()
		if a.refresher.IsRunning() {
			if err := a.refresher.Stop(); err != nil {
				a.logger.Warn("refresher stop failed", "error", err)
			}
		}
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", "error", err)
		}
	})
}
