package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/quotaguard/quotabar/internal/api"
	"github.com/quotaguard/quotabar/internal/cliproxy"
	"github.com/quotaguard/quotabar/internal/config"
	"github.com/quotaguard/quotabar/internal/models"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s", "server", "run"},
	Short:   "Poll usage in the background and serve the local API",
	Long: `Start the background refresher, the session keepalive loops and the
local HTTP API.

The config file is watched: enabling or disabling a provider starts or
stops its keepalive loop without a restart.

Example:
  quotabar serve --port 8318`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveFlags struct {
	Host    string
	Port    int
	Timeout time.Duration
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.Host, "host", "", "Server host (overrides config)")
	serveCmd.Flags().IntVar(&serveFlags.Port, "port", 0, "Server port (overrides config)")
	serveCmd.Flags().DurationVar(&serveFlags.Timeout, "timeout", envDuration("QUOTABAR_SHUTDOWN_TIMEOUT", 0), "Shutdown timeout (default from config)")

	RootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, "")
	if err != nil {
		return err
	}
	defer a.close()

	serverCfg := a.cfg.Server
	if serveFlags.Host != "" {
		serverCfg.Host = serveFlags.Host
	}
	if serveFlags.Port != 0 {
		serverCfg.HTTPPort = serveFlags.Port
	}
	if err := serverCfg.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}
	timeout := serveFlags.Timeout
	if timeout <= 0 {
		timeout = serverCfg.ShutdownTimeout
	}

	ctx, stop := api.SignalContext(cmd.Context())
	defer stop()

	a.loader.SetOnChange(func(*config.Config) {
		a.logger.Info("configuration changed, reconciling keepalive loops")
		a.engine.SettingsDidChange()
	})
	if err := a.loader.Watch(ctx); err != nil {
		a.logger.Warn("config watch disabled", "path", a.loader.Path(), "error", err)
	}

	a.engine.SettingsDidChange()
	if err := a.refresher.Start(ctx); err != nil {
		return err
	}

	var sync *cliproxy.AccountManager
	if a.refresher.IsEnabled(models.ProviderCLIProxyAPI) {
		sync = a.accountManager()
		if err := sync.StartAutoSync(ctx); err != nil {
			a.logger.Warn("CLIProxyAPI auto-sync disabled", "error", err)
		}
	}

	server := api.NewServer(serverCfg, api.Services{
		Registry:    a.registry,
		Refresher:   a.refresher,
		Keepalive:   a.engine,
		Accounts:    a.accounts,
		AccountSync: sync,
		Settings:    a.loader,
		Metrics:     a.metrics,
		Logger:      a.logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run()
	}()
	a.logger.Info("quotabar started",
		"addr", server.Addr(),
		"config", a.loader.Path(),
		"poll_interval", a.refresher.Interval().String(),
	)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
	}

	shutdownErr := api.ShutdownAll(timeout,
		server,
		api.ShutdownFunc(func(context.Context) error {
			a.close()
			return nil
		}),
	)
	if runErr != nil {
		return runErr
	}
	if shutdownErr != nil {
		a.logger.Error("shutdown incomplete", "error", shutdownErr)
		return shutdownErr
	}
	a.logger.Info("graceful shutdown completed")
	return nil
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	return fallback
}
