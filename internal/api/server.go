package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/quotaguard/quotabar/internal/accounts"
	"github.com/quotaguard/quotabar/internal/cliproxy"
	"github.com/quotaguard/quotabar/internal/collector"
	"github.com/quotaguard/quotabar/internal/config"
	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/fetch"
	"github.com/quotaguard/quotabar/internal/keepalive"
	"github.com/quotaguard/quotabar/internal/logging"
	"github.com/quotaguard/quotabar/internal/metrics"
	"github.com/quotaguard/quotabar/internal/models"
	"github.com/quotaguard/quotabar/internal/provider"
)

// Services are the components the API reads from. Keepalive and
// AccountSync may be nil.
type Services struct {
	Registry    *provider.Registry
	Refresher   *collector.Refresher
	Keepalive   *keepalive.Engine
	Accounts    *accounts.Store
	AccountSync *cliproxy.AccountManager
	Settings    models.Settings
	Metrics     *metrics.Metrics
	Logger      *logging.Logger
}

// Server represents the local HTTP API server
type Server struct {
	router      *gin.Engine
	config      config.ServerConfig
	svc         Services
	logger      *logging.Logger
	rateLimiter *IPRateLimiter
	started     time.Time

	mu         sync.Mutex
	httpServer *http.Server
}

// Router returns the gin router for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, svc Services) *Server {
	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}
	if svc.Logger == nil {
		svc.Logger = logging.Nop()
	}
	if svc.Metrics == nil {
		svc.Metrics = metrics.NewMetrics("quotabar")
	}

	server := &Server{
		router:  gin.New(),
		config:  cfg,
		svc:     svc,
		logger:  svc.Logger.With("component", "api"),
		started: time.Now(),
	}
	server.router.HandleMethodNotAllowed = true

	server.router.Use(gin.Recovery())
	if cfg.RequestsPerSecond > 0 {
		server.rateLimiter = newIPRateLimiter(cfg.RequestsPerSecond, int(cfg.RequestsPerSecond*2))
		server.router.Use(rateLimitMiddleware(server.rateLimiter))
	}
	server.router.Use(bodyLimitMiddleware(1 << 20))
	server.router.Use(metrics.Middleware(svc.Metrics, server.logger))
	server.router.Use(loggingMiddleware(server.logger))

	server.setupRoutes()
	return server
}

// loggingMiddleware tags each request with a correlation id and logs it.
func loggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logging.GenerateCorrelationID()
		}
		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Correlation-ID", correlationID)

		c.Next()

		logger.DebugWithContext(ctx, "request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_seconds", time.Since(start).Seconds(),
		)
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/metrics", gin.WrapH(s.svc.Metrics.Handler()))
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	v1.Use(APIKeyAuth(s.config.APIKeys, DefaultAPIKeyHeader, s.logger))
	{
		v1.GET("/providers", s.handleListProviders)
		v1.GET("/usage", s.handleListUsage)
		v1.GET("/usage/:provider", s.handleGetUsage)
		v1.POST("/usage/:provider/refresh", s.handleRefreshUsage)
		v1.POST("/providers/:provider/session/refresh", s.handleSessionRefresh)
		v1.GET("/providers/:provider/accounts", s.handleListAccounts)
		v1.POST("/providers/:provider/accounts/sync", s.handleSyncAccounts)
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.HTTPPort)
}

// Run listens until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Run() error {
	srv := NewHTTPServer(s.Addr(), s.router)
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return &errors.ErrServerStart{Addr: srv.Addr, Err: err}
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	if err := srv.Shutdown(ctx); err != nil {
		return &errors.ErrServerShutdown{Err: err}
	}
	return nil
}

// ProviderView describes a provider and its current state.
type ProviderView struct {
	ID           models.ProviderID   `json:"id"`
	Name         string              `json:"name"`
	Enabled      bool                `json:"enabled"`
	Source       models.SourceMode   `json:"source"`
	Modes        []models.SourceMode `json:"modes"`
	DashboardURL string              `json:"dashboard_url,omitempty"`
	Keepalive    *keepalive.Report   `json:"keepalive,omitempty"`
}

// AttemptView is one pipeline attempt in a usage response.
type AttemptView struct {
	Strategy   string           `json:"strategy"`
	Kind       models.FetchKind `json:"kind"`
	Available  bool             `json:"available"`
	Error      string           `json:"error,omitempty"`
	DurationMS int64            `json:"duration_ms"`
}

// UsageView is the usage of one provider.
type UsageView struct {
	Provider models.ProviderID     `json:"provider"`
	Snapshot *models.UsageSnapshot `json:"snapshot,omitempty"`
	Error    *errors.Displayable   `json:"error,omitempty"`
	Attempts []AttemptView         `json:"attempts,omitempty"`
}

// AccountView is a token account with its token masked.
type AccountView struct {
	ID               string     `json:"id"`
	Label            string     `json:"label"`
	Token            string     `json:"token"`
	Selected         bool       `json:"selected"`
	AddedAt          time.Time  `json:"added_at"`
	LastUsed         *time.Time `json:"last_used,omitempty"`
	CoolingDown      bool       `json:"cooling_down"`
	CoolingDownUntil *time.Time `json:"cooling_down_until,omitempty"`
	CooldownReason   string     `json:"cooldown_reason,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"timestamp":      time.Now().UTC(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"polling":        s.svc.Refresher.IsRunning(),
		"poll_interval":  s.svc.Refresher.Interval().String(),
	})
}

func (s *Server) handleListProviders(c *gin.Context) {
	views := lo.Map(s.svc.Registry.All(), func(d provider.Descriptor, _ int) ProviderView {
		cfg := s.svc.Settings.ProviderConfig(d.ID)
		v := ProviderView{
			ID:           d.ID,
			Name:         d.DisplayName,
			Enabled:      cfg.IsEnabled(d.DefaultEnabled),
			Source:       cfg.SourceMode(),
			Modes:        d.Modes,
			DashboardURL: d.DashboardURL,
		}
		if s.svc.Keepalive != nil {
			if r, ok := s.svc.Keepalive.Report(d.ID); ok {
				v.Keepalive = &r
			}
		}
		return v
	})
	c.JSON(http.StatusOK, views)
}

func (s *Server) handleListUsage(c *gin.Context) {
	views := make([]UsageView, 0)
	for _, p := range s.svc.Registry.IDs() {
		if !s.svc.Refresher.IsEnabled(p) {
			continue
		}
		views = append(views, s.usageView(p, false))
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) handleGetUsage(c *gin.Context) {
	p, ok := s.providerParam(c)
	if !ok {
		return
	}
	v := s.usageView(p, true)
	if v.Snapshot == nil && v.Error == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no usage fetched yet", "provider": p})
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) handleRefreshUsage(c *gin.Context) {
	p, ok := s.providerParam(c)
	if !ok {
		return
	}
	if !s.svc.Refresher.IsEnabled(p) {
		c.JSON(http.StatusConflict, gin.H{"error": "provider is disabled", "provider": p})
		return
	}

	var override *models.TokenAccountOverride
	if id := c.Query("account"); id != "" {
		acc, found := lo.Find(s.svc.Accounts.Accounts(p), func(a models.TokenAccount) bool { return a.ID == id })
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": accounts.ErrAccountNotFound.Error(), "account": id})
			return
		}
		override = &models.TokenAccountOverride{Provider: p, Account: acc}
	}

	if err := s.svc.Refresher.RefreshAccount(c.Request.Context(), p, override); err != nil {
		s.logger.WarnWithContext(c.Request.Context(), "refresh failed", "provider", p, "error", err)
		c.JSON(statusFor(err), s.usageView(p, true))
		return
	}
	c.JSON(http.StatusOK, s.usageView(p, true))
}

func (s *Server) handleSessionRefresh(c *gin.Context) {
	p, ok := s.providerParam(c)
	if !ok {
		return
	}
	if err := s.svc.Refresher.ForceSessionRefresh(c.Request.Context(), p); err != nil {
		d := s.present(err, p)
		c.JSON(statusFor(err), gin.H{"provider": p, "error": d})
		return
	}
	resp := gin.H{"provider": p, "status": "refreshed"}
	if s.svc.Keepalive != nil {
		if r, ok := s.svc.Keepalive.Report(p); ok {
			resp["keepalive"] = r
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListAccounts(c *gin.Context) {
	p, ok := s.providerParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": p, "accounts": s.accountViews(p)})
}

func (s *Server) handleSyncAccounts(c *gin.Context) {
	p, ok := s.providerParam(c)
	if !ok {
		return
	}
	if p != models.ProviderCLIProxyAPI {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account sync is only available for cliproxyapi", "provider": p})
		return
	}
	if s.svc.AccountSync == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "account sync is not configured", "provider": p})
		return
	}
	added, existing, err := s.svc.AccountSync.ScanAndSync(c.Request.Context())
	if err != nil {
		c.JSON(statusFor(err), gin.H{"provider": p, "error": s.present(err, p)})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"provider": p,
		"added":    added,
		"existing": existing,
		"accounts": s.accountViews(p),
	})
}

// providerParam parses :provider and answers 404 for unknown ids.
func (s *Server) providerParam(c *gin.Context) (models.ProviderID, bool) {
	raw := c.Param("provider")
	p, err := models.ParseProviderID(raw)
	if err == nil {
		_, err = s.svc.Registry.Get(p)
	}
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": (&errors.ErrUnknownProvider{Provider: raw}).Error()})
		return "", false
	}
	return p, true
}

func (s *Server) usageView(p models.ProviderID, withAttempts bool) UsageView {
	v := UsageView{Provider: p}
	if snap, ok := s.svc.Refresher.Snapshot(p); ok {
		v.Snapshot = snap
	}
	if err := s.svc.Refresher.LastError(p); err != nil {
		d := s.present(err, p)
		v.Error = &d
	}
	if withAttempts {
		v.Attempts = lo.Map(s.svc.Refresher.LastAttempts(p), func(a fetch.Attempt, _ int) AttemptView {
			av := AttemptView{
				Strategy:   a.StrategyID,
				Kind:       a.Kind,
				Available:  a.Available,
				DurationMS: a.Duration.Milliseconds(),
			}
			if a.Err != nil {
				av.Error = a.Err.Error()
			}
			return av
		})
	}
	return v
}

func (s *Server) accountViews(p models.ProviderID) []AccountView {
	selected := s.svc.Accounts.SelectedAccount(p, nil)
	now := time.Now()
	return lo.Map(s.svc.Accounts.Accounts(p), func(a models.TokenAccount, _ int) AccountView {
		return AccountView{
			CoolingDown:      a.IsCoolingDown(now),
			ID:               a.ID,
			Label:            a.Label,
			Token:            maskSecret(a.Token),
			Selected:         selected != nil && selected.ID == a.ID,
			AddedAt:          a.AddedAt,
			LastUsed:         a.LastUsed,
			CoolingDownUntil: a.CoolingDownUntil,
			CooldownReason:   a.CooldownReason,
		}
	})
}

func (s *Server) present(err error, p models.ProviderID) errors.Displayable {
	name := string(p)
	if d, derr := s.svc.Registry.Get(p); derr == nil {
		name = d.DisplayName
	}
	return errors.Present(err, name)
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	var unknown *errors.ErrUnknownProvider
	if errors.As(err, &unknown) {
		return http.StatusNotFound
	}
	var upstream *errors.ErrUpstreamAPI
	if errors.As(err, &upstream) && upstream.RateLimited() {
		return http.StatusTooManyRequests
	}
	switch errors.KindOf(err) {
	case errors.KindMissingCredentials, errors.KindInvalidCredentials, errors.KindNoStrategy,
		errors.KindBrowserAccessDenied, errors.KindNoMatchingAccount, errors.KindNoCookiesFound,
		errors.KindDashboardRequiresLogin, errors.KindManualHeaderInvalid:
		return http.StatusUnprocessableEntity
	case errors.KindKeepaliveStart:
		return http.StatusServiceUnavailable
	case errors.KindConfig, errors.KindStorage:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}
