// Package collector coordinates provider refreshes: it runs each provider's
// fetch pipeline, keeps the accepted snapshots and feeds failures back to the
// session keepalive engine.
package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/quotaguard/quotabar/internal/accounts"
	"github.com/quotaguard/quotabar/internal/cookiecache"
	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/fetch"
	"github.com/quotaguard/quotabar/internal/keepalive"
	"github.com/quotaguard/quotabar/internal/logging"
	"github.com/quotaguard/quotabar/internal/metrics"
	"github.com/quotaguard/quotabar/internal/models"
	"github.com/quotaguard/quotabar/internal/provider"
	"github.com/quotaguard/quotabar/internal/store"
	"github.com/quotaguard/quotabar/internal/usage"
)

// SnapshotStore persists accepted snapshots.
type SnapshotStore interface {
	SaveSnapshot(snapshot *models.UsageSnapshot) (bool, error)
	DeleteSnapshot(provider models.ProviderID) error
	LoadSnapshots() (map[models.ProviderID]*models.UsageSnapshot, error)
}

var _ SnapshotStore = (store.Store)(nil)

// Config holds configuration for the refresher
type Config struct {
	// Interval is the base poll interval.
	Interval time.Duration
	// Adaptive polls more often while some provider is close to its limit.
	Adaptive bool
	// Timeout bounds one provider's pipeline run.
	Timeout time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Minute,
		Adaptive: true,
		Timeout:  30 * time.Second,
	}
}

const (
	minPollInterval = 30 * time.Second
	maxPollInterval = 30 * time.Minute
)

// Deps are the collaborators of a Refresher. Registry and Settings are
// required.
type Deps struct {
	Registry  *provider.Registry
	Settings  models.Settings
	Accounts  *accounts.Store
	Tracker   *usage.Tracker
	Snapshots SnapshotStore
	Cookies   *cookiecache.Cache
	Metrics   *metrics.Metrics
	Env       func() map[string]string
	Now       func() time.Time
	Logger    *logging.Logger
}

// Refresher serializes refreshes per provider and keeps the latest result
// of each. It implements keepalive.Host.
type Refresher struct {
	deps      Deps
	cfg       Config
	keepalive *keepalive.Engine

	sems map[models.ProviderID]*semaphore.Weighted

	mu       sync.RWMutex
	lastErr  map[models.ProviderID]error
	attempts map[models.ProviderID][]fetch.Attempt
	interval time.Duration

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

var _ keepalive.Host = (*Refresher)(nil)

// New creates a refresher and seeds it with persisted snapshots.
func New(deps Deps, cfg Config) (*Refresher, error) {
	if deps.Registry == nil || deps.Settings == nil {
		return nil, fmt.Errorf("collector: registry and settings are required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Tracker == nil {
		deps.Tracker = usage.NewTracker()
	}
	if deps.Accounts == nil {
		deps.Accounts = accounts.New(deps.Settings)
	}
	if deps.Env == nil {
		deps.Env = provider.Environ
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	r := &Refresher{
		deps:     deps,
		cfg:      cfg,
		sems:     make(map[models.ProviderID]*semaphore.Weighted),
		lastErr:  make(map[models.ProviderID]error),
		attempts: make(map[models.ProviderID][]fetch.Attempt),
		interval: cfg.Interval,
	}
	for _, p := range deps.Registry.IDs() {
		r.sems[p] = semaphore.NewWeighted(1)
	}

	if deps.Snapshots != nil {
		stored, err := deps.Snapshots.LoadSnapshots()
		if err != nil {
			return nil, fmt.Errorf("load snapshots: %w", err)
		}
		seed := make([]*models.UsageSnapshot, 0, len(stored))
		for _, s := range stored {
			seed = append(seed, s)
		}
		deps.Tracker.Seed(seed)
	}
	return r, nil
}

// AttachKeepalive connects the keepalive engine. Fetch failures are reported
// to it and ForceSessionRefresh goes through it.
func (r *Refresher) AttachKeepalive(e *keepalive.Engine) {
	r.mu.Lock()
	r.keepalive = e
	r.mu.Unlock()
}

func (r *Refresher) engine() *keepalive.Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keepalive
}

// IsEnabled reports whether the user enabled p.
func (r *Refresher) IsEnabled(p models.ProviderID) bool {
	desc, err := r.deps.Registry.Get(p)
	if err != nil {
		return false
	}
	return r.deps.Settings.ProviderConfig(p).IsEnabled(desc.DefaultEnabled)
}

// AcquireProvider waits until no refresh of p is in flight and blocks new
// ones until release is called.
func (r *Refresher) AcquireProvider(ctx context.Context, p models.ProviderID) (func(), error) {
	sem, ok := r.sems[p]
	if !ok {
		return nil, &errors.ErrUnknownProvider{Provider: string(p)}
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}

// RefreshProvider is the keepalive engine's entry point after a session
// refresh.
func (r *Refresher) RefreshProvider(ctx context.Context, p models.ProviderID) error {
	return r.Refresh(ctx, p)
}

// Refresh runs p's pipeline with the selected token account.
func (r *Refresher) Refresh(ctx context.Context, p models.ProviderID) error {
	return r.RefreshAccount(ctx, p, nil)
}

// RefreshAccount runs p's pipeline, using override instead of the selected
// account when it is set.
func (r *Refresher) RefreshAccount(ctx context.Context, p models.ProviderID, override *models.TokenAccountOverride) error {
	release, err := r.AcquireProvider(ctx, p)
	if err != nil {
		return err
	}
	defer release()
	return r.refresh(ctx, p, override)
}

// RefreshAll refreshes every enabled provider in parallel and returns the
// errors by provider.
func (r *Refresher) RefreshAll(ctx context.Context) map[models.ProviderID]error {
	return r.refreshAll(ctx, true)
}

func (r *Refresher) refreshAll(ctx context.Context, wait bool) map[models.ProviderID]error {
	var (
		mu   sync.Mutex
		errs = make(map[models.ProviderID]error)
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range r.deps.Registry.IDs() {
		if !r.IsEnabled(p) {
			r.clear(p)
			continue
		}
		g.Go(func() error {
			var err error
			if wait {
				err = r.Refresh(gctx, p)
			} else {
				err = r.tryRefresh(gctx, p)
			}
			if err != nil {
				mu.Lock()
				errs[p] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// tryRefresh skips p when a refresh of it is already in flight.
func (r *Refresher) tryRefresh(ctx context.Context, p models.ProviderID) error {
	sem := r.sems[p]
	if !sem.TryAcquire(1) {
		r.deps.Logger.DebugWithContext(ctx, "Refresh already in flight, skipping", "provider", p)
		return nil
	}
	defer sem.Release(1)
	return r.refresh(ctx, p, nil)
}

// refresh runs with the provider's semaphore held.
func (r *Refresher) refresh(ctx context.Context, p models.ProviderID, override *models.TokenAccountOverride) error {
	ctx, _ = logging.EnsureCorrelationID(ctx)
	logger := r.deps.Logger.With("provider", string(p))

	desc, err := r.deps.Registry.Get(p)
	if err != nil {
		return err
	}
	cfg := r.deps.Settings.ProviderConfig(p)
	if !cfg.IsEnabled(desc.DefaultEnabled) {
		r.clear(p)
		return nil
	}

	mode := cfg.SourceMode()
	if !desc.SupportsMode(mode) {
		logger.WarnWithContext(ctx, "Unsupported source mode, using auto", "mode", mode)
		mode = models.SourceAuto
	}
	fc := &fetch.Context{
		Provider: p,
		Env:      r.deps.Env(),
		Settings: cfg,
		Mode:     mode,
		Account:  r.deps.Accounts.SelectedAccount(p, override),
		Override: override,
	}

	opts := []fetch.PipelineOption{fetch.WithLogger(logger)}
	if r.deps.Metrics != nil {
		opts = append(opts, fetch.WithObserver(r.deps.Metrics.ObserveAttempt))
	}
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	start := r.deps.Now()
	out := fetch.NewPipeline(p, desc.Strategies, opts...).Run(runCtx, fc)
	cancel()
	elapsed := r.deps.Now().Sub(start)

	r.mu.Lock()
	r.attempts[p] = out.Attempts
	r.mu.Unlock()

	if out.Err != nil {
		r.recordFailure(ctx, p, fc.Account, failedStrategy(out.Attempts), out.Err, elapsed)
		return out.Err
	}
	r.accept(ctx, p, out.Result, elapsed)
	return nil
}

func (r *Refresher) accept(ctx context.Context, p models.ProviderID, res *fetch.Result, elapsed time.Duration) {
	logger := r.deps.Logger.With("provider", string(p))
	now := r.deps.Now()
	snap := res.Snapshot
	snap.Provider = p
	r.deps.Tracker.Stamp(snap, now)
	if !r.deps.Tracker.Accept(snap) {
		logger.DebugWithContext(ctx, "Discarded out-of-order snapshot", "updated_at", snap.UpdatedAt)
	} else if r.deps.Snapshots != nil {
		if _, err := r.deps.Snapshots.SaveSnapshot(snap); err != nil {
			logger.WarnWithContext(ctx, "Failed to persist snapshot", "error", err)
		}
	}

	if res.Account != nil && res.Account.ID != "" {
		if err := r.deps.Accounts.MarkUsed(p, res.Account.ID, now); err != nil && !errors.Is(err, accounts.ErrAccountNotFound) {
			logger.WarnWithContext(ctx, "Failed to mark account used", "account", res.Account.ID, "error", err)
		}
	}

	r.mu.Lock()
	delete(r.lastErr, p)
	r.mu.Unlock()

	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordRefresh(p, "ok", elapsed.Seconds())
		r.deps.Metrics.RecordSnapshot(snap)
	}
	logger.InfoWithContext(ctx, "Usage refreshed",
		"strategy", res.StrategyID, "source", snap.SourceLabel, "duration_ms", elapsed.Milliseconds())
}

// failedStrategy returns the id of the last strategy that ran and failed.
func failedStrategy(attempts []fetch.Attempt) string {
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].Available && attempts[i].Err != nil {
			return attempts[i].StrategyID
		}
	}
	return ""
}

// recordFailure stores err for p. A rate limit with a reset hint parks the
// account, keyed by the strategy that hit the limit.
func (r *Refresher) recordFailure(ctx context.Context, p models.ProviderID, account *models.TokenAccount, strategy string, err error, elapsed time.Duration) {
	logger := r.deps.Logger.With("provider", string(p))
	r.mu.Lock()
	r.lastErr[p] = err
	r.mu.Unlock()

	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordRefresh(p, string(errors.KindOf(err)), elapsed.Seconds())
	}

	var apiErr *errors.ErrUpstreamAPI
	if account != nil && account.ID != "" && errors.As(err, &apiErr) && apiErr.RateLimited() && apiErr.RetryAfter > 0 {
		until := r.deps.Now().Add(apiErr.RetryAfter)
		if cerr := r.deps.Accounts.SetCooldown(p, account.ID, strategy, until, "rate limited"); cerr != nil {
			logger.WarnWithContext(ctx, "Failed to record cooldown", "account", account.ID, "error", cerr)
		} else {
			if r.deps.Metrics != nil {
				r.deps.Metrics.RecordCooldown(p)
			}
			logger.InfoWithContext(ctx, "Account cooling down", "account", account.ID, "strategy", strategy, "until", until)
		}
	}

	if e := r.engine(); e != nil {
		e.ProviderDidFail(p, err)
	}
	logger.WarnWithContext(ctx, "Usage refresh failed", "kind", errors.KindOf(err), "error", err)
}

// clear drops everything known about a disabled provider.
func (r *Refresher) clear(p models.ProviderID) {
	r.mu.Lock()
	delete(r.lastErr, p)
	delete(r.attempts, p)
	r.mu.Unlock()

	if _, ok := r.deps.Tracker.Get(p); ok {
		r.deps.Tracker.Forget(p)
		if r.deps.Snapshots != nil {
			if err := r.deps.Snapshots.DeleteSnapshot(p); err != nil {
				r.deps.Logger.Warn("Failed to delete snapshot", "provider", p, "error", err)
			}
		}
	}
	if r.deps.Cookies != nil {
		r.deps.Cookies.Invalidate(p)
	}
	if r.deps.Metrics != nil {
		r.deps.Metrics.ClearProvider(p)
	}
}

// ForceSessionRefresh refreshes p's browser session now and re-fetches.
func (r *Refresher) ForceSessionRefresh(ctx context.Context, p models.ProviderID) error {
	e := r.engine()
	if e == nil {
		return &errors.ErrKeepaliveStart{Provider: string(p)}
	}
	ctx, _ = logging.EnsureCorrelationID(ctx)
	return e.ForceRefresh(ctx, p)
}

// Snapshot returns the last accepted snapshot of p.
func (r *Refresher) Snapshot(p models.ProviderID) (*models.UsageSnapshot, bool) {
	return r.deps.Tracker.Get(p)
}

// Snapshots returns every accepted snapshot.
func (r *Refresher) Snapshots() map[models.ProviderID]*models.UsageSnapshot {
	return r.deps.Tracker.All()
}

// LastError returns the error of p's last refresh, nil after a success.
func (r *Refresher) LastError(p models.ProviderID) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr[p]
}

// LastAttempts returns the attempts of p's last pipeline run.
func (r *Refresher) LastAttempts(p models.ProviderID) []fetch.Attempt {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]fetch.Attempt(nil), r.attempts[p]...)
}

// Start begins the poll loop. The first poll runs immediately.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return &errors.ErrAlreadyRunning{Component: "refresher"}
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.pollLoop(ctx)
	return nil
}

// Stop ends the poll loop and waits for an in-flight poll.
func (r *Refresher) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	stopCh := r.stopCh
	r.mu.Unlock()

	close(stopCh)
	r.wg.Wait()
	return nil
}

// IsRunning returns true if the poll loop is running
func (r *Refresher) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

func (r *Refresher) pollLoop(ctx context.Context) {
	defer r.wg.Done()

	r.poll(ctx)

	timer := time.NewTimer(r.Interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-timer.C:
			r.poll(ctx)
			timer.Reset(r.Interval())
		}
	}
}

func (r *Refresher) poll(ctx context.Context) {
	ctx, _ = logging.EnsureCorrelationID(ctx)
	errs := r.refreshAll(ctx, false)
	if len(errs) > 0 {
		r.deps.Logger.DebugWithContext(ctx, "Poll finished with failures", "failed", len(errs))
	}
	if r.cfg.Adaptive {
		r.updateAdaptiveInterval()
	}
}

// updateAdaptiveInterval shortens the poll interval as the most used window
// of any provider approaches its limit.
func (r *Refresher) updateAdaptiveInterval() {
	highest := -1.0
	for _, snap := range r.deps.Tracker.All() {
		for _, w := range snap.Windows() {
			if w.UsedPercent > highest {
				highest = w.UsedPercent
			}
		}
	}

	interval := r.cfg.Interval
	switch {
	case highest < 0:
	case highest >= 90:
		interval = r.cfg.Interval / 4
	case highest >= 75:
		interval = r.cfg.Interval / 2
	case highest < 25:
		interval = r.cfg.Interval * 2
	}
	if interval < minPollInterval {
		interval = minPollInterval
	}
	if interval > maxPollInterval {
		interval = maxPollInterval
	}

	r.mu.Lock()
	r.interval = interval
	r.mu.Unlock()
}

// Interval returns the current poll interval.
func (r *Refresher) Interval() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.interval
}
