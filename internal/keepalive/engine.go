// Package keepalive keeps browser and OAuth sessions of session-dependent
// providers alive with one periodic checker loop per provider, and forces a
// session refresh when a fetch reports an expired session.
package keepalive

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/logging"
	"github.com/quotaguard/quotabar/internal/models"
)

// DefaultGracePeriod is how long ForceRefresh waits for a freshly started
// instance to initialize.
const DefaultGracePeriod = time.Second

// forceTimeout bounds a ForceRefresh triggered by ProviderDidFail.
const forceTimeout = 2 * time.Minute

// State is the lifecycle state of a provider's keepalive instance.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Event is reported to the observer as instances change.
type Event string

const (
	EventStarted       Event = "started"
	EventStopped       Event = "stopped"
	EventCheckOK       Event = "check_ok"
	EventCheckFailed   Event = "check_failed"
	EventRefreshed     Event = "refreshed"
	EventRefreshFailed Event = "refresh_failed"
	EventRateLimited   Event = "rate_limited"
	EventRecovered     Event = "recovered"
)

// Host is the owner of the providers kept alive. The engine never owns it.
type Host interface {
	IsEnabled(p models.ProviderID) bool
	// AcquireProvider serializes a forced refresh with the provider's
	// fetches. The returned release must be called exactly once.
	AcquireProvider(ctx context.Context, p models.ProviderID) (release func(), err error)
	// RefreshProvider re-fetches the provider's usage.
	RefreshProvider(ctx context.Context, p models.ProviderID) error
}

// Session registers a session-dependent provider with its default config.
type Session struct {
	Provider models.ProviderID
	Config   Config
	Checker  Checker
}

// Report is a point-in-time view of one provider's keepalive.
type Report struct {
	Provider    models.ProviderID `json:"provider"`
	State       State             `json:"state"`
	Config      string            `json:"config"`
	Degraded    bool              `json:"degraded"`
	Failures    int               `json:"failures"`
	LastCheck   *time.Time        `json:"last_check,omitempty"`
	LastRefresh *time.Time        `json:"last_refresh,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithSettings makes per-provider keepalive settings override defaults.
func WithSettings(s models.Settings) Option {
	return func(e *Engine) { e.settings = s }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithObserver receives every lifecycle and check event.
func WithObserver(fn func(p models.ProviderID, ev Event)) Option {
	return func(e *Engine) { e.observer = fn }
}

// WithGracePeriod overrides DefaultGracePeriod.
func WithGracePeriod(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.grace = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine runs at most one keepalive instance per registered provider.
type Engine struct {
	host     Host
	settings models.Settings
	logger   *logging.Logger
	observer func(models.ProviderID, Event)
	grace    time.Duration
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	async  sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	sessions  map[models.ProviderID]Session
	instances map[models.ProviderID]*instance
	forcing   map[models.ProviderID]int
}

// NewEngine creates an engine serving host.
func NewEngine(host Host, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		host:      host,
		logger:    logging.Nop(),
		grace:     DefaultGracePeriod,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[models.ProviderID]Session),
		instances: make(map[models.ProviderID]*instance),
		forcing:   make(map[models.ProviderID]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds a session-dependent provider. It does not start it.
func (e *Engine) Register(s Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[s.Provider] = s
}

// Providers lists the registered providers in id order.
func (e *Engine) Providers() []models.ProviderID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.ProviderID, 0, len(e.sessions))
	for p := range e.sessions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Config returns the effective config of p: its default overlaid with the
// current settings.
func (e *Engine) Config(p models.ProviderID) (Config, bool) {
	e.mu.Lock()
	s, ok := e.sessions[p]
	e.mu.Unlock()
	if !ok {
		return Config{}, false
	}
	return e.effectiveConfig(s), true
}

func (e *Engine) effectiveConfig(s Session) Config {
	cfg := s.Config
	if e.settings != nil {
		cfg = cfg.Apply(e.settings.ProviderConfig(s.Provider).Keepalive)
	}
	return cfg
}

// Start launches p's keepalive loop. It logs and does nothing when p is not
// registered, disabled, already running or has keepalive turned off.
func (e *Engine) Start(p models.ProviderID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startLocked(p)
}

func (e *Engine) startLocked(p models.ProviderID) *instance {
	log := e.logger.With("provider", p)
	if e.closed {
		log.Debug("Keepalive engine stopped, not starting")
		return nil
	}
	s, ok := e.sessions[p]
	if !ok {
		log.Debug("Provider has no keepalive session")
		return nil
	}
	if inst, running := e.instances[p]; running {
		log.Debug("Keepalive already running", "state", inst.State())
		return nil
	}
	if !e.host.IsEnabled(p) {
		log.Info("Provider disabled, keepalive not started")
		return nil
	}
	cfg := e.effectiveConfig(s)
	if !cfg.Enabled {
		log.Info("Keepalive disabled in settings")
		return nil
	}
	if err := cfg.Validate(); err != nil {
		log.Warn("Invalid keepalive config", "error", err)
		return nil
	}

	ctx, cancel := context.WithCancel(e.ctx)
	inst := newInstance(s, cfg, cancel)
	e.instances[p] = inst
	log.Info("Starting keepalive", "config", cfg.String())
	go e.run(ctx, inst, log)
	return inst
}

// Stop cancels p's loop and waits for it to exit. Stopping a provider that is
// not running is a no-op.
func (e *Engine) Stop(p models.ProviderID) {
	e.mu.Lock()
	inst := e.instances[p]
	delete(e.instances, p)
	e.mu.Unlock()
	if inst == nil {
		return
	}
	inst.setState(StateStopping)
	inst.cancel()
	<-inst.done
}

// StopAll stops every instance and any forced refresh in flight. The engine
// cannot be restarted afterwards.
func (e *Engine) StopAll() {
	e.mu.Lock()
	e.closed = true
	instances := make([]*instance, 0, len(e.instances))
	for p, inst := range e.instances {
		instances = append(instances, inst)
		delete(e.instances, p)
	}
	e.mu.Unlock()

	e.cancel()
	for _, inst := range instances {
		inst.setState(StateStopping)
		inst.cancel()
		<-inst.done
	}
	e.async.Wait()
}

// SettingsDidChange reconciles running instances with the enabled state of
// every registered provider.
func (e *Engine) SettingsDidChange() {
	for _, p := range e.Providers() {
		e.mu.Lock()
		s := e.sessions[p]
		_, running := e.instances[p]
		e.mu.Unlock()

		want := e.host.IsEnabled(p) && e.effectiveConfig(s).Enabled
		switch {
		case want && !running:
			e.Start(p)
		case !want && running:
			e.logger.Info("Stopping keepalive after settings change", "provider", p)
			e.Stop(p)
		}
	}
}

// ProviderDidFail forces a session refresh in the background when err marks
// an expired session. Other errors, unregistered providers and providers
// with a forced refresh already in flight are ignored.
func (e *Engine) ProviderDidFail(p models.ProviderID, err error) {
	if !errors.IsSessionExpired(err) {
		return
	}
	e.mu.Lock()
	_, registered := e.sessions[p]
	if !registered || e.closed || e.forcing[p] > 0 {
		e.mu.Unlock()
		return
	}
	e.forcing[p]++
	e.async.Add(1)
	e.mu.Unlock()

	e.logger.Info("Session expired, forcing refresh", "provider", p, "error", err)
	go func() {
		defer e.async.Done()
		defer e.doneForcing(p)
		ctx, cancel := context.WithTimeout(e.ctx, forceTimeout)
		defer cancel()
		ctx, _ = logging.EnsureCorrelationID(ctx)
		if err := e.forceRefresh(ctx, p); err != nil {
			e.logger.WarnWithContext(ctx, "Forced session refresh failed", "provider", p, "error", err)
		}
	}()
}

// ForceRefresh refreshes p's session now and re-fetches its usage. When no
// instance is running one is started; if it does not initialize within the
// grace period ErrKeepaliveStart is returned.
func (e *Engine) ForceRefresh(ctx context.Context, p models.ProviderID) error {
	e.mu.Lock()
	if _, ok := e.sessions[p]; !ok {
		e.mu.Unlock()
		return &errors.ErrUnknownProvider{Provider: string(p)}
	}
	e.forcing[p]++
	e.mu.Unlock()
	defer e.doneForcing(p)
	return e.forceRefresh(ctx, p)
}

func (e *Engine) doneForcing(p models.ProviderID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.forcing[p]--; e.forcing[p] <= 0 {
		delete(e.forcing, p)
	}
}

func (e *Engine) forceRefresh(ctx context.Context, p models.ProviderID) error {
	e.mu.Lock()
	inst := e.instances[p]
	if inst == nil {
		inst = e.startLocked(p)
	}
	e.mu.Unlock()

	if inst == nil {
		e.logger.WarnWithContext(ctx, "Keepalive failed to start", "provider", p)
		return &errors.ErrKeepaliveStart{Provider: string(p), Timeout: e.grace}
	}
	if err := e.awaitReady(ctx, inst); err != nil {
		return err
	}

	release, err := e.host.AcquireProvider(ctx, p)
	if err != nil {
		return err
	}
	err = e.refresh(ctx, inst)
	release()
	if err != nil {
		return err
	}
	return e.host.RefreshProvider(ctx, p)
}

func (e *Engine) awaitReady(ctx context.Context, inst *instance) error {
	select {
	case <-inst.ready:
		return nil
	default:
	}
	timer := time.NewTimer(e.grace)
	defer timer.Stop()
	select {
	case <-inst.ready:
		return nil
	case <-inst.done:
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.logger.WarnWithContext(ctx, "Keepalive failed to start", "provider", inst.provider, "grace", e.grace.String())
	return &errors.ErrKeepaliveStart{Provider: string(inst.provider), Timeout: e.grace}
}

// State returns p's lifecycle state.
func (e *Engine) State(p models.ProviderID) State {
	e.mu.Lock()
	inst := e.instances[p]
	e.mu.Unlock()
	if inst == nil {
		return StateStopped
	}
	return inst.State()
}

// IsRunning reports whether p's loop is initialized and checking.
func (e *Engine) IsRunning(p models.ProviderID) bool {
	return e.State(p) == StateRunning
}

// Report returns p's keepalive state, including stopped registered providers.
func (e *Engine) Report(p models.ProviderID) (Report, bool) {
	e.mu.Lock()
	s, ok := e.sessions[p]
	inst := e.instances[p]
	e.mu.Unlock()
	if !ok {
		return Report{}, false
	}
	r := Report{Provider: p, State: StateStopped, Config: e.effectiveConfig(s).String()}
	if inst != nil {
		inst.report(&r)
	}
	return r, true
}

// Reports returns the report of every registered provider.
func (e *Engine) Reports() []Report {
	providers := e.Providers()
	out := make([]Report, 0, len(providers))
	for _, p := range providers {
		if r, ok := e.Report(p); ok {
			out = append(out, r)
		}
	}
	return out
}

func (e *Engine) observe(p models.ProviderID, ev Event) {
	if e.observer != nil {
		e.observer(p, ev)
	}
}

func (e *Engine) run(ctx context.Context, inst *instance, log *logging.Logger) {
	defer close(inst.done)
	defer func() {
		e.mu.Lock()
		if e.instances[inst.provider] == inst {
			delete(e.instances, inst.provider)
		}
		e.mu.Unlock()
		inst.setState(StateStopped)
		e.observe(inst.provider, EventStopped)
		log.Info("Keepalive stopped")
	}()

	if init, ok := inst.session.Checker.(Initializer); ok {
		if err := init.Init(ctx); err != nil {
			log.Warn("Keepalive initialization failed", "error", err)
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	inst.setState(StateRunning)
	close(inst.ready)
	e.observe(inst.provider, EventStarted)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		timer.Reset(e.tick(ctx, inst, log))
	}
}

// tick runs one liveness check, refreshes when the session is expired or a
// proactive refresh is due, and returns the delay until the next tick.
func (e *Engine) tick(ctx context.Context, inst *instance, log *logging.Logger) time.Duration {
	cfg := e.effectiveConfig(inst.session)
	recovered, delay := e.check(ctx, inst, cfg, log)
	if recovered {
		log.Info("Session recovered, refreshing usage")
		e.observe(inst.provider, EventRecovered)
		if err := e.host.RefreshProvider(ctx, inst.provider); err != nil {
			log.Warn("Refresh after session recovery failed", "error", err)
		}
	}
	return delay
}

func (e *Engine) check(ctx context.Context, inst *instance, cfg Config, log *logging.Logger) (recovered bool, delay time.Duration) {
	inst.opMu.Lock()
	defer inst.opMu.Unlock()
	if limit := rate.Every(cfg.minRefresh()); inst.limiter.Limit() != limit {
		inst.limiter.SetLimitAt(e.now(), limit)
	}

	status, err := inst.session.Checker.Check(ctx)
	if ctx.Err() != nil {
		return false, cfg.CheckInterval()
	}
	now := e.now()
	inst.mu.Lock()
	inst.lastCheck = now
	lastRefresh := inst.lastRefresh
	inst.mu.Unlock()

	if err != nil {
		n := inst.fail(err)
		log.Warn("Session check failed", "error", err, "failures", n)
		e.observe(inst.provider, EventCheckFailed)
		return false, cfg.RetryDelay(n)
	}
	inst.setExpiry(status.ExpiresAt)
	e.observe(inst.provider, EventCheckOK)
	if status.Expired {
		// A successful refresh below then counts as a recovery.
		inst.markDegraded()
	}

	if status.Expired || cfg.Due(now, status, lastRefresh) {
		if !inst.limiter.AllowN(now, 1) {
			e.observe(inst.provider, EventRateLimited)
			if status.Expired {
				n := inst.fail(errors.New("session expired, refresh rate limited"))
				log.Info("Session expired but refreshed too recently", "failures", n)
				return false, cfg.RetryDelay(n)
			}
			log.Debug("Proactive refresh skipped, refreshed too recently")
		} else {
			if err := inst.session.Checker.Refresh(ctx); err != nil {
				n := inst.fail(err)
				log.Warn("Session refresh failed", "error", err, "failures", n)
				e.observe(inst.provider, EventRefreshFailed)
				return false, cfg.RetryDelay(n)
			}
			inst.refreshed(now)
			e.observe(inst.provider, EventRefreshed)
			log.Debug("Session refreshed")
		}
	}
	return inst.healthy(), cfg.CheckInterval()
}

// refresh runs the checker's refresh primitive outside the limiter.
func (e *Engine) refresh(ctx context.Context, inst *instance) error {
	inst.opMu.Lock()
	defer inst.opMu.Unlock()
	if err := inst.session.Checker.Refresh(ctx); err != nil {
		inst.fail(err)
		e.observe(inst.provider, EventRefreshFailed)
		return err
	}
	inst.refreshed(e.now())
	inst.healthy()
	e.observe(inst.provider, EventRefreshed)
	return nil
}

type instance struct {
	provider models.ProviderID
	session  Session
	cancel   context.CancelFunc
	ready    chan struct{}
	done     chan struct{}
	limiter  *rate.Limiter

	// opMu serializes checks with forced refreshes.
	opMu sync.Mutex

	mu          sync.Mutex
	state       State
	degraded    bool
	failures    int
	lastCheck   time.Time
	lastRefresh time.Time
	expiresAt   *time.Time
	lastErr     string
}

func newInstance(s Session, cfg Config, cancel context.CancelFunc) *instance {
	return &instance{
		provider: s.Provider,
		session:  s,
		cancel:   cancel,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		limiter:  rate.NewLimiter(rate.Every(cfg.minRefresh()), 1),
		state:    StateStarting,
	}
}

func (i *instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *instance) setState(s State) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == StateStopped && s == StateStopping {
		return
	}
	i.state = s
}

func (i *instance) fail(err error) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.degraded = true
	i.failures++
	i.lastErr = err.Error()
	return i.failures
}

func (i *instance) markDegraded() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.degraded = true
}

func (i *instance) refreshed(at time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastRefresh = at
}

func (i *instance) setExpiry(t *time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.expiresAt = t
}

// healthy clears the failure state and reports whether it was degraded.
func (i *instance) healthy() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	was := i.degraded
	i.degraded = false
	i.failures = 0
	i.lastErr = ""
	return was
}

func (i *instance) report(r *Report) {
	i.mu.Lock()
	defer i.mu.Unlock()
	r.State = i.state
	r.Degraded = i.degraded
	r.Failures = i.failures
	r.LastError = i.lastErr
	r.ExpiresAt = i.expiresAt
	if !i.lastCheck.IsZero() {
		t := i.lastCheck
		r.LastCheck = &t
	}
	if !i.lastRefresh.IsZero() {
		t := i.lastRefresh
		r.LastRefresh = &t
	}
}
