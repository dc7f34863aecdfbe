package keepalive

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotaguard/quotabar/internal/config"
	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/logging"
	"github.com/quotaguard/quotabar/internal/models"
)

// fakeHost records acquisitions and re-fetches.
type fakeHost struct {
	mu        sync.Mutex
	enabled   map[models.ProviderID]bool
	acquired  int
	refreshed map[models.ProviderID]int
}

func newFakeHost(enabled ...models.ProviderID) *fakeHost {
	h := &fakeHost{enabled: map[models.ProviderID]bool{}, refreshed: map[models.ProviderID]int{}}
	for _, p := range enabled {
		h.enabled[p] = true
	}
	return h
}

func (h *fakeHost) IsEnabled(p models.ProviderID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled[p]
}

func (h *fakeHost) setEnabled(p models.ProviderID, on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enabled[p] = on
}

func (h *fakeHost) AcquireProvider(context.Context, models.ProviderID) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.acquired++
	return func() {}, nil
}

func (h *fakeHost) RefreshProvider(_ context.Context, p models.ProviderID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refreshed[p]++
	return nil
}

func (h *fakeHost) refreshes(p models.ProviderID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refreshed[p]
}

// fakeChecker is a checker with function fields and call counters.
type fakeChecker struct {
	checkFn   func(ctx context.Context) (Status, error)
	refreshFn func(ctx context.Context) error
	checks    atomic.Int32
	refreshes atomic.Int32
}

func (f *fakeChecker) Check(ctx context.Context) (Status, error) {
	f.checks.Add(1)
	if f.checkFn != nil {
		return f.checkFn(ctx)
	}
	return Status{Valid: true}, nil
}

func (f *fakeChecker) Refresh(ctx context.Context) error {
	f.refreshes.Add(1)
	if f.refreshFn != nil {
		return f.refreshFn(ctx)
	}
	return nil
}

// slowChecker blocks in Init until its context ends.
type slowChecker struct {
	fakeChecker
	delay time.Duration
}

func (s *slowChecker) Init(ctx context.Context) error {
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func healthy() func(context.Context) (Status, error) {
	exp := time.Now().Add(24 * time.Hour)
	return func(context.Context) (Status, error) {
		return Status{Valid: true, ExpiresAt: &exp}, nil
	}
}

func TestEngine_StartStopIdempotent(t *testing.T) {
	host := newFakeHost(models.ProviderClaude)
	checker := &fakeChecker{}
	e := NewEngine(host)
	t.Cleanup(e.StopAll)
	e.Register(Session{Provider: models.ProviderClaude, Config: IntervalConfig(time.Hour), Checker: checker})

	e.Start(models.ProviderClaude)
	e.Start(models.ProviderClaude)
	require.Eventually(t, func() bool { return e.IsRunning(models.ProviderClaude) }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return checker.checks.Load() == 1 }, time.Second, 5*time.Millisecond)

	e.Start(models.ProviderClaude)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), checker.checks.Load(), "a second Start must not spawn another loop")

	e.Stop(models.ProviderClaude)
	assert.Equal(t, StateStopped, e.State(models.ProviderClaude))
	e.Stop(models.ProviderClaude)
	assert.Equal(t, StateStopped, e.State(models.ProviderClaude))

	e.Start(models.ProviderClaude)
	require.Eventually(t, func() bool { return e.IsRunning(models.ProviderClaude) }, time.Second, 5*time.Millisecond)
}

func TestEngine_StartSkips(t *testing.T) {
	t.Run("disabled provider", func(t *testing.T) {
		e := NewEngine(newFakeHost())
		t.Cleanup(e.StopAll)
		e.Register(Session{Provider: models.ProviderCodex, Config: IntervalConfig(time.Hour), Checker: &fakeChecker{}})
		e.Start(models.ProviderCodex)
		assert.Equal(t, StateStopped, e.State(models.ProviderCodex))
	})

	t.Run("unregistered provider", func(t *testing.T) {
		e := NewEngine(newFakeHost(models.ProviderGemini))
		t.Cleanup(e.StopAll)
		e.Start(models.ProviderGemini)
		assert.Equal(t, StateStopped, e.State(models.ProviderGemini))
	})

	t.Run("keepalive disabled in settings", func(t *testing.T) {
		off := false
		settings := config.NewMemorySettings(map[models.ProviderID]models.ProviderConfig{
			models.ProviderCodex: {Keepalive: &models.KeepaliveSettings{Enabled: &off}},
		})
		e := NewEngine(newFakeHost(models.ProviderCodex), WithSettings(settings))
		t.Cleanup(e.StopAll)
		e.Register(Session{Provider: models.ProviderCodex, Config: IntervalConfig(time.Hour), Checker: &fakeChecker{}})
		e.Start(models.ProviderCodex)
		assert.Equal(t, StateStopped, e.State(models.ProviderCodex))
	})

	t.Run("after StopAll", func(t *testing.T) {
		e := NewEngine(newFakeHost(models.ProviderCodex))
		e.Register(Session{Provider: models.ProviderCodex, Config: IntervalConfig(time.Hour), Checker: &fakeChecker{}})
		e.StopAll()
		e.Start(models.ProviderCodex)
		assert.Equal(t, StateStopped, e.State(models.ProviderCodex))
	})
}

func TestEngine_ForceRefreshDisabledProvider(t *testing.T) {
	e := NewEngine(newFakeHost())
	t.Cleanup(e.StopAll)
	e.Register(Session{Provider: models.ProviderAugment, Config: BeforeExpiryConfig(5 * time.Minute), Checker: &fakeChecker{}})

	start := time.Now()
	err := e.ForceRefresh(context.Background(), models.ProviderAugment)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	var startErr *errors.ErrKeepaliveStart
	require.True(t, errors.As(err, &startErr))
	assert.Equal(t, errors.KindKeepaliveStart, errors.KindOf(err))
	assert.Contains(t, err.Error(), "keepalive failed to start")
}

func TestEngine_ForceRefreshSlowInit(t *testing.T) {
	host := newFakeHost(models.ProviderAugment)
	checker := &slowChecker{delay: 10 * time.Second}
	e := NewEngine(host, WithGracePeriod(50*time.Millisecond))
	e.Register(Session{Provider: models.ProviderAugment, Config: BeforeExpiryConfig(5 * time.Minute), Checker: checker})

	start := time.Now()
	err := e.ForceRefresh(context.Background(), models.ProviderAugment)
	assert.Equal(t, errors.KindKeepaliveStart, errors.KindOf(err))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateStarting, e.State(models.ProviderAugment))
	assert.Zero(t, checker.refreshes.Load())
	assert.Zero(t, host.refreshes(models.ProviderAugment))

	done := make(chan struct{})
	go func() {
		e.StopAll()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("StopAll did not return")
	}
}

func TestEngine_ForceRefreshUnknownProvider(t *testing.T) {
	e := NewEngine(newFakeHost(models.ProviderZAI))
	t.Cleanup(e.StopAll)
	err := e.ForceRefresh(context.Background(), models.ProviderZAI)
	var unknown *errors.ErrUnknownProvider
	assert.True(t, errors.As(err, &unknown))
}

func TestEngine_ForceRefreshRunsRefreshThenFetch(t *testing.T) {
	host := newFakeHost(models.ProviderClaude)
	checker := &fakeChecker{checkFn: healthy()}
	e := NewEngine(host)
	t.Cleanup(e.StopAll)
	e.Register(Session{Provider: models.ProviderClaude, Config: BeforeExpiryConfig(5 * time.Minute), Checker: checker})

	t.Run("starts an instance when none runs", func(t *testing.T) {
		require.NoError(t, e.ForceRefresh(context.Background(), models.ProviderClaude))
		assert.True(t, e.IsRunning(models.ProviderClaude))
		assert.Equal(t, int32(1), checker.refreshes.Load())
		assert.Equal(t, 1, host.refreshes(models.ProviderClaude))
	})

	t.Run("bypasses the refresh limiter", func(t *testing.T) {
		require.NoError(t, e.ForceRefresh(context.Background(), models.ProviderClaude))
		assert.Equal(t, int32(2), checker.refreshes.Load())
		assert.Equal(t, 2, host.refreshes(models.ProviderClaude))
		host.mu.Lock()
		assert.Equal(t, 2, host.acquired)
		host.mu.Unlock()
	})

	t.Run("refresh failure is returned without a re-fetch", func(t *testing.T) {
		checker.refreshFn = func(context.Context) error {
			return &errors.ErrInvalidCredentials{Provider: "claude", StatusCode: 401}
		}
		err := e.ForceRefresh(context.Background(), models.ProviderClaude)
		assert.Equal(t, errors.KindInvalidCredentials, errors.KindOf(err))
		assert.Equal(t, 2, host.refreshes(models.ProviderClaude))

		r, ok := e.Report(models.ProviderClaude)
		require.True(t, ok)
		assert.True(t, r.Degraded)
		assert.Equal(t, 1, r.Failures)
	})
}

func TestEngine_ProviderDidFail(t *testing.T) {
	host := newFakeHost(models.ProviderCodex)
	checker := &fakeChecker{checkFn: healthy()}
	e := NewEngine(host)
	t.Cleanup(e.StopAll)
	e.Register(Session{Provider: models.ProviderCodex, Config: BeforeExpiryConfig(5 * time.Minute), Checker: checker})

	e.ProviderDidFail(models.ProviderCodex, &errors.ErrNetwork{Provider: "codex", Err: fmt.Errorf("reset")})
	e.ProviderDidFail(models.ProviderCodex, &errors.ErrUpstreamAPI{Provider: "codex", StatusCode: 500})
	e.ProviderDidFail(models.ProviderGemini, &errors.ErrInvalidCredentials{Provider: "gemini", StatusCode: 401})
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, checker.refreshes.Load())
	assert.Zero(t, host.refreshes(models.ProviderCodex))

	e.ProviderDidFail(models.ProviderCodex, fmt.Errorf("fetch: %w", &errors.ErrInvalidCredentials{Provider: "codex", StatusCode: 401}))
	require.Eventually(t, func() bool { return host.refreshes(models.ProviderCodex) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), checker.refreshes.Load())
}

func TestEngine_SettingsDidChange(t *testing.T) {
	host := newFakeHost(models.ProviderCodex, models.ProviderAugment)
	e := NewEngine(host)
	t.Cleanup(e.StopAll)
	e.Register(Session{Provider: models.ProviderCodex, Config: BeforeExpiryConfig(time.Minute), Checker: &fakeChecker{checkFn: healthy()}})
	e.Register(Session{Provider: models.ProviderAugment, Config: BeforeExpiryConfig(time.Minute), Checker: &fakeChecker{checkFn: healthy()}})

	e.SettingsDidChange()
	require.Eventually(t, func() bool {
		return e.IsRunning(models.ProviderCodex) && e.IsRunning(models.ProviderAugment)
	}, time.Second, 5*time.Millisecond)

	host.setEnabled(models.ProviderAugment, false)
	e.SettingsDidChange()
	assert.Equal(t, StateStopped, e.State(models.ProviderAugment))
	assert.True(t, e.IsRunning(models.ProviderCodex))

	host.setEnabled(models.ProviderAugment, true)
	e.SettingsDidChange()
	require.Eventually(t, func() bool { return e.IsRunning(models.ProviderAugment) }, time.Second, 5*time.Millisecond)
}

func TestEngine_TickRecovery(t *testing.T) {
	host := newFakeHost(models.ProviderAugment)
	var events []Event
	e := NewEngine(host, WithObserver(func(_ models.ProviderID, ev Event) { events = append(events, ev) }))
	fail := true
	exp := time.Now().Add(time.Hour)
	checker := &fakeChecker{checkFn: func(context.Context) (Status, error) {
		if fail {
			return Status{}, fmt.Errorf("connection refused")
		}
		return Status{Valid: true, ExpiresAt: &exp}, nil
	}}
	s := Session{Provider: models.ProviderAugment, Config: BeforeExpiryConfig(5 * time.Minute), Checker: checker}
	inst := newInstance(s, s.Config, func() {})
	ctx := context.Background()

	assert.Equal(t, RetryBase, e.tick(ctx, inst, logging.Nop()))
	assert.Equal(t, 2*RetryBase, e.tick(ctx, inst, logging.Nop()))
	assert.Zero(t, host.refreshes(models.ProviderAugment))

	fail = false
	assert.Equal(t, expiryCheckInterval, e.tick(ctx, inst, logging.Nop()))
	assert.Equal(t, 1, host.refreshes(models.ProviderAugment))
	assert.Contains(t, events, EventRecovered)

	e.tick(ctx, inst, logging.Nop())
	assert.Equal(t, 1, host.refreshes(models.ProviderAugment), "recovery re-fetch is one-time")
	assert.Zero(t, checker.refreshes.Load())
}

func TestEngine_TickExpiredSession(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	host := newFakeHost(models.ProviderCodex)
	e := NewEngine(host, WithClock(func() time.Time { return now }))
	checker := &fakeChecker{checkFn: func(context.Context) (Status, error) {
		return Status{Expired: true}, nil
	}}
	s := Session{Provider: models.ProviderCodex, Config: IntervalConfig(time.Hour), Checker: checker}
	inst := newInstance(s, s.Config, func() {})

	// An expired session that refreshes cleanly is a recovery: usage is re-fetched once.
	assert.Equal(t, time.Hour, e.tick(context.Background(), inst, logging.Nop()))
	assert.Equal(t, int32(1), checker.refreshes.Load())
	assert.Equal(t, 1, host.refreshes(models.ProviderCodex))

	// The limiter allows one proactive refresh per MinRefreshInterval.
	now = now.Add(10 * time.Second)
	assert.Equal(t, RetryBase, e.tick(context.Background(), inst, logging.Nop()))
	assert.Equal(t, int32(1), checker.refreshes.Load())
	assert.Equal(t, 1, host.refreshes(models.ProviderCodex))

	now = now.Add(DefaultMinRefreshInterval)
	e.tick(context.Background(), inst, logging.Nop())
	assert.Equal(t, int32(2), checker.refreshes.Load())
	assert.Equal(t, 2, host.refreshes(models.ProviderCodex))
}

func TestConfig_Apply(t *testing.T) {
	on := true
	cfg := IntervalConfig(time.Hour)
	cfg.Enabled = false

	got := cfg.Apply(&models.KeepaliveSettings{
		Enabled:                   &on,
		Mode:                      "daily",
		DailyHour:                 6,
		DailyMinute:               30,
		MinRefreshIntervalSeconds: 300,
	})
	assert.True(t, got.Enabled)
	assert.Equal(t, ModeDaily, got.Mode)
	assert.Equal(t, 6, got.DailyHour)
	assert.Equal(t, 30, got.DailyMinute)
	assert.Equal(t, 5*time.Minute, got.MinRefreshInterval)
	assert.Equal(t, time.Hour, got.Interval)
	assert.Equal(t, "keepalive(enabled, daily at 06:30)", got.String())

	assert.Equal(t, cfg, cfg.Apply(nil))
	assert.Equal(t, ModeInterval, cfg.Apply(&models.KeepaliveSettings{Mode: "sometimes"}).Mode)

	midnight := DailyConfig(9, 30).Apply(&models.KeepaliveSettings{Mode: "daily"})
	assert.Equal(t, 0, midnight.DailyHour)
	assert.Equal(t, 0, midnight.DailyMinute)
	assert.Equal(t, "keepalive(enabled, daily at 00:00)", midnight.String())

	kept := DailyConfig(9, 30).Apply(&models.KeepaliveSettings{IntervalSeconds: 60})
	assert.Equal(t, 9, kept.DailyHour)
	assert.Equal(t, 30, kept.DailyMinute)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"interval", IntervalConfig(time.Minute), false},
		{"zero interval", IntervalConfig(0), true},
		{"daily", DailyConfig(23, 59), false},
		{"daily hour out of range", DailyConfig(24, 0), true},
		{"before expiry", BeforeExpiryConfig(time.Minute), false},
		{"zero buffer", BeforeExpiryConfig(0), true},
		{"unknown mode", Config{Mode: "weekly"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_RetryDelay(t *testing.T) {
	cfg := IntervalConfig(time.Hour)
	assert.Equal(t, 30*time.Second, cfg.RetryDelay(1))
	assert.Equal(t, time.Minute, cfg.RetryDelay(2))
	assert.Equal(t, 4*time.Minute, cfg.RetryDelay(4))
	assert.Equal(t, time.Hour, cfg.RetryDelay(50))

	cfg.MaxBackoff = 90 * time.Second
	assert.Equal(t, 90*time.Second, cfg.RetryDelay(3))
}

func TestConfig_Due(t *testing.T) {
	now := time.Date(2026, 3, 1, 6, 32, 0, 0, time.UTC)

	t.Run("interval is always due", func(t *testing.T) {
		assert.True(t, IntervalConfig(time.Hour).Due(now, Status{Valid: true}, now))
	})

	t.Run("daily", func(t *testing.T) {
		cfg := DailyConfig(6, 30)
		assert.True(t, cfg.Due(now, Status{}, time.Time{}))
		assert.True(t, cfg.Due(now, Status{}, now.Add(-24*time.Hour)))
		assert.False(t, cfg.Due(now, Status{}, now.Add(-time.Minute)))
		assert.False(t, cfg.Due(now.Add(time.Hour), Status{}, time.Time{}))
	})

	t.Run("before expiry", func(t *testing.T) {
		cfg := BeforeExpiryConfig(5 * time.Minute)
		soon := now.Add(3 * time.Minute)
		later := now.Add(time.Hour)
		assert.True(t, cfg.Due(now, Status{ExpiresAt: &soon}, now))
		assert.False(t, cfg.Due(now, Status{ExpiresAt: &later}, time.Time{}))
		assert.True(t, cfg.Due(now, Status{}, time.Time{}))
		assert.False(t, cfg.Due(now, Status{}, now.Add(-10*time.Minute)))
		assert.True(t, cfg.Due(now, Status{}, now.Add(-time.Hour)))
	})
}

func TestCookieChecker(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Cookie") {
		case "session=good":
			_, _ = w.Write([]byte(`{"user":{"email":"a@example.com"},"expires":"2030-01-02T03:04:05Z"}`))
		case "session=redirect":
			http.Redirect(w, r, "/login?next=/", http.StatusFound)
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	newChecker := func(cookie string) (*CookieChecker, *int) {
		invalidated := 0
		c := NewCookieChecker(models.ProviderAugment,
			[]string{srv.URL + "/missing", srv.URL + "/session"},
			func(context.Context) (string, error) { return cookie, nil },
			func() error { invalidated++; return nil })
		return c, &invalidated
	}

	t.Run("valid session with expiry", func(t *testing.T) {
		c, _ := newChecker("session=good")
		st, err := c.Check(context.Background())
		require.NoError(t, err)
		assert.True(t, st.Valid)
		require.NotNil(t, st.ExpiresAt)
		assert.Equal(t, 2030, st.ExpiresAt.Year())
	})

	t.Run("401 is expired", func(t *testing.T) {
		c, _ := newChecker("session=stale")
		st, err := c.Check(context.Background())
		require.NoError(t, err)
		assert.True(t, st.Expired)
		assert.False(t, st.Valid)
	})

	t.Run("login redirect is expired", func(t *testing.T) {
		c, _ := newChecker("session=redirect")
		st, err := c.Check(context.Background())
		require.NoError(t, err)
		assert.True(t, st.Expired)
	})

	t.Run("missing cookie is expired", func(t *testing.T) {
		c := NewCookieChecker(models.ProviderAugment, []string{srv.URL + "/session"},
			func(context.Context) (string, error) {
				return "", &errors.ErrMissingCredentials{Provider: "augment", What: "cookie header"}
			}, nil)
		st, err := c.Check(context.Background())
		require.NoError(t, err)
		assert.True(t, st.Expired)
	})

	t.Run("no usable endpoint is an error", func(t *testing.T) {
		c := NewCookieChecker(models.ProviderAugment, []string{srv.URL + "/missing"},
			func(context.Context) (string, error) { return "session=good", nil }, nil)
		_, err := c.Check(context.Background())
		assert.Equal(t, errors.KindUpstreamAPI, errors.KindOf(err))
	})

	t.Run("refresh invalidates and re-checks", func(t *testing.T) {
		c, invalidated := newChecker("session=good")
		require.NoError(t, c.Refresh(context.Background()))
		assert.Equal(t, 1, *invalidated)

		c, invalidated = newChecker("session=stale")
		err := c.Refresh(context.Background())
		assert.True(t, errors.IsSessionExpired(err))
		assert.Equal(t, 1, *invalidated)
	})
}
