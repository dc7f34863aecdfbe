package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/fetch"
	"github.com/quotaguard/quotabar/internal/keepalive"
	"github.com/quotaguard/quotabar/internal/models"
)

func TestObserveAttempt(t *testing.T) {
	m := NewMetrics("test")

	m.ObserveAttempt(models.ProviderClaude, fetch.Attempt{StrategyID: "claude.oauth", Available: true,
		Err: &errors.ErrInvalidCredentials{Provider: "claude", StatusCode: 401}, Duration: 20 * time.Millisecond})
	m.ObserveAttempt(models.ProviderClaude, fetch.Attempt{StrategyID: "claude.web", Available: true, Duration: time.Second})
	m.ObserveAttempt(models.ProviderCodex, fetch.Attempt{StrategyID: "codex.cli"})

	families, err := m.registry.Gather()
	require.NoError(t, err)
	assert.Equal(t, 1.0, counterValue(families, "test_strategy_attempts_total",
		map[string]string{"strategy": "claude.oauth", "result": "invalid_credentials"}))
	assert.Equal(t, 1.0, counterValue(families, "test_strategy_attempts_total",
		map[string]string{"strategy": "claude.web", "result": "ok"}))
	assert.Equal(t, 1.0, counterValue(families, "test_strategy_attempts_total",
		map[string]string{"strategy": "codex.cli", "result": "unavailable"}))

	latency := findMetric(families, "test_strategy_duration_seconds", map[string]string{"strategy": "claude.web"})
	require.NotNil(t, latency)
	assert.Equal(t, uint64(1), latency.GetHistogram().GetSampleCount())
	assert.Nil(t, findMetric(families, "test_strategy_duration_seconds", map[string]string{"strategy": "codex.cli"}))
}

func TestRecordSnapshotAndClear(t *testing.T) {
	m := NewMetrics("test")
	m.RecordSnapshot(&models.UsageSnapshot{
		Provider:  models.ProviderCodex,
		Primary:   &models.RateWindow{UsedPercent: 25},
		Secondary: &models.RateWindow{UsedPercent: 60},
	})

	families, err := m.registry.Gather()
	require.NoError(t, err)
	assert.Equal(t, 25.0, gaugeValue(families, "test_usage_used_percent", map[string]string{"provider": "codex", "window": "primary"}))
	assert.Equal(t, 60.0, gaugeValue(families, "test_usage_used_percent", map[string]string{"provider": "codex", "window": "secondary"}))
	assert.Equal(t, -1.0, gaugeValue(families, "test_usage_used_percent", map[string]string{"provider": "codex", "window": "tertiary"}))

	m.ClearProvider(models.ProviderCodex)
	families, err = m.registry.Gather()
	require.NoError(t, err)
	assert.Equal(t, -1.0, gaugeValue(families, "test_usage_used_percent", map[string]string{"provider": "codex"}))
}

func TestObserveKeepaliveAndHandler(t *testing.T) {
	m := NewMetrics("test")
	m.ObserveKeepalive(models.ProviderAugment, keepalive.EventStarted)
	m.ObserveKeepalive(models.ProviderAugment, keepalive.EventRefreshed)
	m.ObserveKeepalive(models.ProviderAugment, keepalive.EventRefreshed)
	m.RecordRefresh(models.ProviderAugment, "ok", 0.3)
	m.RecordCooldown(models.ProviderCodex)

	families, err := m.registry.Gather()
	require.NoError(t, err)
	assert.Equal(t, 1.0, gaugeValue(families, "test_keepalive_running", map[string]string{"provider": "augment"}))
	assert.Equal(t, 2.0, counterValue(families, "test_keepalive_events_total", map[string]string{"provider": "augment", "event": "refreshed"}))
	assert.Equal(t, 1.0, counterValue(families, "test_account_cooldowns_total", map[string]string{"provider": "codex"}))

	m.ObserveKeepalive(models.ProviderAugment, keepalive.EventStopped)
	families, err = m.registry.Gather()
	require.NoError(t, err)
	assert.Equal(t, 0.0, gaugeValue(families, "test_keepalive_running", map[string]string{"provider": "augment"}))

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_refresh_duration_seconds")
}
