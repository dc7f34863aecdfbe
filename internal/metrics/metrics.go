package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/fetch"
	"github.com/quotaguard/quotabar/internal/keepalive"
	"github.com/quotaguard/quotabar/internal/models"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// StrategyAttempts counts pipeline attempts by provider, strategy and result
	StrategyAttempts *prometheus.CounterVec
	// StrategyLatency tracks how long available strategies took
	StrategyLatency *prometheus.HistogramVec
	// RefreshTotal counts refresh runs by provider and status
	RefreshTotal *prometheus.CounterVec
	// RefreshLatency tracks whole refresh runs
	RefreshLatency *prometheus.HistogramVec
	// UsagePercent is the last accepted used percentage per window
	UsagePercent *prometheus.GaugeVec
	// KeepaliveEvents counts keepalive instance events
	KeepaliveEvents *prometheus.CounterVec
	// KeepaliveRunning is 1 while a provider's keepalive instance runs
	KeepaliveRunning *prometheus.GaugeVec
	// AccountCooldowns counts token accounts put on cooldown after a 429
	AccountCooldowns *prometheus.CounterVec
	// RequestLatency tracks local API latency by endpoint and method
	RequestLatency *prometheus.HistogramVec
	// HTTPRequestsTotal total local API requests
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTPRequestsInFlight current local API requests being processed
	HTTPRequestsInFlight prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		StrategyAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "strategy_attempts_total",
				Help:      "Fetch strategy attempts by result",
			},
			[]string{"provider", "strategy", "result"},
		),
		StrategyLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "strategy_duration_seconds",
				Help:      "Duration of fetch strategy attempts",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"provider", "strategy"},
		),
		RefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refresh_total",
				Help:      "Provider refresh runs by status",
			},
			[]string{"provider", "status"},
		),
		RefreshLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "refresh_duration_seconds",
				Help:      "Duration of provider refresh runs",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"provider"},
		),
		UsagePercent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "usage_used_percent",
				Help:      "Used percentage of the last accepted snapshot",
			},
			[]string{"provider", "window"},
		),
		KeepaliveEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "keepalive_events_total",
				Help:      "Session keepalive events",
			},
			[]string{"provider", "event"},
		),
		KeepaliveRunning: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "keepalive_running",
				Help:      "Keepalive instance status (1=running, 0=stopped)",
			},
			[]string{"provider"},
		),
		AccountCooldowns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "account_cooldowns_total",
				Help:      "Token accounts put on cooldown",
			},
			[]string{"provider"},
		),
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
	}

	registry.MustRegister(
		m.StrategyAttempts,
		m.StrategyLatency,
		m.RefreshTotal,
		m.RefreshLatency,
		m.UsagePercent,
		m.KeepaliveEvents,
		m.KeepaliveRunning,
		m.AccountCooldowns,
		m.RequestLatency,
		m.HTTPRequestsTotal,
		m.HTTPRequestsInFlight,
	)

	return m
}

// Handler returns a Prometheus handler for these metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveAttempt records one pipeline attempt. It matches fetch.Observer.
func (m *Metrics) ObserveAttempt(p models.ProviderID, a fetch.Attempt) {
	result := "unavailable"
	switch {
	case !a.Available:
	case a.Err == nil:
		result = "ok"
	default:
		result = string(errors.KindOf(a.Err))
	}
	m.StrategyAttempts.WithLabelValues(string(p), a.StrategyID, result).Inc()
	if a.Available {
		m.StrategyLatency.WithLabelValues(string(p), a.StrategyID).Observe(a.Duration.Seconds())
	}
}

// RecordRefresh records a finished refresh run.
func (m *Metrics) RecordRefresh(p models.ProviderID, status string, durationSeconds float64) {
	m.RefreshTotal.WithLabelValues(string(p), status).Inc()
	m.RefreshLatency.WithLabelValues(string(p)).Observe(durationSeconds)
}

// RecordSnapshot sets the usage gauges from an accepted snapshot.
func (m *Metrics) RecordSnapshot(s *models.UsageSnapshot) {
	windows := map[string]*models.RateWindow{
		"primary":   s.Primary,
		"secondary": s.Secondary,
		"tertiary":  s.Tertiary,
	}
	for name, w := range windows {
		if w == nil {
			m.UsagePercent.DeleteLabelValues(string(s.Provider), name)
			continue
		}
		m.UsagePercent.WithLabelValues(string(s.Provider), name).Set(w.UsedPercent)
	}
}

// ClearProvider drops the usage gauges of a provider.
func (m *Metrics) ClearProvider(p models.ProviderID) {
	m.UsagePercent.DeletePartialMatch(prometheus.Labels{"provider": string(p)})
}

// ObserveKeepalive records a keepalive event. It matches the engine observer.
func (m *Metrics) ObserveKeepalive(p models.ProviderID, ev keepalive.Event) {
	m.KeepaliveEvents.WithLabelValues(string(p), string(ev)).Inc()
	switch ev {
	case keepalive.EventStarted:
		m.KeepaliveRunning.WithLabelValues(string(p)).Set(1)
	case keepalive.EventStopped:
		m.KeepaliveRunning.WithLabelValues(string(p)).Set(0)
	}
}

// RecordCooldown counts an account cooldown.
func (m *Metrics) RecordCooldown(p models.ProviderID) {
	m.AccountCooldowns.WithLabelValues(string(p)).Inc()
}

// RecordRequestLatency records the latency of an HTTP request
func (m *Metrics) RecordRequestLatency(endpoint, method, status string, durationSeconds float64) {
	m.RequestLatency.WithLabelValues(endpoint, method, status).Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint, method, status string) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

// IncHTTPRequestsInFlight increments the in-flight requests counter
func (m *Metrics) IncHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Inc()
}

// DecHTTPRequestsInFlight decrements the in-flight requests counter
func (m *Metrics) DecHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Dec()
}
