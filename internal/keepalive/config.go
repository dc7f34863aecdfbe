package keepalive

import (
	"fmt"
	"strings"
	"time"

	"github.com/quotaguard/quotabar/internal/models"
)

// Mode selects when a session is refreshed proactively.
type Mode string

const (
	// ModeInterval refreshes on every check.
	ModeInterval Mode = "interval"
	// ModeDaily refreshes once a day near a local wall-clock time.
	ModeDaily Mode = "daily"
	// ModeBeforeExpiry refreshes when the session is about to expire.
	ModeBeforeExpiry Mode = "beforeExpiry"
)

const (
	DefaultMinRefreshInterval = 120 * time.Second
	DefaultMaxBackoff         = time.Hour
	// RetryBase is the first retry delay after a failed check.
	RetryBase = 30 * time.Second

	dailyCheckInterval  = time.Hour
	expiryCheckInterval = 5 * time.Minute
	dailyWindow         = 5 * time.Minute
	// sessionCookieMaxAge is how long a session without a known expiry is
	// trusted before a beforeExpiry refresh.
	sessionCookieMaxAge = 30 * time.Minute
)

// Config is the keepalive configuration of one provider.
type Config struct {
	Mode               Mode
	Interval           time.Duration
	DailyHour          int
	DailyMinute        int
	Buffer             time.Duration
	Enabled            bool
	MinRefreshInterval time.Duration
	MaxBackoff         time.Duration
}

// IntervalConfig returns an enabled interval-mode config.
func IntervalConfig(every time.Duration) Config {
	return Config{Mode: ModeInterval, Interval: every, Enabled: true,
		MinRefreshInterval: DefaultMinRefreshInterval, MaxBackoff: DefaultMaxBackoff}
}

// BeforeExpiryConfig returns an enabled before-expiry config.
func BeforeExpiryConfig(buffer time.Duration) Config {
	return Config{Mode: ModeBeforeExpiry, Buffer: buffer, Enabled: true,
		MinRefreshInterval: DefaultMinRefreshInterval, MaxBackoff: DefaultMaxBackoff}
}

// DailyConfig returns an enabled daily config.
func DailyConfig(hour, minute int) Config {
	return Config{Mode: ModeDaily, DailyHour: hour, DailyMinute: minute, Enabled: true,
		MinRefreshInterval: DefaultMinRefreshInterval, MaxBackoff: DefaultMaxBackoff}
}

// Apply overlays user settings on c. Zero values keep c's values, except
// that an explicit daily mode always takes its hour and minute, so 00:00
// can be configured.
func (c Config) Apply(s *models.KeepaliveSettings) Config {
	if s == nil {
		return c
	}
	if s.Enabled != nil {
		c.Enabled = *s.Enabled
	}
	mode := Mode(strings.TrimSpace(s.Mode))
	switch mode {
	case ModeInterval:
		c.Mode = ModeInterval
	case ModeDaily:
		c.Mode = ModeDaily
	case ModeBeforeExpiry:
		c.Mode = ModeBeforeExpiry
	}
	if s.IntervalSeconds > 0 {
		c.Interval = time.Duration(s.IntervalSeconds) * time.Second
	}
	if mode == ModeDaily || s.DailyHour > 0 || s.DailyMinute > 0 {
		c.DailyHour, c.DailyMinute = s.DailyHour, s.DailyMinute
	}
	if s.BufferSeconds > 0 {
		c.Buffer = time.Duration(s.BufferSeconds) * time.Second
	}
	if s.MinRefreshIntervalSeconds > 0 {
		c.MinRefreshInterval = time.Duration(s.MinRefreshIntervalSeconds) * time.Second
	}
	if s.MaxBackoffSeconds > 0 {
		c.MaxBackoff = time.Duration(s.MaxBackoffSeconds) * time.Second
	}
	return c
}

// Validate checks the mode parameters.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeInterval:
		if c.Interval <= 0 {
			return fmt.Errorf("keepalive interval must be positive")
		}
	case ModeDaily:
		if c.DailyHour < 0 || c.DailyHour > 23 || c.DailyMinute < 0 || c.DailyMinute > 59 {
			return fmt.Errorf("keepalive daily time %02d:%02d is invalid", c.DailyHour, c.DailyMinute)
		}
	case ModeBeforeExpiry:
		if c.Buffer <= 0 {
			return fmt.Errorf("keepalive buffer must be positive")
		}
	default:
		return fmt.Errorf("unknown keepalive mode %q", c.Mode)
	}
	return nil
}

// CheckInterval is the delay between two healthy checks.
func (c Config) CheckInterval() time.Duration {
	switch c.Mode {
	case ModeInterval:
		return c.Interval
	case ModeDaily:
		return dailyCheckInterval
	default:
		return expiryCheckInterval
	}
}

// RetryDelay is the delay after the n-th consecutive failure: RetryBase
// doubled per failure and capped at MaxBackoff.
func (c Config) RetryDelay(failures int) time.Duration {
	limit := c.MaxBackoff
	if limit <= 0 {
		limit = DefaultMaxBackoff
	}
	d := RetryBase
	for i := 1; i < failures && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return d
}

// minRefresh returns MinRefreshInterval or its default.
func (c Config) minRefresh() time.Duration {
	if c.MinRefreshInterval <= 0 {
		return DefaultMinRefreshInterval
	}
	return c.MinRefreshInterval
}

// Due reports whether a healthy session should be refreshed proactively.
func (c Config) Due(now time.Time, status Status, lastRefresh time.Time) bool {
	switch c.Mode {
	case ModeInterval:
		return true
	case ModeDaily:
		scheduled := time.Date(now.Year(), now.Month(), now.Day(), c.DailyHour, c.DailyMinute, 0, 0, now.Location())
		diff := now.Sub(scheduled)
		if diff < 0 {
			diff = -diff
		}
		if diff > dailyWindow {
			return false
		}
		if lastRefresh.IsZero() {
			return true
		}
		ly, lm, ld := lastRefresh.In(now.Location()).Date()
		ny, nm, nd := now.Date()
		return ly != ny || lm != nm || ld != nd
	case ModeBeforeExpiry:
		if status.ExpiresAt != nil {
			return status.ExpiresAt.Sub(now) < c.Buffer
		}
		return lastRefresh.IsZero() || now.Sub(lastRefresh) > sessionCookieMaxAge
	}
	return false
}

func (c Config) String() string {
	state := "enabled"
	if !c.Enabled {
		state = "disabled"
	}
	var mode string
	switch c.Mode {
	case ModeInterval:
		mode = fmt.Sprintf("every %ds", int(c.Interval.Seconds()))
	case ModeDaily:
		mode = fmt.Sprintf("daily at %02d:%02d", c.DailyHour, c.DailyMinute)
	case ModeBeforeExpiry:
		mode = fmt.Sprintf("%ds before expiry", int(c.Buffer.Seconds()))
	default:
		mode = string(c.Mode)
	}
	return fmt.Sprintf("keepalive(%s, %s)", state, mode)
}
