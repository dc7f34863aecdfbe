package usage

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/quotaguard/quotabar/internal/models"
)

// ResetUnavailable is shown when an upstream gives no usable reset time.
const ResetUnavailable = "Reset time unavailable"

// ParseResetTime parses an RFC3339 timestamp, with fractional seconds first
// and without them second.
func ParseResetTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// ParseResetPtr is ParseResetTime returning nil on failure.
func ParseResetPtr(raw string) *time.Time {
	t, ok := ParseResetTime(raw)
	if !ok {
		return nil
	}
	return &t
}

// UnixReset converts a unix timestamp in seconds, or in milliseconds when it
// is too large to be seconds. Non-positive values yield nil.
func UnixReset(v float64) *time.Time {
	if v <= 0 {
		return nil
	}
	var t time.Time
	if v > 1e12 {
		t = time.UnixMilli(int64(v)).UTC()
	} else {
		t = time.Unix(int64(v), 0).UTC()
	}
	return &t
}

// ApplyReset sets the reset time on w, or the static description when
// resetsAt is nil.
func ApplyReset(w *models.RateWindow, resetsAt *time.Time) {
	if resetsAt == nil || resetsAt.IsZero() {
		w.ResetsAt = nil
		w.ResetDescription = models.Ptr(ResetUnavailable)
		return
	}
	t := resetsAt.UTC()
	w.ResetsAt = &t
	w.ResetDescription = nil
}

var resetAfterPattern = regexp.MustCompile(`(?i)reset after (\d+)s`)

// ResetFromErrorMessage extracts "reset after Ns" hints from upstream error
// messages.
func ResetFromErrorMessage(message string, now time.Time) (time.Time, bool) {
	m := resetAfterPattern.FindStringSubmatch(message)
	if len(m) != 2 {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return now.Add(time.Duration(secs) * time.Second), true
}
