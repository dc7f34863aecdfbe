// Package usage maps upstream usage payloads into models.UsageSnapshot.
//
// Every function here is pure: it reads a payload and a clock value and
// returns a snapshot or an error. Percentages are clamped to [0,100].
package usage

import (
	"math"
	"strings"
	"time"

	"github.com/quotaguard/quotabar/internal/models"
)

// ClampPercent bounds p to [0,100]. NaN maps to 0.
func ClampPercent(p float64) float64 {
	if math.IsNaN(p) {
		return 0
	}
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// PercentUsedFromRemaining converts a remaining fraction (0..1) into a used
// percentage. Out of range fractions are clamped first.
func PercentUsedFromRemaining(fraction float64) float64 {
	if math.IsNaN(fraction) {
		return 0
	}
	f := math.Min(1, math.Max(0, fraction))
	return ClampPercent((1 - f) * 100)
}

// PercentUsedFromCounts converts limit/remaining counters into a used percentage.
// A non-positive limit yields 0.
func PercentUsedFromCounts(limit, remaining float64) float64 {
	if limit <= 0 {
		return 0
	}
	return ClampPercent((limit - remaining) / limit * 100)
}

// NewWindow builds a rate window with a clamped percentage. A nil reset time
// gets the static "unavailable" description.
func NewWindow(label string, usedPercent float64, windowMinutes int, resetsAt *time.Time) *models.RateWindow {
	w := &models.RateWindow{
		UsedPercent: ClampPercent(usedPercent),
		Label:       label,
	}
	if windowMinutes > 0 {
		w.WindowMinutes = models.Ptr(windowMinutes)
	}
	ApplyReset(w, resetsAt)
	return w
}

// LimitReachedWindow is the window reported when an upstream only says the
// quota is exhausted until resetsAt.
func LimitReachedWindow(resetsAt time.Time) *models.RateWindow {
	return NewWindow("", 100, 0, &resetsAt)
}

func cleanString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
