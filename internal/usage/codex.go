package usage

import (
	"time"

	"github.com/tidwall/gjson"

	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/models"
)

// MapCodex maps a wham/usage payload. Both snake_case and camelCase keys are
// accepted since the management proxy relays either.
func MapCodex(body []byte, now time.Time) (*models.UsageSnapshot, error) {
	doc, err := parseDocument(models.ProviderCodex, "usage payload", body)
	if err != nil {
		return nil, err
	}
	rl := first(doc, "rate_limit", "rateLimit")
	if !rl.Exists() {
		return nil, &errors.ErrParse{Provider: string(models.ProviderCodex), What: "rate_limit", Err: errors.New("missing")}
	}
	limitReached := first(rl, "limit_reached", "limitReached").Bool()
	if allowed := rl.Get("allowed"); allowed.Exists() && !allowed.Bool() {
		limitReached = true
	}

	snap := &models.UsageSnapshot{Provider: models.ProviderCodex, UpdatedAt: now}
	snap.Primary = codexWindow(first(rl, "primary_window", "primaryWindow"), limitReached, "Session", now)
	snap.Secondary = codexWindow(first(rl, "secondary_window", "secondaryWindow"), limitReached, "Weekly", now)
	if snap.Primary == nil && snap.Secondary == nil {
		return nil, &errors.ErrParse{Provider: string(models.ProviderCodex), What: "rate windows", Err: errors.New("missing")}
	}
	if snap.Primary == nil {
		snap.Primary, snap.Secondary = snap.Secondary, nil
	}

	snap.Identity = NewIdentity(str(doc.Get("email")), "", str(first(doc, "plan_type", "planType")))

	if credits := doc.Get("credits"); credits.Exists() && !credits.Get("unlimited").Bool() {
		if balance, ok := number(credits.Get("balance")); ok && credits.Get("has_credits").Bool() {
			snap.Cost = &models.Cost{Used: balance, Currency: "credits", Period: "balance"}
		}
	}
	return snap, nil
}

func codexWindow(w gjson.Result, limitReached bool, label string, now time.Time) *models.RateWindow {
	if !w.Exists() {
		return nil
	}
	used, ok := number(first(w, "used_percent", "usedPercent"))
	if !ok {
		if limitReached {
			used = 100
		}
	}
	minutes := 0
	if secs, ok := number(first(w, "limit_window_seconds", "limitWindowSeconds")); ok && secs > 0 {
		minutes = int(secs / 60)
	}
	var reset *time.Time
	if at, ok := number(first(w, "reset_at", "resetAt")); ok && at > 0 {
		reset = UnixReset(at)
	} else if after, ok := number(first(w, "reset_after_seconds", "resetAfterSeconds")); ok && after > 0 {
		t := now.Add(time.Duration(after * float64(time.Second))).UTC()
		reset = &t
	}
	return NewWindow(label, used, minutes, reset)
}
