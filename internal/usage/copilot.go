package usage

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/models"
)

// MapCopilot maps the copilot_internal/user payload: premium interactions
// become the primary window and chat the secondary one.
func MapCopilot(body []byte, now time.Time) (*models.UsageSnapshot, error) {
	doc, err := parseDocument(models.ProviderCopilot, "user payload", body)
	if err != nil {
		return nil, err
	}
	reset := copilotResetDate(str(first(doc, "quota_reset_date", "limited_user_reset_date")))

	snaps := doc.Get("quota_snapshots")
	snap := &models.UsageSnapshot{Provider: models.ProviderCopilot, UpdatedAt: now}
	snap.Primary = copilotWindow(snaps.Get("premium_interactions"), "Premium", reset)
	snap.Secondary = copilotWindow(snaps.Get("chat"), "Chat", reset)
	if snap.Primary == nil {
		snap.Primary, snap.Secondary = snap.Secondary, nil
	}
	if snap.Primary == nil {
		return nil, &errors.ErrParse{Provider: string(models.ProviderCopilot), What: "quota_snapshots", Err: errors.New("missing")}
	}
	snap.Identity = NewIdentity("", "", str(doc.Get("copilot_plan")))
	return snap, nil
}

func copilotWindow(q gjson.Result, label string, reset *time.Time) *models.RateWindow {
	if !q.Exists() {
		return nil
	}
	if q.Get("unlimited").Bool() {
		return NewWindow(label, 0, 0, reset)
	}
	if pct, ok := number(q.Get("percent_remaining")); ok {
		return NewWindow(label, 100-pct, 0, reset)
	}
	entitlement, okE := number(q.Get("entitlement"))
	remaining, okR := number(q.Get("remaining"))
	if !okE || !okR {
		return nil
	}
	return NewWindow(label, PercentUsedFromCounts(entitlement, remaining), 0, reset)
}

// copilotResetDate accepts a plain date or a full timestamp.
func copilotResetDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return &t
	}
	return ParseResetPtr(raw)
}
