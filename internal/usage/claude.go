package usage

import (
	"time"

	"github.com/tidwall/gjson"

	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/models"
)

// MapClaude maps the usage document served by both the OAuth usage endpoint
// and the claude.ai organization usage endpoint. The five hour window is
// required.
func MapClaude(body []byte, now time.Time) (*models.UsageSnapshot, error) {
	doc, err := parseDocument(models.ProviderClaude, "usage payload", body)
	if err != nil {
		return nil, err
	}
	session := claudeWindow(doc.Get("five_hour"), "Session", 300)
	if session == nil {
		return nil, &errors.ErrParse{Provider: string(models.ProviderClaude), What: "five_hour.utilization", Err: errors.New("missing")}
	}
	snap := &models.UsageSnapshot{
		Provider:  models.ProviderClaude,
		Primary:   session,
		Secondary: claudeWindow(doc.Get("seven_day"), "Weekly", 7*24*60),
		UpdatedAt: now,
	}
	if opus := claudeWindow(first(doc, "seven_day_opus", "seven_day_sonnet"), "Opus", 7*24*60); opus != nil {
		snap.Tertiary = opus
	}

	if extra := doc.Get("extra_usage"); extra.Get("is_enabled").Bool() {
		used, _ := number(extra.Get("used_credits"))
		cost := &models.Cost{Used: used / 100, Currency: "USD", Period: "monthly"}
		if limit, ok := number(extra.Get("monthly_limit")); ok {
			cost.Limit = models.Ptr(limit / 100)
		}
		snap.Cost = cost
	}
	return snap, nil
}

func claudeWindow(w gjson.Result, label string, minutes int) *models.RateWindow {
	if !w.Exists() {
		return nil
	}
	used, ok := number(w.Get("utilization"))
	if !ok {
		return nil
	}
	return NewWindow(label, used, minutes, ParseResetPtr(str(w.Get("resets_at"))))
}

// ClaudeOrganization picks the organization id from a claude.ai organizations
// list: the first with chat capability, else the first entry.
func ClaudeOrganization(body []byte) (id, name string, err error) {
	doc, err := parseDocument(models.ProviderClaude, "organizations", body)
	if err != nil {
		return "", "", err
	}
	orgs := doc.Array()
	if len(orgs) == 0 {
		return "", "", &errors.ErrParse{Provider: string(models.ProviderClaude), What: "organizations", Err: errors.New("empty list")}
	}
	for _, org := range orgs {
		if hasCapability(org, "chat") {
			return str(org.Get("uuid")), str(org.Get("name")), nil
		}
	}
	return str(orgs[0].Get("uuid")), str(orgs[0].Get("name")), nil
}

func hasCapability(org gjson.Result, capability string) bool {
	for _, c := range org.Get("capabilities").Array() {
		if c.String() == capability {
			return true
		}
	}
	return false
}
