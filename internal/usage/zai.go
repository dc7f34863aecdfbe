package usage

import (
	"net/http"
	"time"

	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/models"
)

// MapZAI maps the quota/limit payload. TOKENS_LIMIT is the primary window
// and TIME_LIMIT the secondary one.
func MapZAI(body []byte, now time.Time) (*models.UsageSnapshot, error) {
	doc, err := parseDocument(models.ProviderZAI, "quota payload", body)
	if err != nil {
		return nil, err
	}
	if success := doc.Get("success"); success.Exists() && !success.Bool() {
		code := int(doc.Get("code").Int())
		if code == 0 {
			code = http.StatusOK
		}
		return nil, &errors.ErrUpstreamAPI{Provider: string(models.ProviderZAI), StatusCode: code, Message: ErrorMessage(body)}
	}

	snap := &models.UsageSnapshot{Provider: models.ProviderZAI, UpdatedAt: now}
	for _, limit := range doc.Get("data.limits").Array() {
		pct, ok := number(limit.Get("percentage"))
		if !ok {
			continue
		}
		var reset *time.Time
		if at, ok := number(limit.Get("nextResetTime")); ok {
			reset = UnixReset(at)
		}
		switch str(limit.Get("type")) {
		case "TOKENS_LIMIT":
			snap.Primary = NewWindow("Tokens", pct, 0, reset)
		case "TIME_LIMIT":
			snap.Secondary = NewWindow("MCP", pct, 0, reset)
		}
	}
	if snap.Primary == nil {
		snap.Primary, snap.Secondary = snap.Secondary, nil
	}
	if snap.Primary == nil {
		return nil, &errors.ErrParse{Provider: string(models.ProviderZAI), What: "data.limits", Err: errors.New("no known limit")}
	}
	snap.Identity = NewIdentity("", "", str(doc.Get("data.planName")))
	return snap, nil
}
