package usage

import (
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/models"
)

type modelQuota struct {
	key       string
	label     string
	remaining float64
	reset     *time.Time
}

// MapAntigravityModels maps a fetchAvailableModels payload. Up to three
// windows are reported: Claude (non-thinking), Gemini Pro low and Gemini
// Flash. When none of those is listed every model is reported, most
// exhausted first.
func MapAntigravityModels(body []byte, now time.Time) (primary, secondary, tertiary *models.RateWindow, err error) {
	doc, err := parseDocument(models.ProviderCLIProxyAPI, "models payload", body)
	if err != nil {
		return nil, nil, nil, err
	}
	quotas := antigravityQuotas(doc.Get("models"))
	if len(quotas) == 0 {
		return nil, nil, nil, &errors.ErrParse{Provider: string(models.ProviderCLIProxyAPI), What: "models", Err: errors.New("no quota data")}
	}
	selected := selectAntigravityModels(quotas)
	windows := make([]*models.RateWindow, 3)
	for i := 0; i < len(selected) && i < 3; i++ {
		q := selected[i]
		windows[i] = NewWindow(q.label, PercentUsedFromRemaining(q.remaining), 0, q.reset)
	}
	return windows[0], windows[1], windows[2], nil
}

func antigravityQuotas(modelsDoc gjson.Result) []modelQuota {
	var out []modelQuota
	modelsDoc.ForEach(func(key, entry gjson.Result) bool {
		if !entry.IsObject() {
			return true
		}
		info := first(entry, "quotaInfo", "quota_info")
		resetRaw := str(first(info, "resetTime", "reset_time"))
		fraction, ok := remainingFraction(
			first(info, "remainingFraction", "remaining_fraction"),
			info.Get("remaining"),
			resetRaw,
		)
		if !ok {
			return true
		}
		label := str(first(entry, "displayName", "display_name"))
		if label == "" {
			label = key.String()
		}
		out = append(out, modelQuota{key: key.String(), label: label, remaining: fraction, reset: ParseResetPtr(resetRaw)})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

func selectAntigravityModels(quotas []modelQuota) []modelQuota {
	var ordered []modelQuota
	pick := func(match func(string) bool) {
		for _, q := range quotas {
			if !match(strings.ToLower(q.label)) {
				continue
			}
			for _, o := range ordered {
				if o.label == q.label {
					return
				}
			}
			ordered = append(ordered, q)
			return
		}
	}
	pick(func(l string) bool { return strings.Contains(l, "claude") && !strings.Contains(l, "thinking") })
	pick(func(l string) bool { return strings.Contains(l, "pro") && strings.Contains(l, "low") })
	pick(func(l string) bool { return strings.Contains(l, "gemini") && strings.Contains(l, "flash") })
	if len(ordered) > 0 {
		return ordered
	}
	ordered = append(ordered, quotas...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].remaining < ordered[j].remaining })
	return ordered
}

// IsUnknownFieldError reports the 400 message Google returns when a request
// body field is not recognised by that host.
func IsUnknownFieldError(message string) bool {
	m := strings.ToLower(message)
	return strings.Contains(m, "unknown name") && strings.Contains(m, "cannot find field")
}
