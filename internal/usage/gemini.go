package usage

import (
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/models"
)

// ignoredGeminiModels are retired model prefixes that still show up in quota
// buckets.
var ignoredGeminiModels = []string{"gemini-2.0-flash"}

// GeminiBuckets extracts per-model buckets from a retrieveUserQuota payload.
func GeminiBuckets(doc gjson.Result) []Bucket {
	var out []Bucket
	for _, b := range doc.Get("buckets").Array() {
		id := str(first(b, "modelId", "model_id"))
		if id == "" || isIgnoredGeminiModel(id) {
			continue
		}
		resetRaw := str(first(b, "resetTime", "reset_time"))
		fraction, ok := remainingFraction(
			first(b, "remainingFraction", "remaining_fraction"),
			first(b, "remainingAmount", "remaining_amount"),
			resetRaw,
		)
		if !ok {
			continue
		}
		out = append(out, Bucket{ID: id, RemainingFraction: fraction, ResetTime: ParseResetPtr(resetRaw)})
	}
	return out
}

// remainingFraction resolves a bucket's remaining fraction. An exhausted
// amount or a bare reset time means nothing is left.
func remainingFraction(fraction, amount gjson.Result, resetRaw string) (float64, bool) {
	if f, ok := number(fraction); ok {
		return f, true
	}
	if a, ok := number(amount); ok {
		if a <= 0 {
			return 0, true
		}
		return 0, false
	}
	if resetRaw != "" {
		return 0, true
	}
	return 0, false
}

func isIgnoredGeminiModel(id string) bool {
	lower := strings.ToLower(id)
	for _, prefix := range ignoredGeminiModels {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// MapGeminiQuota maps a retrieveUserQuota payload. The primary window is the
// most exhausted "pro" bucket (any bucket when no pro model is listed) and the
// secondary window the most exhausted "flash" bucket.
func MapGeminiQuota(body []byte, now time.Time) (*models.UsageSnapshot, error) {
	doc, err := parseDocument(models.ProviderGemini, "quota payload", body)
	if err != nil {
		return nil, err
	}
	buckets := GeminiBuckets(doc)
	if len(buckets) == 0 {
		return nil, &errors.ErrParse{Provider: string(models.ProviderGemini), What: "buckets", Err: errors.New("no usable quota buckets")}
	}
	snap := &models.UsageSnapshot{Provider: models.ProviderGemini, UpdatedAt: now}
	primary, ok := SelectLowest(buckets, "pro")
	if !ok {
		primary, _ = SelectLowest(buckets, "")
	}
	snap.Primary = bucketWindow("Pro", primary)
	if flash, ok := SelectLowest(buckets, "flash"); ok {
		snap.Secondary = bucketWindow("Flash", flash)
	}
	return snap, nil
}

func bucketWindow(label string, b Bucket) *models.RateWindow {
	return NewWindow(label, PercentUsedFromRemaining(b.RemainingFraction), 24*60, b.ResetTime)
}

// MapGeminiHeaders maps rate-limit headers of a Gemini API response.
func MapGeminiHeaders(headers http.Header, now time.Time) (*models.UsageSnapshot, error) {
	requests, tokens, ok := HeaderWindows(headers, now)
	if !ok {
		return nil, &errors.ErrParse{Provider: string(models.ProviderGemini), What: "rate limit headers", Err: errors.New("not found")}
	}
	snap := &models.UsageSnapshot{Provider: models.ProviderGemini, UpdatedAt: now}
	if requests != nil {
		snap.Primary, snap.Secondary = requests, tokens
	} else {
		snap.Primary = tokens
	}
	return snap, nil
}
