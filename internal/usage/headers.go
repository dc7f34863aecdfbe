package usage

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quotaguard/quotabar/internal/models"
)

// headerFamily names the request limit headers of one upstream convention.
type headerFamily struct {
	limit     string
	remaining string
	reset     string
}

var requestHeaderFamilies = []headerFamily{
	{"X-Ratelimit-Limit-Requests", "X-Ratelimit-Remaining-Requests", "X-Ratelimit-Reset-Requests"},
	{"Anthropic-Ratelimit-Requests-Limit", "Anthropic-Ratelimit-Requests-Remaining", "Anthropic-Ratelimit-Requests-Reset"},
	{"X-Goog-Ratelimit-Limit-Requests", "X-Goog-Ratelimit-Remaining-Requests", "X-Goog-Ratelimit-Reset-Requests"},
}

var tokenHeaderFamilies = []headerFamily{
	{"X-Ratelimit-Limit-Tokens", "X-Ratelimit-Remaining-Tokens", "X-Ratelimit-Reset-Tokens"},
	{"Anthropic-Ratelimit-Tokens-Limit", "Anthropic-Ratelimit-Tokens-Remaining", "Anthropic-Ratelimit-Tokens-Reset"},
}

// HeaderWindows reads request and token rate-limit headers into windows.
// Gemini style x-goog-quota-* pairs are read as well. ok is false when no
// known header is present.
func HeaderWindows(headers http.Header, now time.Time) (requests, tokens *models.RateWindow, ok bool) {
	requests = windowFromFamilies(headers, requestHeaderFamilies, "Requests", now)
	tokens = windowFromFamilies(headers, tokenHeaderFamilies, "Tokens", now)

	limits := parseQuotaHeader(headers.Get("X-Goog-Quota-Limit"))
	remaining := parseQuotaHeader(headers.Get("X-Goog-Quota-Remaining"))
	if requests == nil {
		if l, found := limits["requestsperminute"]; found && l > 0 {
			requests = NewWindow("Requests", PercentUsedFromCounts(float64(l), float64(remaining["requestsperminute"])), 1, nil)
		}
	}
	if tokens == nil {
		if l, found := limits["tokensperminute"]; found && l > 0 {
			tokens = NewWindow("Tokens", PercentUsedFromCounts(float64(l), float64(remaining["tokensperminute"])), 1, nil)
		}
	}
	return requests, tokens, requests != nil || tokens != nil
}

func windowFromFamilies(headers http.Header, families []headerFamily, label string, now time.Time) *models.RateWindow {
	for _, f := range families {
		limitRaw := headers.Get(f.limit)
		remainingRaw := headers.Get(f.remaining)
		if limitRaw == "" && remainingRaw == "" {
			continue
		}
		limit := parseIntHeader(limitRaw)
		remaining := parseIntHeader(remainingRaw)
		if limit <= 0 {
			limit = remaining
		}
		return NewWindow(label, PercentUsedFromCounts(float64(limit), float64(remaining)), 0, parseResetHeader(headers.Get(f.reset), now))
	}
	return nil
}

// RetryAfter returns how long an upstream asked us to wait, from Retry-After
// or the request reset headers. Zero when no hint is present.
func RetryAfter(headers http.Header, now time.Time) time.Duration {
	raw := headerFirst(headers,
		"Retry-After",
		"X-Ratelimit-Reset-Requests",
		"Anthropic-Ratelimit-Requests-Reset",
		"X-Goog-Ratelimit-Reset-Requests",
	)
	reset := parseResetHeader(raw, now)
	if reset == nil {
		return 0
	}
	d := reset.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func headerFirst(headers http.Header, keys ...string) string {
	for _, k := range keys {
		if v := headers.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// parseResetHeader accepts seconds, Go durations ("6m0s"), RFC3339 and HTTP dates.
func parseResetHeader(raw string, now time.Time) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		t := now.Add(time.Duration(secs * float64(time.Second)))
		return &t
	}
	if d, err := time.ParseDuration(raw); err == nil {
		t := now.Add(d)
		return &t
	}
	if t, ok := ParseResetTime(raw); ok {
		return &t
	}
	if t, err := http.ParseTime(raw); err == nil {
		return &t
	}
	return nil
}

func parseIntHeader(val string) int64 {
	val = strings.TrimSpace(val)
	if val == "" {
		return 0
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// parseQuotaHeader reads "requestsPerMinute=1000, tokensPerMinute=100000".
func parseQuotaHeader(header string) map[string]int64 {
	result := make(map[string]int64)
	if header == "" {
		return result
	}
	for _, pair := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) != 2 {
			continue
		}
		val, err := strconv.ParseInt(strings.TrimSpace(kv[1]), 10, 64)
		if err != nil {
			continue
		}
		result[strings.ToLower(strings.TrimSpace(kv[0]))] = val
	}
	return result
}
