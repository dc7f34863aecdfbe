package credentials

import (
	"regexp"
	"strings"
)

var cookieHeaderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)-H\s*'Cookie:\s*([^']+)'`),
	regexp.MustCompile(`(?i)-H\s*"Cookie:\s*([^"]+)"`),
	regexp.MustCompile(`(?i)\bcookie:\s*'([^']+)'`),
	regexp.MustCompile(`(?i)\bcookie:\s*"([^"]+)"`),
	regexp.MustCompile(`(?i)\bcookie:\s*([^\r\n]+)`),
	regexp.MustCompile(`(?i)(?:--cookie|-b)\s*'([^']+)'`),
	regexp.MustCompile(`(?i)(?:--cookie|-b)\s*"([^"]+)"`),
	regexp.MustCompile(`(?i)(?:--cookie|-b)\s*([^\s]+)`),
}

// CookiePair is one name=value entry of a cookie header.
type CookiePair struct {
	Name  string
	Value string
}

// NormalizeCookieHeader extracts the cookie value from whatever the user
// pasted: a bare header, "Cookie: ..." or a curl command line. Empty input
// yields "".
func NormalizeCookieHeader(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	for _, re := range cookieHeaderPatterns {
		m := re.FindStringSubmatch(value)
		if len(m) < 2 {
			continue
		}
		if captured := strings.TrimSpace(m[1]); captured != "" {
			value = captured
			break
		}
	}
	if len(value) >= len("cookie:") && strings.EqualFold(value[:len("cookie:")], "cookie:") {
		value = strings.TrimSpace(value[len("cookie:"):])
	}
	value = stripQuotes(value)
	return strings.TrimSpace(value)
}

// CookiePairs splits a (possibly raw) cookie header into pairs. Parts
// without '=' or with an empty name are skipped.
func CookiePairs(raw string) []CookiePair {
	normalized := NormalizeCookieHeader(raw)
	if normalized == "" {
		return nil
	}
	var out []CookiePair
	for _, part := range strings.Split(normalized, ";") {
		part = strings.TrimSpace(part)
		idx := strings.IndexByte(part, '=')
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(part[:idx])
		if name == "" {
			continue
		}
		out = append(out, CookiePair{Name: name, Value: strings.TrimSpace(part[idx+1:])})
	}
	return out
}

// CookieValue returns the value of the first cookie called name.
func CookieValue(raw, name string) (string, bool) {
	for _, p := range CookiePairs(raw) {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// stripQuotes removes one pair of matching surrounding quotes.
func stripQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}

// Cleaned trims whitespace, strips one pair of matching quotes and trims
// again.
func Cleaned(raw string) string {
	return strings.TrimSpace(stripQuotes(strings.TrimSpace(raw)))
}
