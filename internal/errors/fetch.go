package errors

import (
	"fmt"
	"strings"
	"time"
)

// Kind classifies fetch and credential failures.
type Kind string

const (
	KindMissingCredentials     Kind = "missing_credentials"
	KindInvalidCredentials     Kind = "invalid_credentials"
	KindNetwork                Kind = "network"
	KindUpstreamAPI            Kind = "upstream_api"
	KindParse                  Kind = "parse"
	KindNoStrategy             Kind = "no_strategy"
	KindBrowserAccessDenied    Kind = "browser_access_denied"
	KindNoMatchingAccount      Kind = "no_matching_account"
	KindNoCookiesFound         Kind = "no_cookies_found"
	KindDashboardRequiresLogin Kind = "dashboard_requires_login"
	KindManualHeaderInvalid    Kind = "manual_header_invalid"
	KindKeepaliveStart         Kind = "keepalive_start"
	KindUnknown                Kind = "unknown"
)

type kinded interface {
	Kind() Kind
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k kinded
	if As(err, &k) {
		return k.Kind()
	}
	if l, ok := localFailure(err); ok {
		return l.kind
	}
	return KindUnknown
}

type sessionExpirer interface {
	SessionExpired() bool
}

// IsSessionExpired reports whether err carries the session-expired marker
// that triggers the keepalive recovery path.
func IsSessionExpired(err error) bool {
	var se sessionExpirer
	return As(err, &se) && se.SessionExpired()
}

type importFailure interface {
	ImportFailure() bool
}

// IsImportFailure reports whether err came from a browser cookie import.
func IsImportFailure(err error) bool {
	var f importFailure
	return As(err, &f) && f.ImportFailure()
}

// ErrMissingCredentials means no permitted source produced a value.
type ErrMissingCredentials struct {
	Provider string
	What     string
	Checked  []string
}

func (e *ErrMissingCredentials) Error() string {
	what := e.What
	if what == "" {
		what = "credentials"
	}
	if len(e.Checked) == 0 {
		return fmt.Sprintf("%s: missing %s", e.Provider, what)
	}
	return fmt.Sprintf("%s: missing %s (checked %s)", e.Provider, what, strings.Join(e.Checked, ", "))
}

func (e *ErrMissingCredentials) Kind() Kind { return KindMissingCredentials }

func (e *ErrMissingCredentials) UserMessage() string {
	return fmt.Sprintf("No credentials configured for %s.", e.Provider)
}

func (e *ErrMissingCredentials) RecoverySuggestion() string {
	return "Sign in with the provider's CLI, set an API key, or paste a cookie header in the provider settings."
}

func (e *ErrMissingCredentials) ActionHint() *Action { return OpenPreferences("providers") }

func (e *ErrMissingCredentials) TechnicalDetails() string { return e.Error() }

// ErrInvalidCredentials is an upstream rejection (401/403). It carries the
// session-expired marker.
type ErrInvalidCredentials struct {
	Provider   string
	StatusCode int
	Detail     string
}

func (e *ErrInvalidCredentials) Error() string {
	msg := fmt.Sprintf("%s: invalid or expired credentials", e.Provider)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ErrInvalidCredentials) Kind() Kind { return KindInvalidCredentials }

func (e *ErrInvalidCredentials) SessionExpired() bool { return true }

func (e *ErrInvalidCredentials) UserMessage() string {
	return fmt.Sprintf("Your %s session has expired or the credentials were rejected.", e.Provider)
}

func (e *ErrInvalidCredentials) RecoverySuggestion() string {
	return "Sign in again, then refresh. Cookie sessions are re-imported automatically when possible."
}

func (e *ErrInvalidCredentials) ActionHint() *Action { return Retry() }

func (e *ErrInvalidCredentials) TechnicalDetails() string { return e.Error() }

// ErrNetwork wraps a transport failure.
type ErrNetwork struct {
	Provider string
	URL      string
	Err      error
}

func (e *ErrNetwork) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("%s: network error calling %s: %v", e.Provider, e.URL, e.Err)
	}
	return fmt.Sprintf("%s: network error: %v", e.Provider, e.Err)
}

func (e *ErrNetwork) Unwrap() error { return e.Err }

func (e *ErrNetwork) Kind() Kind { return KindNetwork }

func (e *ErrNetwork) UserMessage() string {
	return fmt.Sprintf("Could not reach %s.", e.Provider)
}

func (e *ErrNetwork) RecoverySuggestion() string {
	return "Check your internet connection and try again."
}

func (e *ErrNetwork) ActionHint() *Action { return Retry() }

func (e *ErrNetwork) TechnicalDetails() string { return e.Error() }

// ErrUpstreamAPI is a non-2xx response that is not an auth failure.
type ErrUpstreamAPI struct {
	Provider   string
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *ErrUpstreamAPI) Error() string {
	msg := fmt.Sprintf("%s: upstream API error (HTTP %d)", e.Provider, e.StatusCode)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *ErrUpstreamAPI) Kind() Kind { return KindUpstreamAPI }

// RateLimited reports whether the upstream answered 429.
func (e *ErrUpstreamAPI) RateLimited() bool { return e.StatusCode == 429 }

func (e *ErrUpstreamAPI) UserMessage() string {
	if e.RateLimited() {
		return fmt.Sprintf("%s is rate limiting usage requests.", e.Provider)
	}
	return fmt.Sprintf("%s returned an error.", e.Provider)
}

func (e *ErrUpstreamAPI) RecoverySuggestion() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("Try again in %s.", e.RetryAfter.Round(time.Second))
	}
	return "Try again later."
}

func (e *ErrUpstreamAPI) ActionHint() *Action { return Retry() }

func (e *ErrUpstreamAPI) TechnicalDetails() string { return e.Error() }

// ErrParse means the upstream payload could not be decoded or mapped.
type ErrParse struct {
	Provider string
	What     string
	Err      error
}

func (e *ErrParse) Error() string {
	what := e.What
	if what == "" {
		what = "response"
	}
	return fmt.Sprintf("%s: failed to parse %s: %v", e.Provider, what, e.Err)
}

func (e *ErrParse) Unwrap() error { return e.Err }

func (e *ErrParse) Kind() Kind { return KindParse }

func (e *ErrParse) UserMessage() string {
	return fmt.Sprintf("Unexpected response from %s.", e.Provider)
}

func (e *ErrParse) RecoverySuggestion() string {
	return "The provider may have changed its API. Updating quotabar may help."
}

func (e *ErrParse) ActionHint() *Action { return nil }

func (e *ErrParse) TechnicalDetails() string { return e.Error() }

// ErrNoStrategy is returned by the pipeline when no strategy produced a
// result and no strategy error was propagated.
type ErrNoStrategy struct {
	Provider string
	Mode     string
	Tried    int
	Last     error
}

func (e *ErrNoStrategy) Error() string {
	msg := fmt.Sprintf("%s: no fetch strategy available (mode %s", e.Provider, e.Mode)
	if e.Tried > 0 {
		msg += fmt.Sprintf(", %d attempted", e.Tried)
	}
	msg += ")"
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *ErrNoStrategy) Unwrap() error { return e.Last }

// Kind is reported directly so KindOf does not descend into Last.
func (e *ErrNoStrategy) Kind() Kind { return KindNoStrategy }

func (e *ErrNoStrategy) UserMessage() string {
	return fmt.Sprintf("No way to fetch %s usage right now.", e.Provider)
}

func (e *ErrNoStrategy) RecoverySuggestion() string {
	var uf UserFacing
	if e.Last != nil && As(e.Last, &uf) && uf.RecoverySuggestion() != "" {
		return uf.RecoverySuggestion()
	}
	return "Install the provider's CLI, add an API key, or switch the source to auto."
}

func (e *ErrNoStrategy) ActionHint() *Action { return OpenPreferences("providers") }

func (e *ErrNoStrategy) TechnicalDetails() string { return e.Error() }

// ErrBrowserAccessDenied means the OS refused access to browser storage.
type ErrBrowserAccessDenied struct {
	Provider string
	Browser  string
	Detail   string
}

func (e *ErrBrowserAccessDenied) Error() string {
	msg := fmt.Sprintf("%s: access to %s cookies denied", e.Provider, browserName(e.Browser))
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ErrBrowserAccessDenied) Kind() Kind { return KindBrowserAccessDenied }

func (e *ErrBrowserAccessDenied) ImportFailure() bool { return true }

func (e *ErrBrowserAccessDenied) UserMessage() string {
	return fmt.Sprintf("quotabar is not allowed to read %s cookies.", browserName(e.Browser))
}

func (e *ErrBrowserAccessDenied) RecoverySuggestion() string {
	return "Grant disk access in system settings, or paste the cookie header manually."
}

func (e *ErrBrowserAccessDenied) ActionHint() *Action { return OpenSystemSettings("privacy") }

func (e *ErrBrowserAccessDenied) TechnicalDetails() string { return e.Error() }

// ErrNoMatchingAccount means the browser session belongs to another identity.
type ErrNoMatchingAccount struct {
	Provider string
	Expected string
	Found    string
}

func (e *ErrNoMatchingAccount) Error() string {
	if e.Found != "" {
		return fmt.Sprintf("%s: browser session is for %s, expected %s", e.Provider, e.Found, e.Expected)
	}
	return fmt.Sprintf("%s: no browser session for %s", e.Provider, e.Expected)
}

func (e *ErrNoMatchingAccount) Kind() Kind { return KindNoMatchingAccount }

func (e *ErrNoMatchingAccount) ImportFailure() bool { return true }

func (e *ErrNoMatchingAccount) UserMessage() string {
	return fmt.Sprintf("The %s browser session belongs to a different account.", e.Provider)
}

func (e *ErrNoMatchingAccount) RecoverySuggestion() string {
	if e.Expected != "" {
		return fmt.Sprintf("Sign in as %s in your browser.", e.Expected)
	}
	return "Sign in with the expected account in your browser."
}

func (e *ErrNoMatchingAccount) ActionHint() *Action { return nil }

func (e *ErrNoMatchingAccount) TechnicalDetails() string { return e.Error() }

// ErrNoCookiesFound means the importer found no session cookies.
type ErrNoCookiesFound struct {
	Provider string
	Browser  string
}

func (e *ErrNoCookiesFound) Error() string {
	return fmt.Sprintf("%s: no session cookies found in %s", e.Provider, browserName(e.Browser))
}

func (e *ErrNoCookiesFound) Kind() Kind { return KindNoCookiesFound }

func (e *ErrNoCookiesFound) ImportFailure() bool { return true }

func (e *ErrNoCookiesFound) UserMessage() string {
	return fmt.Sprintf("No %s session found in your browser.", e.Provider)
}

func (e *ErrNoCookiesFound) RecoverySuggestion() string {
	return "Sign in to the dashboard in your browser, then refresh."
}

func (e *ErrNoCookiesFound) ActionHint() *Action { return nil }

func (e *ErrNoCookiesFound) TechnicalDetails() string { return e.Error() }

// ErrDashboardRequiresLogin means cookies exist but the dashboard wants a login.
type ErrDashboardRequiresLogin struct {
	Provider     string
	DashboardURL string
}

func (e *ErrDashboardRequiresLogin) Error() string {
	return fmt.Sprintf("%s: dashboard requires login", e.Provider)
}

func (e *ErrDashboardRequiresLogin) Kind() Kind { return KindDashboardRequiresLogin }

func (e *ErrDashboardRequiresLogin) ImportFailure() bool { return true }

func (e *ErrDashboardRequiresLogin) UserMessage() string {
	return fmt.Sprintf("You are signed out of the %s dashboard.", e.Provider)
}

func (e *ErrDashboardRequiresLogin) RecoverySuggestion() string {
	return "Open the dashboard and sign in again."
}

func (e *ErrDashboardRequiresLogin) ActionHint() *Action {
	if e.DashboardURL == "" {
		return nil
	}
	return OpenBrowser(e.DashboardURL)
}

func (e *ErrDashboardRequiresLogin) TechnicalDetails() string { return e.Error() }

// ErrManualHeaderInvalid means a pasted cookie header has no usable cookies.
type ErrManualHeaderInvalid struct {
	Provider string
	Reason   string
}

func (e *ErrManualHeaderInvalid) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: invalid manual cookie header: %s", e.Provider, e.Reason)
	}
	return fmt.Sprintf("%s: invalid manual cookie header", e.Provider)
}

func (e *ErrManualHeaderInvalid) Kind() Kind { return KindManualHeaderInvalid }

func (e *ErrManualHeaderInvalid) ImportFailure() bool { return true }

func (e *ErrManualHeaderInvalid) UserMessage() string {
	return fmt.Sprintf("The cookie header entered for %s is not valid.", e.Provider)
}

func (e *ErrManualHeaderInvalid) RecoverySuggestion() string {
	return "Copy the full Cookie request header from your browser's developer tools."
}

func (e *ErrManualHeaderInvalid) ActionHint() *Action { return OpenPreferences("providers") }

func (e *ErrManualHeaderInvalid) TechnicalDetails() string { return e.Error() }

// ErrKeepaliveStart is returned by a forced refresh whose keepalive
// instance did not initialize within the grace period.
type ErrKeepaliveStart struct {
	Provider string
	Timeout  time.Duration
}

func (e *ErrKeepaliveStart) Error() string {
	return fmt.Sprintf("%s: keepalive failed to start within %s", e.Provider, e.Timeout)
}

func (e *ErrKeepaliveStart) Kind() Kind { return KindKeepaliveStart }

func (e *ErrKeepaliveStart) UserMessage() string {
	return fmt.Sprintf("Could not refresh the %s session.", e.Provider)
}

func (e *ErrKeepaliveStart) RecoverySuggestion() string {
	return "Check that the provider is enabled and try again."
}

func (e *ErrKeepaliveStart) ActionHint() *Action { return Retry() }

func (e *ErrKeepaliveStart) TechnicalDetails() string { return e.Error() }

func browserName(b string) string {
	if b == "" {
		return "browser"
	}
	return b
}
