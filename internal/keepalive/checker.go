package keepalive

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/httpclient"
	"github.com/quotaguard/quotabar/internal/models"
	"github.com/quotaguard/quotabar/internal/usage"
)

// Status is the outcome of a liveness check.
type Status struct {
	Valid     bool
	Expired   bool
	ExpiresAt *time.Time
	Detail    string
}

// Checker checks and refreshes one provider's session.
type Checker interface {
	// Check reports the session state. An error means the check itself
	// could not run.
	Check(ctx context.Context) (Status, error)
	// Refresh obtains a fresh session.
	Refresh(ctx context.Context) error
}

// Initializer is implemented by checkers that need setup before the first
// check. Start does not report the instance running until Init returns.
type Initializer interface {
	Init(ctx context.Context) error
}

// CookieChecker validates a browser session by calling session endpoints
// with the resolved cookie header.
type CookieChecker struct {
	Provider  models.ProviderID
	Endpoints []string
	// Cookie resolves the current cookie header.
	Cookie func(ctx context.Context) (string, error)
	// Invalidate drops cached cookie material so the next Cookie call
	// re-imports it.
	Invalidate func() error
	Doer       httpclient.Doer
}

// NewCookieChecker creates a checker whose HTTP client does not follow
// redirects, so a bounce to a login page is visible.
func NewCookieChecker(p models.ProviderID, endpoints []string, cookie func(context.Context) (string, error), invalidate func() error) *CookieChecker {
	return &CookieChecker{
		Provider:   p,
		Endpoints:  endpoints,
		Cookie:     cookie,
		Invalidate: invalidate,
		Doer: &http.Client{
			Timeout: 15 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Check tries the endpoints in order. 200 with a JSON body naming a user,
// email or session is valid, 401 or a redirect to a login page is expired,
// and anything else moves on to the next endpoint.
func (c *CookieChecker) Check(ctx context.Context) (Status, error) {
	cookie, err := c.Cookie(ctx)
	if err != nil {
		if errors.KindOf(err) == errors.KindMissingCredentials || errors.IsImportFailure(err) {
			return Status{Expired: true, Detail: err.Error()}, nil
		}
		return Status{}, err
	}

	var lastErr error
	for _, endpoint := range c.Endpoints {
		resp, err := httpclient.Send(ctx, c.Doer, c.Provider, httpclient.Request{
			URL:    endpoint,
			Header: httpclient.CookieHeader(cookie),
		})
		if err != nil {
			lastErr = err
			continue
		}
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return Status{Expired: true, Detail: endpoint + " returned 401"}, nil
		case resp.StatusCode >= 300 && resp.StatusCode < 400:
			if strings.Contains(strings.ToLower(resp.Header.Get("Location")), "login") {
				return Status{Expired: true, Detail: endpoint + " redirected to login"}, nil
			}
		case resp.OK():
			if st, ok := sessionStatus(resp.Body); ok {
				return st, nil
			}
		}
		lastErr = &errors.ErrUpstreamAPI{Provider: string(c.Provider), StatusCode: resp.StatusCode, Message: "no session in response"}
	}
	if lastErr == nil {
		lastErr = errors.New("no session endpoints configured")
	}
	return Status{}, lastErr
}

func sessionStatus(body []byte) (Status, bool) {
	if !gjson.ValidBytes(body) {
		return Status{}, false
	}
	doc := gjson.ParseBytes(body)
	if !doc.Get("user").Exists() && !doc.Get("email").Exists() && !doc.Get("email_address").Exists() && !doc.Get("session").Exists() {
		return Status{}, false
	}
	st := Status{Valid: true}
	for _, path := range []string{"expires", "expiresAt", "session.expires", "session.expiresAt"} {
		if t := usage.ParseResetPtr(doc.Get(path).String()); t != nil {
			st.ExpiresAt = t
			break
		}
	}
	return st, true
}

// Refresh invalidates the cached cookie, re-imports it and re-checks.
func (c *CookieChecker) Refresh(ctx context.Context) error {
	if c.Invalidate != nil {
		if err := c.Invalidate(); err != nil {
			return err
		}
	}
	st, err := c.Check(ctx)
	if err != nil {
		return err
	}
	if !st.Valid {
		return &errors.ErrInvalidCredentials{Provider: string(c.Provider), StatusCode: http.StatusUnauthorized, Detail: st.Detail}
	}
	return nil
}
