// Package httpclient sends upstream requests and classifies their failures
// into the fetch error kinds.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/models"
	"github.com/quotaguard/quotabar/internal/usage"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 4 << 20

// Request describes one upstream call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// NewAPIClient returns a plain client for token-authenticated APIs.
func NewAPIClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// Send performs req and reads the body. Only transport failures are errors;
// the status code is left to the caller.
func Send(ctx context.Context, doer Doer, provider models.ProviderID, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vals := range req.Header {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}

	resp, err := doer.Do(httpReq)
	if err != nil {
		return nil, &errors.ErrNetwork{Provider: string(provider), URL: req.URL, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &errors.ErrNetwork{Provider: string(provider), URL: req.URL, Err: err}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// Fetch is Send followed by CheckStatus.
func Fetch(ctx context.Context, doer Doer, provider models.ProviderID, req Request) (*Response, error) {
	resp, err := Send(ctx, doer, provider, req)
	if err != nil {
		return nil, err
	}
	if err := CheckStatus(provider, resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// CheckStatus maps 401/403 to invalid credentials and any other non-2xx to
// an upstream API error carrying the server message and retry hint.
func CheckStatus(provider models.ProviderID, resp *Response) error {
	if resp.OK() {
		return nil
	}
	msg := usage.ErrorMessage(resp.Body)
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &errors.ErrInvalidCredentials{Provider: string(provider), StatusCode: resp.StatusCode, Detail: msg}
	default:
		return &errors.ErrUpstreamAPI{
			Provider:   string(provider),
			StatusCode: resp.StatusCode,
			Message:    msg,
			RetryAfter: usage.RetryAfter(resp.Header, time.Now()),
		}
	}
}

// BearerHeader returns a header set with an Authorization bearer token.
func BearerHeader(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

// CookieHeader returns a header set carrying a Cookie header.
func CookieHeader(cookie string) http.Header {
	h := http.Header{}
	h.Set("Cookie", cookie)
	return h
}
