package cliproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/httpclient"
	"github.com/quotaguard/quotabar/internal/models"
)

const managementPath = "/v0/management"

// NormalizeBaseURL turns a user-entered address into the management API
// root. A missing scheme defaults to http and trailing slashes are dropped.
func NormalizeBaseURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errors.New("management URL is empty")
	}
	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		s = "http://" + s
	}
	s = strings.TrimRight(s, "/")
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid management URL %q", raw)
	}
	path := strings.TrimRight(u.Path, "/")
	if !strings.HasSuffix(strings.ToLower(path), managementPath) {
		path += managementPath
	}
	u.Path = path
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// APICallRequest asks CLIProxyAPI to perform an upstream request with the
// credentials of one auth file. "$TOKEN$" in headers is replaced by the
// proxy with the file's access token.
type APICallRequest struct {
	AuthIndex string            `json:"auth_index,omitempty"`
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Header    map[string]string `json:"header,omitempty"`
	Data      string            `json:"data,omitempty"`
}

// APICallResponse is the relayed upstream response.
type APICallResponse struct {
	StatusCode int                 `json:"status_code"`
	Header     map[string][]string `json:"header"`
	Body       string              `json:"body"`
}

// OK reports a 2xx upstream status.
func (r *APICallResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Client talks to the CLIProxyAPI management API.
type Client struct {
	baseURL string
	key     string
	doer    httpclient.Doer
}

// NewClient creates a client. rawURL is normalized with NormalizeBaseURL.
func NewClient(rawURL, managementKey string, doer httpclient.Doer) (*Client, error) {
	base, err := NormalizeBaseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if doer == nil {
		doer = httpclient.NewAPIClient(0)
	}
	return &Client{baseURL: base, key: managementKey, doer: doer}, nil
}

// BaseURL returns the normalized management root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	resp, err := httpclient.Fetch(ctx, c.doer, models.ProviderCLIProxyAPI, httpclient.Request{
		Method: method,
		URL:    c.baseURL + path,
		Header: httpclient.BearerHeader(c.key),
		Body:   body,
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// ListAuthFiles returns every auth file known to the proxy.
func (c *Client) ListAuthFiles(ctx context.Context) ([]AuthFile, error) {
	data, err := c.do(ctx, http.MethodGet, "/auth-files", nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Files []AuthFile `json:"files"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, &errors.ErrParse{Provider: string(models.ProviderCLIProxyAPI), What: "auth files", Err: err}
	}
	return payload.Files, nil
}

// DownloadAuthFile returns the raw content of the named auth file.
func (c *Client) DownloadAuthFile(ctx context.Context, name string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/auth-files/download?name="+url.QueryEscape(name), nil)
}

// APICall relays req through the proxy. A non-2xx upstream status is not an
// error here; only management API failures are.
func (c *Client) APICall(ctx context.Context, req APICallRequest) (*APICallResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode api-call: %w", err)
	}
	data, err := c.do(ctx, http.MethodPost, "/api-call", body)
	if err != nil {
		return nil, err
	}
	var resp APICallResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &errors.ErrParse{Provider: string(models.ProviderCLIProxyAPI), What: "api-call response", Err: err}
	}
	return &resp, nil
}
