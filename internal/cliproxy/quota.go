package cliproxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/models"
	"github.com/quotaguard/quotabar/internal/usage"
)

const (
	codexUsageURL       = "https://chatgpt.com/backend-api/wham/usage"
	codexUserAgent      = "codex_cli_rs/0.76.0 (Debian 13.0.0; x86_64) WindowsTerminal"
	geminiCLIQuotaURL   = "https://cloudcode-pa.googleapis.com/v1internal:retrieveUserQuota"
	antigravityAgent    = "antigravity/1.11.5 windows/amd64"
	antigravityFallback = "bamboo-precept-lgxtn"
)

var antigravityQuotaURLs = []string{
	"https://daily-cloudcode-pa.googleapis.com/v1internal:fetchAvailableModels",
	"https://daily-cloudcode-pa.sandbox.googleapis.com/v1internal:fetchAvailableModels",
	"https://cloudcode-pa.googleapis.com/v1internal:fetchAvailableModels",
}

// Quota is the usage of one auth file.
type Quota struct {
	Primary   *models.RateWindow
	Secondary *models.RateWindow
	Tertiary  *models.RateWindow
	Identity  *models.Identity
}

// Snapshot converts q into a cliproxyapi snapshot.
func (q Quota) Snapshot(now time.Time) *models.UsageSnapshot {
	return &models.UsageSnapshot{
		Provider:  models.ProviderCLIProxyAPI,
		Primary:   q.Primary,
		Secondary: q.Secondary,
		Tertiary:  q.Tertiary,
		Identity:  q.Identity,
		UpdatedAt: now,
	}
}

// FetchQuota queries the upstream quota of file through the proxy.
func FetchQuota(ctx context.Context, c *Client, file AuthFile, authIndex string, now time.Time) (Quota, error) {
	if !file.Active() {
		return Quota{}, ErrAuthFileUnavailable
	}
	identity := fileIdentity(file)

	var (
		q   Quota
		err error
	)
	switch p := file.NormalizedProvider(); p {
	case "codex":
		q, err = fetchCodex(ctx, c, file, authIndex, now)
	case "gemini-cli":
		q, err = fetchGeminiCLI(ctx, c, file, authIndex, now)
	case "antigravity":
		q, err = fetchAntigravity(ctx, c, file, authIndex, now)
	default:
		return Quota{}, &errors.ErrUpstreamAPI{
			Provider: string(models.ProviderCLIProxyAPI),
			Message:  "provider " + p + " does not report quota",
		}
	}
	if err != nil {
		return Quota{}, err
	}
	q.Identity = usage.MergeIdentity(identity, q.Identity)
	return q, nil
}

func fileIdentity(f AuthFile) *models.Identity {
	var plan string
	if f.IDToken != nil {
		plan = f.IDToken.PlanType
	}
	return usage.NewIdentity(f.DisplayEmail(), f.NormalizedProvider(), plan)
}

func quotaHeaders(extra map[string]string) map[string]string {
	h := map[string]string{
		"Authorization": "Bearer $TOKEN$",
		"Content-Type":  "application/json",
	}
	for k, v := range extra {
		h[k] = v
	}
	return h
}

// failure turns a non-2xx relayed response into either an exhausted window,
// when the message says when the quota resets, or an upstream error.
func failure(resp *APICallResponse, now time.Time) (*models.RateWindow, error) {
	msg := usage.ErrorMessage([]byte(resp.Body))
	if reset, ok := usage.ResetFromErrorMessage(msg, now); ok {
		return usage.LimitReachedWindow(reset), nil
	}
	return nil, &errors.ErrUpstreamAPI{
		Provider:   string(models.ProviderCLIProxyAPI),
		StatusCode: resp.StatusCode,
		Message:    msg,
		RetryAfter: usage.RetryAfter(http.Header(resp.Header), now),
	}
}

func fetchCodex(ctx context.Context, c *Client, f AuthFile, authIndex string, now time.Time) (Quota, error) {
	accountID := codexAccountID(ctx, c, f)
	if accountID == "" {
		return Quota{}, &errors.ErrMissingCredentials{
			Provider: string(models.ProviderCLIProxyAPI),
			What:     "codex account id",
		}
	}
	resp, err := c.APICall(ctx, APICallRequest{
		AuthIndex: authIndex,
		Method:    http.MethodGet,
		URL:       codexUsageURL,
		Header: quotaHeaders(map[string]string{
			"User-Agent":         codexUserAgent,
			"Chatgpt-Account-Id": accountID,
		}),
	})
	if err != nil {
		return Quota{}, err
	}
	if !resp.OK() {
		w, err := failure(resp, now)
		return Quota{Primary: w}, err
	}
	snap, err := usage.MapCodex([]byte(resp.Body), now)
	if err != nil {
		return Quota{}, err
	}
	return Quota{Primary: snap.Primary, Secondary: snap.Secondary, Identity: snap.Identity}, nil
}

func codexAccountID(ctx context.Context, c *Client, f AuthFile) string {
	if f.IDToken != nil && f.IDToken.ChatGPTAccountID != "" {
		return f.IDToken.ChatGPTAccountID
	}
	data, err := c.DownloadAuthFile(ctx, f.Name)
	if err != nil {
		return ""
	}
	return codexClaims(data).ChatGPTAccountID
}

// codexClaims reads the id token of a downloaded codex auth file. The token
// may be an object, a JWT or a JSON string, at the root or under "tokens".
func codexClaims(data []byte) TokenClaims {
	doc := gjson.ParseBytes(data)
	tok := doc.Get("id_token")
	if !tok.Exists() {
		tok = doc.Get("tokens.id_token")
	}
	var claims gjson.Result
	switch {
	case tok.IsObject():
		claims = tok
	case tok.Type == gjson.String:
		raw := tok.String()
		if payload, ok := jwtPayload(raw); ok {
			claims = gjson.ParseBytes(payload)
		} else if gjson.Valid(raw) {
			claims = gjson.Parse(raw)
		}
	}
	pick := func(paths ...string) string {
		for _, p := range paths {
			if v := strings.TrimSpace(claims.Get(p).String()); v != "" {
				return v
			}
		}
		return ""
	}
	return TokenClaims{
		ChatGPTAccountID: pick("chatgpt_account_id", "chatgptAccountId", `https://api\.openai\.com/auth.chatgpt_account_id`),
		PlanType:         pick("plan_type", "chatgpt_plan_type", "planType", `https://api\.openai\.com/auth.chatgpt_plan_type`),
	}
}

func jwtPayload(token string) ([]byte, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil || !json.Valid(payload) {
		return nil, false
	}
	return payload, true
}

var projectPattern = regexp.MustCompile(`\(([^()]+)\)`)

// geminiProjectID extracts the "(project)" suffix CLIProxyAPI appends to
// gemini-cli account names.
func geminiProjectID(f AuthFile) string {
	for _, candidate := range []string{f.Account, f.Label, f.Email} {
		matches := projectPattern.FindAllStringSubmatch(candidate, -1)
		if len(matches) == 0 {
			continue
		}
		if id := strings.TrimSpace(matches[len(matches)-1][1]); id != "" {
			return id
		}
	}
	return ""
}

func fetchGeminiCLI(ctx context.Context, c *Client, f AuthFile, authIndex string, now time.Time) (Quota, error) {
	project := geminiProjectID(f)
	if project == "" {
		return Quota{}, &errors.ErrMissingCredentials{
			Provider: string(models.ProviderCLIProxyAPI),
			What:     "gemini-cli project id",
		}
	}
	resp, err := c.APICall(ctx, APICallRequest{
		AuthIndex: authIndex,
		Method:    http.MethodPost,
		URL:       geminiCLIQuotaURL,
		Header:    quotaHeaders(nil),
		Data:      jsonBody("project", project),
	})
	if err != nil {
		return Quota{}, err
	}
	if !resp.OK() {
		w, err := failure(resp, now)
		return Quota{Primary: w}, err
	}
	snap, err := usage.MapGeminiQuota([]byte(resp.Body), now)
	if err != nil {
		return Quota{}, err
	}
	return Quota{Primary: snap.Primary, Secondary: snap.Secondary}, nil
}

func antigravityProjectID(ctx context.Context, c *Client, f AuthFile) string {
	if f.ProjectID != "" {
		return f.ProjectID
	}
	data, err := c.DownloadAuthFile(ctx, f.Name)
	if err != nil {
		return antigravityFallback
	}
	doc := gjson.ParseBytes(data)
	for _, path := range []string{"project_id", "projectId", "installed.project_id", "installed.projectId", "web.project_id", "web.projectId"} {
		if v := strings.TrimSpace(doc.Get(path).String()); v != "" {
			return v
		}
	}
	return antigravityFallback
}

// fetchAntigravity tries each host with both body spellings. A 400 about an
// unknown field moves on to the next body or host.
func fetchAntigravity(ctx context.Context, c *Client, f AuthFile, authIndex string, now time.Time) (Quota, error) {
	project := antigravityProjectID(ctx, c, f)
	headers := quotaHeaders(map[string]string{"User-Agent": antigravityAgent})
	bodies := []string{jsonBody("projectId", project), jsonBody("project", project)}

	var lastErr error
	for _, u := range antigravityQuotaURLs {
	attempts:
		for _, body := range bodies {
			resp, err := c.APICall(ctx, APICallRequest{
				AuthIndex: authIndex,
				Method:    http.MethodPost,
				URL:       u,
				Header:    headers,
				Data:      body,
			})
			if err != nil {
				return Quota{}, err
			}
			msg := usage.ErrorMessage([]byte(resp.Body))
			switch {
			case resp.StatusCode == http.StatusBadRequest && usage.IsUnknownFieldError(msg):
				lastErr = &errors.ErrUpstreamAPI{Provider: string(models.ProviderCLIProxyAPI), StatusCode: resp.StatusCode, Message: msg}
				continue
			case !resp.OK():
				w, err := failure(resp, now)
				if err == nil {
					return Quota{Primary: w}, nil
				}
				lastErr = err
				break attempts
			}
			p, s, t, err := usage.MapAntigravityModels([]byte(resp.Body), now)
			if err != nil {
				lastErr = err
				continue
			}
			return Quota{Primary: p, Secondary: s, Tertiary: t}, nil
		}
	}
	if lastErr == nil {
		lastErr = &errors.ErrUpstreamAPI{Provider: string(models.ProviderCLIProxyAPI), Message: "antigravity quota request failed"}
	}
	return Quota{}, lastErr
}

func jsonBody(key, value string) string {
	data, _ := json.Marshal(map[string]string{key: value})
	return string(data)
}
