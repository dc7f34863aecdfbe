package provider

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/quotaguard/quotabar/internal/credentials"
	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/fetch"
	"github.com/quotaguard/quotabar/internal/httpclient"
	"github.com/quotaguard/quotabar/internal/keepalive"
	"github.com/quotaguard/quotabar/internal/models"
	"github.com/quotaguard/quotabar/internal/usage"
)

const (
	envClaudeOAuthToken = "CLAUDE_CODE_OAUTH_TOKEN"
	envClaudeConfigDir  = "CLAUDE_CONFIG_DIR"
	envClaudeCookie     = "CLAUDE_COOKIE_HEADER"
	claudeOAuthBeta     = "oauth-2025-04-20"
)

var claudePolicy = credentials.Policy{
	Kind:          credentials.KindCookie,
	EnvKeys:       []string{envClaudeCookie},
	BrowserImport: true,
}

var claudeOAuthPolicy = credentials.Policy{
	Kind:    credentials.KindToken,
	EnvKeys: []string{envClaudeOAuthToken},
}

func claudeDescriptor(d *Deps) Descriptor {
	ka := keepalive.IntervalConfig(30 * time.Minute)
	oauth := claudeOAuth(d)
	web := claudeWeb(d)
	return Descriptor{
		ID:             models.ProviderClaude,
		DisplayName:    "Claude",
		DashboardURL:   "https://claude.ai/settings/usage",
		DefaultEnabled: true,
		Modes:          []models.SourceMode{models.SourceAuto, models.SourceOAuth, models.SourceWeb},
		Policy:         claudePolicy,
		CLI:            &CLIConfig{Binary: "claude"},
		Keepalive:      &ka,
		Strategies: func(*fetch.Context) []fetch.Strategy {
			return []fetch.Strategy{oauth, web}
		},
		SessionChecker: func() keepalive.Checker {
			return keepalive.NewCookieChecker(models.ProviderClaude,
				[]string{d.Endpoints.ClaudeWeb + "/api/account"},
				d.sessionCookie(models.ProviderClaude, claudePolicy),
				d.invalidateCookie(models.ProviderClaude))
		},
	}
}

// claudeOAuthToken returns the OAuth token from the resolver, then from the
// credentials file Claude Code writes.
func claudeOAuthToken(ctx context.Context, d *Deps, fc *fetch.Context) (token, plan string, err error) {
	res, err := d.resolveToken(ctx, models.ProviderClaude, claudeOAuthPolicy, fc, fc.Settings.APIKey)
	if err == nil {
		return res.Value, "", nil
	}
	if errors.KindOf(err) != errors.KindMissingCredentials {
		return "", "", err
	}

	path := homePath(fc, envClaudeConfigDir, d.Home, ".claude", ".credentials.json")
	creds, ferr := readCredentialFile(models.ProviderClaude, path, "Claude OAuth token")
	if ferr != nil {
		return "", "", err
	}
	oauth := creds.Get("claudeAiOauth")
	token = oauth.Get("accessToken").String()
	if token == "" {
		return "", "", err
	}
	if exp := oauth.Get("expiresAt").Int(); exp > 0 && time.UnixMilli(exp).Before(d.now()) {
		return "", "", &errors.ErrInvalidCredentials{Provider: string(models.ProviderClaude), Detail: "OAuth token expired; run claude to sign in again"}
	}
	return token, oauth.Get("subscriptionType").String(), nil
}

// claudeOAuth calls the usage endpoint with the Claude Code OAuth token.
func claudeOAuth(d *Deps) fetch.Strategy {
	return &funcStrategy{
		id:   "claude.oauth",
		kind: models.KindOAuth,
		fetch: func(ctx context.Context, fc *fetch.Context) (*models.UsageSnapshot, error) {
			token, plan, err := claudeOAuthToken(ctx, d, fc)
			if err != nil {
				return nil, err
			}
			header := httpclient.BearerHeader(token)
			header.Set("anthropic-beta", claudeOAuthBeta)
			resp, err := httpclient.Fetch(ctx, d.APIDoer, models.ProviderClaude, httpclient.Request{
				URL:    d.Endpoints.ClaudeAPI + "/api/oauth/usage",
				Header: header,
			})
			if err != nil {
				return nil, err
			}
			snap, err := usage.MapClaude(resp.Body, d.now())
			if err != nil {
				return nil, err
			}
			snap.Identity = usage.MergeIdentity(snap.Identity, usage.NewIdentity("", "", plan))
			if version := d.Prober.DetectVersion(ctx, "claude"); version != "" {
				snap.CLIVersion = models.Ptr(version)
			}
			snap.SourceLabel = "oauth"
			return snap, nil
		},
		fallback: fetch.OnLocalFailure,
	}
}

// claudeWeb uses the claude.ai sessionKey cookie: organizations first, then
// the organization's usage.
func claudeWeb(d *Deps) fetch.Strategy {
	return &funcStrategy{
		id:   "claude.web",
		kind: models.KindWebCookie,
		available: func(_ context.Context, fc *fetch.Context) bool {
			return cookieAllowed(fc)
		},
		fetch: func(ctx context.Context, fc *fetch.Context) (*models.UsageSnapshot, error) {
			cookie, err := d.resolveCookie(ctx, models.ProviderClaude, claudePolicy, fc.Settings, fc.Env)
			if err != nil {
				return nil, err
			}
			sessionKey, ok := credentials.CookieValue(cookie.Value, "sessionKey")
			if !ok {
				return nil, &errors.ErrMissingCredentials{Provider: string(models.ProviderClaude), What: "sessionKey cookie", Checked: []string{cookie.SourceLabel}}
			}
			header := webHeader("sessionKey="+sessionKey, d.Endpoints.ClaudeWeb)

			orgs, err := httpclient.Fetch(ctx, d.WebDoer, models.ProviderClaude, httpclient.Request{
				URL:    d.Endpoints.ClaudeWeb + "/api/organizations",
				Header: header,
			})
			if err != nil {
				return nil, err
			}
			orgID, orgName, err := usage.ClaudeOrganization(orgs.Body)
			if err != nil {
				return nil, err
			}

			resp, err := httpclient.Fetch(ctx, d.WebDoer, models.ProviderClaude, httpclient.Request{
				Method: http.MethodGet,
				URL:    d.Endpoints.ClaudeWeb + "/api/organizations/" + url.PathEscape(orgID) + "/usage",
				Header: header,
			})
			if err != nil {
				return nil, err
			}
			snap, err := usage.MapClaude(resp.Body, d.now())
			if err != nil {
				return nil, err
			}
			snap.Identity = usage.MergeIdentity(snap.Identity, usage.NewIdentity(cookie.AccountEmail, orgName, "web"))
			snap.SourceLabel = sourceLabel("web", cookie.SourceLabel)
			return snap, nil
		},
		fallback: fetch.OnMissingSession,
	}
}
