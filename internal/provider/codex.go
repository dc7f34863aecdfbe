package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/quotaguard/quotabar/internal/cliprobe"
	"github.com/quotaguard/quotabar/internal/credentials"
	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/fetch"
	"github.com/quotaguard/quotabar/internal/httpclient"
	"github.com/quotaguard/quotabar/internal/keepalive"
	"github.com/quotaguard/quotabar/internal/models"
	"github.com/quotaguard/quotabar/internal/usage"
)

const (
	envCodexHome   = "CODEX_HOME"
	envCodexCookie = "CODEX_COOKIE_HEADER"
	codexUsagePath = "/backend-api/wham/usage"
)

var codexPolicy = credentials.Policy{
	Kind:          credentials.KindCookie,
	EnvKeys:       []string{envCodexCookie},
	BrowserImport: true,
}

func codexDescriptor(d *Deps) Descriptor {
	ka := keepalive.IntervalConfig(time.Hour)
	cli := codexCLI(d)
	web := codexWeb(d)
	return Descriptor{
		ID:             models.ProviderCodex,
		DisplayName:    "Codex",
		DashboardURL:   "https://chatgpt.com/codex/settings/usage",
		DefaultEnabled: true,
		Modes:          []models.SourceMode{models.SourceAuto, models.SourceCLI, models.SourceWeb},
		Policy:         codexPolicy,
		CLI:            &CLIConfig{Binary: "codex"},
		Keepalive:      &ka,
		Strategies: func(*fetch.Context) []fetch.Strategy {
			return []fetch.Strategy{cli, web}
		},
		SessionChecker: func() keepalive.Checker {
			return keepalive.NewCookieChecker(models.ProviderCodex,
				[]string{d.Endpoints.ChatGPT + "/api/auth/session"},
				d.sessionCookie(models.ProviderCodex, codexPolicy),
				d.invalidateCookie(models.ProviderCodex))
		},
	}
}

func codexAuthPath(d *Deps, fc *fetch.Context) string {
	return homePath(fc, envCodexHome, d.Home, ".codex", "auth.json")
}

// codexCLI reads the access token the Codex CLI stored after login.
func codexCLI(d *Deps) fetch.Strategy {
	return &funcStrategy{
		id:   "codex.cli",
		kind: models.KindCLI,
		available: func(_ context.Context, fc *fetch.Context) bool {
			return fc.AccountToken() != "" || fileExists(codexAuthPath(d, fc))
		},
		fetch: func(ctx context.Context, fc *fetch.Context) (*models.UsageSnapshot, error) {
			token, accountID := fc.AccountToken(), ""
			if token == "" {
				path := codexAuthPath(d, fc)
				auth, err := readCredentialFile(models.ProviderCodex, path, "Codex CLI login")
				if err != nil {
					return nil, err
				}
				token = auth.Get("tokens.access_token").String()
				accountID = firstString(auth, "tokens.account_id", "account_id")
				if token == "" {
					if key := auth.Get("OPENAI_API_KEY").String(); key != "" {
						return nil, &errors.ErrMissingCredentials{Provider: string(models.ProviderCodex), What: "ChatGPT login (API key logins have no usage limits)", Checked: []string{path}}
					}
					return nil, &errors.ErrMissingCredentials{Provider: string(models.ProviderCodex), What: "Codex CLI login", Checked: []string{path}}
				}
			}

			version := d.Prober.DetectVersion(ctx, "codex")
			ua := "codex-cli"
			if v := cliprobe.Canonical(version); v != "" {
				ua += "/" + v[1:]
			}
			snap, err := codexUsage(ctx, d, d.APIDoer, token, accountID, ua)
			if err != nil {
				return nil, err
			}
			if version != "" {
				snap.CLIVersion = models.Ptr(version)
			}
			snap.SourceLabel = "cli"
			return snap, nil
		},
		fallback: fetch.OnLocalFailure,
	}
}

// codexWeb exchanges the ChatGPT session cookie for an access token.
func codexWeb(d *Deps) fetch.Strategy {
	return &funcStrategy{
		id:   "codex.web",
		kind: models.KindWebCookie,
		available: func(_ context.Context, fc *fetch.Context) bool {
			return cookieAllowed(fc)
		},
		fetch: func(ctx context.Context, fc *fetch.Context) (*models.UsageSnapshot, error) {
			cookie, err := d.resolveCookie(ctx, models.ProviderCodex, codexPolicy, fc.Settings, fc.Env)
			if err != nil {
				return nil, err
			}
			resp, err := httpclient.Fetch(ctx, d.WebDoer, models.ProviderCodex, httpclient.Request{
				URL:    d.Endpoints.ChatGPT + "/api/auth/session",
				Header: webHeader(cookie.Value, d.Endpoints.ChatGPT),
			})
			if err != nil {
				return nil, err
			}
			session := gjson.ParseBytes(resp.Body)
			token := session.Get("accessToken").String()
			if token == "" {
				return nil, &errors.ErrInvalidCredentials{Provider: string(models.ProviderCodex), StatusCode: resp.StatusCode, Detail: "ChatGPT session has no access token"}
			}

			snap, err := codexUsage(ctx, d, d.WebDoer, token, session.Get("account.id").String(), "")
			if err != nil {
				return nil, err
			}
			email := session.Get("user.email").String()
			if email == "" {
				email = cookie.AccountEmail
			}
			snap.Identity = usage.MergeIdentity(snap.Identity, usage.NewIdentity(email, "", session.Get("account.planType").String()))
			snap.SourceLabel = sourceLabel("web", cookie.SourceLabel)
			return snap, nil
		},
		fallback: fetch.OnMissingSession,
	}
}

func codexUsage(ctx context.Context, d *Deps, doer httpclient.Doer, token, accountID, userAgent string) (*models.UsageSnapshot, error) {
	header := httpclient.BearerHeader(token)
	if accountID != "" {
		header.Set("Chatgpt-Account-Id", accountID)
	}
	if userAgent != "" {
		header.Set("User-Agent", userAgent)
	}
	resp, err := httpclient.Fetch(ctx, doer, models.ProviderCodex, httpclient.Request{
		Method: http.MethodGet,
		URL:    d.Endpoints.ChatGPT + codexUsagePath,
		Header: header,
	})
	if err != nil {
		return nil, err
	}
	return usage.MapCodex(resp.Body, d.now())
}

func firstString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := doc.Get(p).String(); v != "" {
			return v
		}
	}
	return ""
}
