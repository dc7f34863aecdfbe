package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotaguard/quotabar/internal/cliprobe"
	"github.com/quotaguard/quotabar/internal/cookiecache"
	"github.com/quotaguard/quotabar/internal/credentials"
	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/fetch"
	"github.com/quotaguard/quotabar/internal/keepalive"
	"github.com/quotaguard/quotabar/internal/models"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type upstream struct {
	t   *testing.T
	srv *httptest.Server
	mux *http.ServeMux
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{t: t, mux: http.NewServeMux()}
	u.srv = httptest.NewServer(u.mux)
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) handle(pattern string, fn http.HandlerFunc) {
	u.mux.HandleFunc(pattern, fn)
}

func (u *upstream) endpoints() Endpoints {
	return Endpoints{
		ChatGPT:          u.srv.URL,
		ClaudeAPI:        u.srv.URL,
		ClaudeWeb:        u.srv.URL,
		GeminiCodeAssist: u.srv.URL,
		GeminiAPI:        u.srv.URL,
		GitHubAPI:        u.srv.URL,
		ZAI:              u.srv.URL,
		Augment:          u.srv.URL,
	}
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, body)
}

func writeFile(t *testing.T, path string, v any) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func testDeps(u *upstream, home string, env map[string]string) Deps {
	return Deps{
		APIDoer:   u.srv.Client(),
		WebDoer:   u.srv.Client(),
		Endpoints: u.endpoints(),
		Prober:    cliprobe.New(cliprobe.WithTimeout(time.Second), cliprobe.WithKillDelay(10*time.Millisecond)),
		Home:      home,
		Env:       func() map[string]string { return env },
		Now:       func() time.Time { return testNow },
	}
}

func run(t *testing.T, reg *Registry, p models.ProviderID, fc *fetch.Context) fetch.Outcome {
	t.Helper()
	desc, err := reg.Get(p)
	require.NoError(t, err)
	fc.Provider = p
	return fetch.NewPipeline(p, desc.Strategies).Run(context.Background(), fc)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(Deps{Home: t.TempDir(), Env: func() map[string]string { return nil }})

	assert.Equal(t, models.AllProviders, reg.IDs())
	assert.Len(t, reg.All(), len(models.AllProviders))

	_, err := reg.Get("nope")
	var unknown *errors.ErrUnknownProvider
	assert.True(t, errors.As(err, &unknown))

	codex, err := reg.Get(models.ProviderCodex)
	require.NoError(t, err)
	assert.True(t, codex.SupportsMode(models.SourceWeb))
	assert.False(t, codex.SupportsMode(models.SourceAPI))
	assert.Equal(t, "codex", codex.CLI.Binary)

	gemini, _ := reg.Get(models.ProviderGemini)
	assert.False(t, gemini.DefaultEnabled)

	sessions := reg.Sessions()
	ids := make([]models.ProviderID, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.Provider)
		assert.NotNil(t, s.Checker)
	}
	assert.Equal(t, []models.ProviderID{models.ProviderCodex, models.ProviderClaude, models.ProviderAugment}, ids)
	assert.Equal(t, keepalive.ModeInterval, sessions[0].Config.Mode)
	assert.Equal(t, time.Hour, sessions[0].Config.Interval)
	assert.Equal(t, 30*time.Minute, sessions[1].Config.Interval)
	assert.Equal(t, keepalive.ModeBeforeExpiry, sessions[2].Config.Mode)

	dashboards := reg.Dashboards()
	assert.Equal(t, "https://claude.ai/settings/usage", dashboards[models.ProviderClaude])
	assert.Len(t, dashboards, len(models.AllProviders))
	assert.Equal(t, dashboards[models.ProviderAugment], reg.DashboardURL(models.ProviderAugment))
	assert.Empty(t, reg.DashboardURL("nope"))
}

func TestCodexCLI(t *testing.T) {
	u := newUpstream(t)
	u.handle("/backend-api/wham/usage", func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer cli-token":
			assert.Equal(u.t, "acct-1", r.Header.Get("Chatgpt-Account-Id"))
		case "Bearer account-token":
			assert.Empty(u.t, r.Header.Get("Chatgpt-Account-Id"))
		default:
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, `{"plan_type":"plus","rate_limit":{"primary_window":{"used_percent":25,"limit_window_seconds":18000},"secondary_window":{"used_percent":50}}}`)
	})

	codexHome := t.TempDir()
	writeFile(t, filepath.Join(codexHome, "auth.json"), map[string]any{
		"tokens": map[string]string{"access_token": "cli-token", "account_id": "acct-1"},
	})
	env := map[string]string{envCodexHome: codexHome}
	reg := NewRegistry(testDeps(u, t.TempDir(), env))

	out := run(t, reg, models.ProviderCodex, &fetch.Context{Env: env, Mode: models.SourceAuto})
	require.NoError(t, out.Err)
	assert.Equal(t, "codex.cli", out.Result.StrategyID)
	assert.Equal(t, models.KindCLI, out.Result.Kind)
	assert.Equal(t, 25.0, out.Result.Snapshot.Primary.UsedPercent)
	assert.Equal(t, 50.0, out.Result.Snapshot.Secondary.UsedPercent)
	assert.Equal(t, "cli", out.Result.Snapshot.SourceLabel)

	t.Run("selected account token wins over the auth file", func(t *testing.T) {
		account := &models.TokenAccount{ID: "a1", Label: "work", Token: "account-token"}
		out := run(t, reg, models.ProviderCodex, &fetch.Context{Env: env, Mode: models.SourceCLI, Account: account})
		require.NoError(t, out.Err)
		assert.Same(t, account, out.Result.Account)
	})

	t.Run("api key login has no usage", func(t *testing.T) {
		home := t.TempDir()
		writeFile(t, filepath.Join(home, "auth.json"), map[string]string{"OPENAI_API_KEY": "sk-x"})
		env := map[string]string{envCodexHome: home}
		out := run(t, reg, models.ProviderCodex, &fetch.Context{Env: env, Mode: models.SourceCLI})
		require.Error(t, out.Err)
		assert.Equal(t, errors.KindMissingCredentials, errors.KindOf(out.Err))
		assert.Contains(t, out.Err.Error(), "API key")
	})
}

func TestCodexWeb(t *testing.T) {
	u := newUpstream(t)
	u.handle("/api/auth/session", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") != "__Secure-next-auth.session-token=abc" {
			writeJSON(w, `{}`)
			return
		}
		writeJSON(w, `{"accessToken":"web-token","user":{"email":"web@example.com"},"account":{"id":"acct-w","planType":"pro"}}`)
	})
	u.handle("/backend-api/wham/usage", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(u.t, "Bearer web-token", r.Header.Get("Authorization"))
		assert.Equal(u.t, "acct-w", r.Header.Get("Chatgpt-Account-Id"))
		writeJSON(w, `{"rate_limit":{"primary_window":{"used_percent":10}}}`)
	})
	reg := NewRegistry(testDeps(u, t.TempDir(), nil))

	cfg := models.ProviderConfig{
		CookieSource: string(models.CookieSourceManual),
		CookieHeader: "Cookie: __Secure-next-auth.session-token=abc",
	}
	out := run(t, reg, models.ProviderCodex, &fetch.Context{Settings: cfg, Mode: models.SourceAuto})
	require.NoError(t, out.Err)
	assert.Equal(t, "codex.web", out.Result.StrategyID)
	snap := out.Result.Snapshot
	assert.Equal(t, 10.0, snap.Primary.UsedPercent)
	assert.Equal(t, "web (manual)", snap.SourceLabel)
	require.NotNil(t, snap.Identity)
	assert.Equal(t, "web@example.com", *snap.Identity.AccountEmail)
	assert.Equal(t, "pro", *snap.Identity.LoginMethod)

	require.Len(t, out.Attempts, 2)
	assert.False(t, out.Attempts[0].Available)

	t.Run("session without access token is expired", func(t *testing.T) {
		cfg := cfg
		cfg.CookieHeader = "__Secure-next-auth.session-token=stale"
		out := run(t, reg, models.ProviderCodex, &fetch.Context{Settings: cfg, Mode: models.SourceWeb})
		require.Error(t, out.Err)
		assert.True(t, errors.IsSessionExpired(out.Err))
	})

	t.Run("cookie source off leaves no strategy", func(t *testing.T) {
		out := run(t, reg, models.ProviderCodex, &fetch.Context{
			Settings: models.ProviderConfig{CookieSource: string(models.CookieSourceOff)},
			Mode:     models.SourceAuto,
		})
		var none *errors.ErrNoStrategy
		require.True(t, errors.As(out.Err, &none))
		assert.Equal(t, 0, none.Tried)
	})
}

func claudeUpstream(t *testing.T) *upstream {
	u := newUpstream(t)
	u.handle("/api/oauth/usage", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(u.t, claudeOAuthBeta, r.Header.Get("anthropic-beta"))
		if r.Header.Get("Authorization") != "Bearer good-oauth" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, `{"five_hour":{"utilization":12,"resets_at":"2026-03-01T17:00:00Z"},"seven_day":{"utilization":30}}`)
	})
	u.handle("/api/organizations", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(u.t, "sessionKey=sk-ant-1", r.Header.Get("Cookie"))
		writeJSON(w, `[{"uuid":"org-api","name":"API","capabilities":["api"]},{"uuid":"org-1","name":"Acme","capabilities":["chat"]}]`)
	})
	u.handle("/api/organizations/org-1/usage", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, `{"five_hour":{"utilization":42,"resets_at":"2026-03-01T17:00:00Z"},"seven_day":{"utilization":10}}`)
	})
	return u
}

func TestClaudeRejectedOAuthFallsBackToWeb(t *testing.T) {
	u := claudeUpstream(t)
	env := map[string]string{envClaudeOAuthToken: "revoked"}
	reg := NewRegistry(testDeps(u, t.TempDir(), env))
	cfg := models.ProviderConfig{CookieHeader: "sessionKey=sk-ant-1; other=x"}

	out := run(t, reg, models.ProviderClaude, &fetch.Context{Env: env, Settings: cfg, Mode: models.SourceAuto})
	require.NoError(t, out.Err)
	assert.Equal(t, "claude.web", out.Result.StrategyID)
	snap := out.Result.Snapshot
	assert.Equal(t, 42.0, snap.Primary.UsedPercent)
	assert.Equal(t, 10.0, snap.Secondary.UsedPercent)
	require.NotNil(t, snap.Identity)
	assert.Equal(t, "Acme", *snap.Identity.AccountOrganization)

	require.Len(t, out.Attempts, 2)
	assert.True(t, errors.IsSessionExpired(out.Attempts[0].Err))

	t.Run("explicit oauth surfaces the rejection", func(t *testing.T) {
		out := run(t, reg, models.ProviderClaude, &fetch.Context{Env: env, Settings: cfg, Mode: models.SourceOAuth})
		require.Error(t, out.Err)
		var invalid *errors.ErrInvalidCredentials
		require.True(t, errors.As(out.Err, &invalid))
		assert.Equal(t, http.StatusUnauthorized, invalid.StatusCode)
		assert.Len(t, out.Attempts, 1)
	})

	t.Run("oauth token from credentials file", func(t *testing.T) {
		home := t.TempDir()
		writeFile(t, filepath.Join(home, ".claude", ".credentials.json"), map[string]any{
			"claudeAiOauth": map[string]any{
				"accessToken":      "good-oauth",
				"expiresAt":        testNow.Add(time.Hour).UnixMilli(),
				"subscriptionType": "max",
			},
		})
		reg := NewRegistry(testDeps(u, home, nil))
		out := run(t, reg, models.ProviderClaude, &fetch.Context{Mode: models.SourceAuto})
		require.NoError(t, out.Err)
		assert.Equal(t, "claude.oauth", out.Result.StrategyID)
		assert.Equal(t, 12.0, out.Result.Snapshot.Primary.UsedPercent)
		assert.Equal(t, "max", *out.Result.Snapshot.Identity.LoginMethod)
		assert.Equal(t, "oauth", out.Result.Snapshot.SourceLabel)
	})

	t.Run("cookie without sessionKey", func(t *testing.T) {
		cfg := models.ProviderConfig{CookieHeader: "other=x"}
		out := run(t, reg, models.ProviderClaude, &fetch.Context{Settings: cfg, Mode: models.SourceWeb})
		assert.Equal(t, errors.KindMissingCredentials, errors.KindOf(out.Err))
	})
}

func TestGeminiCLI(t *testing.T) {
	u := newUpstream(t)
	u.handle("/v1internal:loadCodeAssist", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(u.t, http.MethodPost, r.Method)
		assert.Equal(u.t, "Bearer g-token", r.Header.Get("Authorization"))
		writeJSON(w, `{"cloudaicompanionProject":{"id":"proj-1","name":"Default"}}`)
	})
	u.handle("/v1internal:retrieveUserQuota", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(u.t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(u.t, "proj-1", body["project"])
		writeJSON(w, `{"buckets":[
			{"modelId":"gemini-2.5-flash","remainingFraction":0.9,"resetTime":"2026-03-02T00:00:00Z"},
			{"modelId":"gemini-2.5-pro-a","remainingFraction":0.8,"resetTime":"2026-03-02T00:00:00Z"},
			{"modelId":"gemini-2.5-pro-b","remainingFraction":0.3,"resetTime":"2026-03-02T00:00:00Z"}
		]}`)
	})

	geminiHome := t.TempDir()
	writeFile(t, filepath.Join(geminiHome, "oauth_creds.json"), map[string]any{
		"access_token": "g-token",
		"expiry_date":  testNow.Add(time.Hour).UnixMilli(),
	})
	env := map[string]string{envGeminiHome: geminiHome}
	reg := NewRegistry(testDeps(u, t.TempDir(), env))

	out := run(t, reg, models.ProviderGemini, &fetch.Context{Env: env, Mode: models.SourceAuto})
	require.NoError(t, out.Err)
	assert.Equal(t, "gemini.cli", out.Result.StrategyID)
	snap := out.Result.Snapshot
	assert.InDelta(t, 70.0, snap.Primary.UsedPercent, 0.001)
	require.NotNil(t, snap.Identity)
	assert.Equal(t, "proj-1", *snap.Identity.AccountOrganization)

	t.Run("expired token falls through to the api key", func(t *testing.T) {
		home := t.TempDir()
		writeFile(t, filepath.Join(home, "oauth_creds.json"), map[string]any{
			"access_token": "g-token",
			"expiry_date":  testNow.Add(-time.Hour).UnixMilli(),
		})
		env := map[string]string{envGeminiHome: home}
		out := run(t, reg, models.ProviderGemini, &fetch.Context{Env: env, Mode: models.SourceAuto})
		require.Len(t, out.Attempts, 2)
		assert.Equal(t, errors.KindInvalidCredentials, errors.KindOf(out.Attempts[0].Err))
		assert.Equal(t, errors.KindMissingCredentials, errors.KindOf(out.Err))
	})
}

func TestGeminiAPI(t *testing.T) {
	u := newUpstream(t)
	u.handle("/models", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(u.t, "key-1", r.Header.Get("x-goog-api-key"))
		w.Header().Set("X-Goog-Ratelimit-Limit-Requests", "100")
		w.Header().Set("X-Goog-Ratelimit-Remaining-Requests", "40")
		writeJSON(w, `{"models":[]}`)
	})
	env := map[string]string{"GEMINI_API_KEY": "key-1"}
	reg := NewRegistry(testDeps(u, t.TempDir(), env))

	out := run(t, reg, models.ProviderGemini, &fetch.Context{Env: env, Mode: models.SourceAuto})
	require.NoError(t, out.Err)
	assert.Equal(t, "gemini.api", out.Result.StrategyID)
	assert.InDelta(t, 60.0, out.Result.Snapshot.Primary.UsedPercent, 0.001)
	assert.Equal(t, "api (GEMINI_API_KEY)", out.Result.Snapshot.SourceLabel)
}

func TestCopilotAndZAI(t *testing.T) {
	u := newUpstream(t)
	u.handle("/copilot_internal/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "token gh-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, `{"copilot_plan":"individual","quota_reset_date":"2026-04-01","quota_snapshots":{
			"premium_interactions":{"entitlement":300,"remaining":75,"percent_remaining":25,"unlimited":false},
			"chat":{"unlimited":true}}}`)
	})
	u.handle("/api/monitor/usage/quota/limit", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(u.t, "Bearer z-1", r.Header.Get("Authorization"))
		writeJSON(w, `{"code":200,"success":true,"data":{"limits":[{"type":"TOKENS_LIMIT","percentage":61.5}]}}`)
	})
	env := map[string]string{"GITHUB_TOKEN": "gh-1", "ZAI_API_KEY": "z-1"}
	reg := NewRegistry(testDeps(u, t.TempDir(), env))

	out := run(t, reg, models.ProviderCopilot, &fetch.Context{Env: env})
	require.NoError(t, out.Err)
	assert.Equal(t, 75.0, out.Result.Snapshot.Primary.UsedPercent)
	assert.Equal(t, "api (GITHUB_TOKEN)", out.Result.Snapshot.SourceLabel)

	out = run(t, reg, models.ProviderZAI, &fetch.Context{Env: env})
	require.NoError(t, out.Err)
	assert.Equal(t, 61.5, out.Result.Snapshot.Primary.UsedPercent)

	t.Run("rejected token does not fall back", func(t *testing.T) {
		env := map[string]string{"GITHUB_TOKEN": "revoked"}
		out := run(t, reg, models.ProviderCopilot, &fetch.Context{Env: env})
		assert.True(t, errors.IsSessionExpired(out.Err))
	})

	t.Run("missing token", func(t *testing.T) {
		out := run(t, reg, models.ProviderZAI, &fetch.Context{Env: map[string]string{}})
		var missing *errors.ErrMissingCredentials
		require.True(t, errors.As(out.Err, &missing))
		assert.Equal(t, []string{"Z_AI_API_KEY", "ZAI_API_KEY", "manual"}, missing.Checked)
	})
}

func augmentUpstream(t *testing.T) *upstream {
	u := newUpstream(t)
	u.handle("/api/credits", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, `{"usageUnitsRemaining":600,"usageUnitsConsumedThisBillingCycle":400}`)
	})
	u.handle("/api/auth/session", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") != "session=env" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, `{"user":{"email":"env@example.com"},"expires":"2030-01-01T00:00:00Z"}`)
	})
	return u
}

func TestAugmentBrowserImport(t *testing.T) {
	u := augmentUpstream(t)
	exportPath := filepath.Join(t.TempDir(), "cookies.json")
	writeFile(t, exportPath, map[string]any{
		"augment": map[string]string{"cookieHeader": "session=imported", "source": "Chrome", "email": "me@example.com"},
	})

	cache, err := cookiecache.New(nil, nil)
	require.NoError(t, err)
	deps := testDeps(u, t.TempDir(), nil)
	deps.Cookies = cache
	deps.Resolver = credentials.NewResolver(nil, credentials.NewFileImporter(exportPath, nil), nil)
	reg := NewRegistry(deps)

	out := run(t, reg, models.ProviderAugment, &fetch.Context{})
	require.NoError(t, out.Err)
	snap := out.Result.Snapshot
	assert.Equal(t, 40.0, snap.Primary.UsedPercent)
	assert.Equal(t, "web (Chrome)", snap.SourceLabel)
	assert.Equal(t, "me@example.com", *snap.Identity.AccountEmail)

	entry, ok := cache.Load(models.ProviderAugment)
	require.True(t, ok)
	assert.Equal(t, "Chrome", entry.SourceLabel)
	assert.Equal(t, testNow, entry.StoredAt)

	t.Run("configured account email must match", func(t *testing.T) {
		cfg := models.ProviderConfig{AccountEmail: "other@example.com"}
		out := run(t, reg, models.ProviderAugment, &fetch.Context{Settings: cfg})
		var mismatch *errors.ErrNoMatchingAccount
		require.True(t, errors.As(out.Err, &mismatch))
		assert.Equal(t, "me@example.com", mismatch.Found)
	})

	t.Run("manual mode ignores the browser", func(t *testing.T) {
		cfg := models.ProviderConfig{CookieSource: string(models.CookieSourceManual)}
		out := run(t, reg, models.ProviderAugment, &fetch.Context{Settings: cfg})
		var none *errors.ErrNoStrategy
		require.True(t, errors.As(out.Err, &none))
		assert.Equal(t, errors.KindMissingCredentials, errors.KindOf(none.Last))
	})
}

func TestSessionChecker(t *testing.T) {
	u := augmentUpstream(t)
	cache, err := cookiecache.New(nil, nil)
	require.NoError(t, err)
	cache.Store(models.ProviderAugment, "Chrome", testNow)

	deps := testDeps(u, t.TempDir(), map[string]string{"AUGMENT_COOKIE_HEADER": "session=env"})
	deps.Cookies = cache
	reg := NewRegistry(deps)

	var checker keepalive.Checker
	for _, s := range reg.Sessions() {
		if s.Provider == models.ProviderAugment {
			checker = s.Checker
		}
	}
	require.NotNil(t, checker)

	status, err := checker.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Valid)
	require.NotNil(t, status.ExpiresAt)
	assert.Equal(t, 2030, status.ExpiresAt.Year())

	require.NoError(t, checker.Refresh(context.Background()))
	_, ok := cache.Load(models.ProviderAugment)
	assert.False(t, ok, "refresh drops the cached import")
}

func TestEnviron(t *testing.T) {
	t.Setenv("QUOTABAR_TEST_ENV", "a=b")
	assert.Equal(t, "a=b", Environ()["QUOTABAR_TEST_ENV"])
	assert.Equal(t, filepath.Join("x", "f"), homePath(&fetch.Context{Env: map[string]string{"H": "x"}}, "H", "/home", ".d", "f"))
	assert.Equal(t, filepath.Join("/home", ".d", "f"), homePath(&fetch.Context{}, "H", "/home", ".d", "f"))
}
