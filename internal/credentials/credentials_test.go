package credentials

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/models"
	"github.com/quotaguard/quotabar/internal/store"
)

type fakeImporter struct {
	calls  int
	result ImportResult
	err    error
}

func (f *fakeImporter) Import(ctx context.Context, provider models.ProviderID) (ImportResult, error) {
	f.calls++
	return f.result, f.err
}

func TestCleaned(t *testing.T) {
	tests := map[string]string{
		"  abc  ":      "abc",
		`"abc"`:        "abc",
		`'abc'`:        "abc",
		` " abc " `:    "abc",
		`"abc'`:        `"abc'`,
		`""`:           "",
		`"`:            `"`,
		`''quoted''`:   `'quoted'`,
		"\tline\n":     "line",
	}
	for in, want := range tests {
		assert.Equal(t, want, Cleaned(in), "input %q", in)
	}
}

func TestNormalizeCookieHeader(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"bare", "a=1; b=2", "a=1; b=2"},
		{"prefix", "Cookie: a=1; b=2", "a=1; b=2"},
		{"curl single quotes", `curl 'https://x' -H 'Cookie: sid=abc; t=1' -H 'Accept: */*'`, "sid=abc; t=1"},
		{"curl double quotes", `curl -H "cookie: sid=abc"`, "sid=abc"},
		{"curl -b", `curl -b 'sid=abc' https://x`, "sid=abc"},
		{"curl --cookie bare", `curl --cookie sid=abc https://x`, "sid=abc"},
		{"wrapped quotes", `"sid=abc"`, "sid=abc"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeCookieHeader(tt.raw))
		})
	}
}

func TestCookiePairs(t *testing.T) {
	pairs := CookiePairs("Cookie: a=1; junk; =skip; b = two=2 ")
	require.Len(t, pairs, 2)
	assert.Equal(t, CookiePair{Name: "a", Value: "1"}, pairs[0])
	assert.Equal(t, CookiePair{Name: "b", Value: "two=2"}, pairs[1])

	v, ok := CookieValue("sessionKey=sk-1; other=x", "sessionKey")
	assert.True(t, ok)
	assert.Equal(t, "sk-1", v)
	_, ok = CookieValue("other=x", "sessionKey")
	assert.False(t, ok)
}

func TestAllowedSources(t *testing.T) {
	cookiePolicy := Policy{Kind: KindCookie, EnvKeys: []string{"AUGMENT_COOKIE_HEADER"}, BrowserImport: true}
	tokenPolicy := Policy{Kind: KindToken, EnvKeys: []string{"Z_AI_API_KEY"}, BrowserImport: true}

	assert.Equal(t, Allowed{SecureStore: true, Environment: true, Manual: true, Browser: true},
		AllowedSources(cookiePolicy, models.ProviderConfig{}))
	assert.Equal(t, Allowed{Manual: true},
		AllowedSources(cookiePolicy, models.ProviderConfig{CookieSource: "manual"}))
	assert.Equal(t, Allowed{},
		AllowedSources(cookiePolicy, models.ProviderConfig{CookieSource: "off"}))
	assert.Equal(t, Allowed{Environment: true, Manual: true, Browser: true},
		AllowedSources(cookiePolicy, models.ProviderConfig{SecureStoreAccess: models.Ptr(false)}))

	tokenAllowed := AllowedSources(tokenPolicy, models.ProviderConfig{CookieSource: "off"})
	assert.False(t, tokenAllowed.Browser)
	assert.True(t, tokenAllowed.Manual)
	assert.True(t, tokenAllowed.Environment)
}

func TestResolvePriority(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	importer := &fakeImporter{result: ImportResult{CookieHeader: "sid=browser", SourceLabel: "Chrome"}}
	r := NewResolver(st, importer, nil)

	all := Allowed{SecureStore: true, Environment: true, Manual: true, Browser: true}
	req := Request{
		Provider: models.ProviderAugment,
		Kind:     KindCookie,
		Allowed:  all,
		EnvKeys:  []string{"AUGMENT_COOKIE_HEADER"},
		Manual:   "sid=manual",
		Env:      map[string]string{"AUGMENT_COOKIE_HEADER": ` "sid=env" `},
	}

	require.NoError(t, st.SetSecret(SecretKey(models.ProviderAugment, KindCookie), "sid=secure"))
	res, err := r.Resolve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, Resolution{Value: "sid=secure", Source: SourceSecureStore, SourceLabel: "secure store"}, res)

	require.NoError(t, r.Forget(models.ProviderAugment, KindCookie))
	res, err = r.Resolve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, SourceEnvironment, res.Source)
	assert.Equal(t, "sid=env", res.Value)

	req.Env = nil
	res, err = r.Resolve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, SourceManual, res.Source)

	req.Manual = ""
	res, err = r.Resolve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, SourceBrowser, res.Source)
	assert.Equal(t, "Chrome", res.SourceLabel)
	assert.Equal(t, 1, importer.calls)
}

func TestResolveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(store.NewMemoryStore(), nil, nil)
	req := Request{
		Provider: models.ProviderZAI,
		Kind:     KindToken,
		Allowed:  Allowed{SecureStore: true, Environment: true, Manual: true},
		EnvKeys:  []string{"Z_AI_API_KEY"},
		Env:      map[string]string{"Z_AI_API_KEY": "'key-1'"},
	}
	first, err := r.Resolve(ctx, req)
	require.NoError(t, err)
	second, err := r.Resolve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "key-1", first.Value)
}

func TestResolveManualCookieSourceBypassesOtherSources(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.SetSecret(SecretKey(models.ProviderAugment, KindCookie), "sid=secure"))
	importer := &fakeImporter{result: ImportResult{CookieHeader: "sid=browser"}}
	r := NewResolver(st, importer, nil)

	cfg := models.ProviderConfig{CookieSource: "manual", CookieHeader: "Cookie: sid=typed"}
	policy := Policy{Kind: KindCookie, EnvKeys: []string{"AUGMENT_COOKIE_HEADER"}, BrowserImport: true}
	res, err := r.Resolve(ctx, Request{
		Provider: models.ProviderAugment,
		Kind:     KindCookie,
		Allowed:  AllowedSources(policy, cfg),
		EnvKeys:  policy.EnvKeys,
		Manual:   cfg.CookieHeader,
		Env:      map[string]string{"AUGMENT_COOKIE_HEADER": "sid=env"},
	})
	require.NoError(t, err)
	assert.Equal(t, SourceManual, res.Source)
	assert.Equal(t, "sid=typed", res.Value)
	assert.Equal(t, 0, importer.calls)
}

func TestResolveFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("missing", func(t *testing.T) {
		r := NewResolver(nil, nil, nil)
		_, err := r.Resolve(ctx, Request{
			Provider: models.ProviderZAI,
			Kind:     KindToken,
			Allowed:  Allowed{Environment: true, Manual: true},
			EnvKeys:  []string{"Z_AI_API_KEY"},
		})
		var missing *errors.ErrMissingCredentials
		require.True(t, errors.As(err, &missing))
		assert.Equal(t, []string{"Z_AI_API_KEY", "manual"}, missing.Checked)
	})

	t.Run("manual header without pairs", func(t *testing.T) {
		r := NewResolver(nil, nil, nil)
		_, err := r.Resolve(ctx, Request{
			Provider: models.ProviderAugment,
			Kind:     KindCookie,
			Allowed:  Allowed{Manual: true},
			Manual:   "not a cookie",
		})
		assert.Equal(t, errors.KindManualHeaderInvalid, errors.KindOf(err))
	})

	t.Run("import failure is returned as is", func(t *testing.T) {
		importer := &fakeImporter{err: &errors.ErrBrowserAccessDenied{Provider: "augment", Browser: "Safari"}}
		r := NewResolver(nil, importer, nil)
		_, err := r.Resolve(ctx, Request{Provider: models.ProviderAugment, Kind: KindCookie, Allowed: Allowed{Browser: true}})
		assert.Equal(t, errors.KindBrowserAccessDenied, errors.KindOf(err))
	})

	t.Run("browser session of another account", func(t *testing.T) {
		importer := &fakeImporter{result: ImportResult{CookieHeader: "sid=1", AccountEmail: "other@example.com"}}
		r := NewResolver(nil, importer, nil)
		_, err := r.Resolve(ctx, Request{
			Provider:      models.ProviderAugment,
			Kind:          KindCookie,
			Allowed:       Allowed{Browser: true},
			ExpectedEmail: "me@example.com",
		})
		var mismatch *errors.ErrNoMatchingAccount
		require.True(t, errors.As(err, &mismatch))
		assert.Equal(t, "other@example.com", mismatch.Found)
	})
}

func TestRememberValidatesCookies(t *testing.T) {
	st := store.NewMemoryStore()
	r := NewResolver(st, nil, nil)

	err := r.Remember(models.ProviderAugment, KindCookie, "garbage")
	assert.Equal(t, errors.KindManualHeaderInvalid, errors.KindOf(err))

	require.NoError(t, r.Remember(models.ProviderAugment, KindCookie, "Cookie: sid=1"))
	v, ok, err := st.Secret("augment.cookie")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sid=1", v)

	assert.NoError(t, ValidateManualCookie(models.ProviderAugment, ""))
	assert.Error(t, ValidateManualCookie(models.ProviderAugment, "nope"))
}

func TestFileImporter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cookies.json")
	doc := `{
		"augment": {"cookieHeader": "Cookie: _session=abc", "source": "Chrome", "email": "me@example.com"},
		"claude": {"error": "dashboard_requires_login"},
		"codex": {"error": "browser_access_denied", "source": "Safari"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	lookups := 0
	imp := NewFileImporter(path, func(p models.ProviderID) string {
		lookups++
		return map[models.ProviderID]string{models.ProviderClaude: "https://claude.ai"}[p]
	})
	ctx := context.Background()

	res, err := imp.Import(ctx, models.ProviderAugment)
	require.NoError(t, err)
	assert.Equal(t, "_session=abc", res.CookieHeader)
	assert.Equal(t, "Chrome", res.SourceLabel)
	assert.Equal(t, "me@example.com", res.AccountEmail)

	_, err = imp.Import(ctx, models.ProviderClaude)
	var login *errors.ErrDashboardRequiresLogin
	require.True(t, errors.As(err, &login))
	assert.Equal(t, "https://claude.ai", login.DashboardURL)
	assert.Equal(t, 1, lookups, "dashboards are looked up only for login failures")

	_, err = imp.Import(ctx, models.ProviderCodex)
	assert.Equal(t, errors.KindBrowserAccessDenied, errors.KindOf(err))

	_, err = imp.Import(ctx, models.ProviderZAI)
	assert.Equal(t, errors.KindNoCookiesFound, errors.KindOf(err))

	missing := NewFileImporter(filepath.Join(dir, "absent.json"), nil)
	_, err = missing.Import(ctx, models.ProviderAugment)
	assert.True(t, errors.IsImportFailure(err))

	noLookup := NewFileImporter(path, nil)
	_, err = noLookup.Import(ctx, models.ProviderClaude)
	require.True(t, errors.As(err, &login))
	assert.Empty(t, login.DashboardURL)
}
