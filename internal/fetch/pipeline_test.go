package fetch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/models"
)

// fakeStrategy is a configurable strategy with call counting.
type fakeStrategy struct {
	id        string
	kind      models.FetchKind
	available bool
	err       error
	fallback  FallbackPolicy
	calls     int
}

func (f *fakeStrategy) ID() string { return f.id }
func (f *fakeStrategy) Kind() models.FetchKind { return f.kind }
func (f *fakeStrategy) IsAvailable(context.Context, *Context) bool { return f.available }
func (f *fakeStrategy) ShouldFallback(err error, _ *Context) bool { return f.fallback(err) }

func (f *fakeStrategy) Fetch(context.Context, *Context) (*Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &Result{Snapshot: &models.UsageSnapshot{Provider: models.ProviderClaude, SourceLabel: f.id}}, nil
}

func catalogOf(ss ...*fakeStrategy) Catalog {
	return func(*Context) []Strategy {
		out := make([]Strategy, len(ss))
		for i, s := range ss {
			out[i] = s
		}
		return out
	}
}

func TestPipeline_FirstSuccessStops(t *testing.T) {
	a := &fakeStrategy{id: "a", kind: models.KindOAuth, available: false, fallback: OnLocalFailure}
	b := &fakeStrategy{id: "b", kind: models.KindOAuth, available: true, fallback: OnLocalFailure}
	c := &fakeStrategy{id: "c", kind: models.KindWebCookie, available: true, fallback: OnMissingSession}

	var observed []string
	p := NewPipeline(models.ProviderClaude, catalogOf(a, b, c),
		WithObserver(func(_ models.ProviderID, at Attempt) { observed = append(observed, at.StrategyID) }))

	out := p.Run(context.Background(), &Context{Provider: models.ProviderClaude})
	require.NoError(t, out.Err)
	require.NotNil(t, out.Result)
	assert.Equal(t, "b", out.Result.StrategyID)
	assert.Equal(t, models.KindOAuth, out.Result.Kind)
	assert.Equal(t, 0, a.calls)
	assert.Equal(t, 0, c.calls)
	assert.Equal(t, []string{"a", "b"}, observed)
	require.Len(t, out.Attempts, 2)
	assert.False(t, out.Attempts[0].Available)
	assert.True(t, out.Attempts[1].Succeeded())
}

func TestPipeline_UnauthorizedAutoFallsBack(t *testing.T) {
	oauth := &fakeStrategy{id: "claude.oauth", kind: models.KindOAuth, available: true,
		err: &errors.ErrInvalidCredentials{Provider: "claude", StatusCode: 401}, fallback: OnLocalFailure}
	web := &fakeStrategy{id: "claude.web", kind: models.KindWebCookie, available: true, fallback: OnMissingSession}

	out := NewPipeline(models.ProviderClaude, catalogOf(oauth, web)).
		Run(context.Background(), &Context{Mode: models.SourceAuto})
	require.NoError(t, out.Err)
	assert.Equal(t, "claude.web", out.Result.StrategyID)
	assert.Equal(t, 1, web.calls)
}

func TestPipeline_ExplicitModeNeverFallsBack(t *testing.T) {
	unauthorized := &errors.ErrInvalidCredentials{Provider: "claude", StatusCode: 401}
	oauth := &fakeStrategy{id: "claude.oauth", kind: models.KindOAuth, available: true,
		err: unauthorized, fallback: OnLocalFailure}
	web := &fakeStrategy{id: "claude.web", kind: models.KindWebCookie, available: true, fallback: OnMissingSession}
	oauth2 := &fakeStrategy{id: "claude.oauth2", kind: models.KindOAuth, available: true, fallback: OnLocalFailure}

	out := NewPipeline(models.ProviderClaude, catalogOf(oauth, web, oauth2)).
		Run(context.Background(), &Context{Mode: models.SourceOAuth})
	assert.Same(t, unauthorized, out.Err)
	assert.Equal(t, 0, web.calls)
	assert.Equal(t, 0, oauth2.calls)
}

func TestPipeline_ExplicitModeFiltersByKind(t *testing.T) {
	cli := &fakeStrategy{id: "cli", kind: models.KindCLI, available: true, fallback: OnLocalFailure}
	web := &fakeStrategy{id: "web", kind: models.KindWebCookie, available: true, fallback: OnMissingSession}

	out := NewPipeline(models.ProviderCodex, catalogOf(cli, web)).
		Run(context.Background(), &Context{Mode: models.SourceWeb})
	require.NoError(t, out.Err)
	assert.Equal(t, "web", out.Result.StrategyID)
	assert.Equal(t, 0, cli.calls)
}

func TestPipeline_NoStrategy(t *testing.T) {
	t.Run("nothing available", func(t *testing.T) {
		a := &fakeStrategy{id: "a", kind: models.KindAPIToken, fallback: Never}
		out := NewPipeline(models.ProviderZAI, catalogOf(a)).Run(context.Background(), &Context{})

		var ns *errors.ErrNoStrategy
		require.True(t, errors.As(out.Err, &ns))
		assert.Equal(t, 0, ns.Tried)
		assert.Nil(t, ns.Last)
		assert.Equal(t, errors.KindNoStrategy, errors.KindOf(out.Err))
	})

	t.Run("every strategy fell back", func(t *testing.T) {
		missing := &errors.ErrMissingCredentials{Provider: "codex"}
		a := &fakeStrategy{id: "a", kind: models.KindCLI, available: true, err: missing, fallback: OnLocalFailure}
		out := NewPipeline(models.ProviderCodex, catalogOf(a)).Run(context.Background(), &Context{})

		var ns *errors.ErrNoStrategy
		require.True(t, errors.As(out.Err, &ns))
		assert.Equal(t, 1, ns.Tried)
		assert.Same(t, missing, ns.Last)
		assert.Equal(t, errors.KindNoStrategy, errors.KindOf(out.Err))
	})

	t.Run("explicit mode with no matching kind", func(t *testing.T) {
		a := &fakeStrategy{id: "a", kind: models.KindCLI, available: true, fallback: OnLocalFailure}
		out := NewPipeline(models.ProviderCodex, catalogOf(a)).Run(context.Background(), &Context{Mode: models.SourceAPI})
		assert.Equal(t, errors.KindNoStrategy, errors.KindOf(out.Err))
		assert.Equal(t, 0, a.calls)
	})
}

func TestPipeline_NonFallbackErrorPropagates(t *testing.T) {
	upstream := &errors.ErrUpstreamAPI{Provider: "zai", StatusCode: 500}
	a := &fakeStrategy{id: "a", kind: models.KindAPIToken, available: true, err: upstream, fallback: Never}
	b := &fakeStrategy{id: "b", kind: models.KindAPIToken, available: true, fallback: Never}

	out := NewPipeline(models.ProviderZAI, catalogOf(a, b)).Run(context.Background(), &Context{})
	assert.Same(t, upstream, out.Err)
	assert.Equal(t, 0, b.calls)
}

func TestPipeline_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := &fakeStrategy{id: "a", kind: models.KindAPIToken, available: true, fallback: Never}
	out := NewPipeline(models.ProviderZAI, catalogOf(a)).Run(ctx, &Context{})
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, 0, a.calls)
}

func TestFallbackPolicies(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		local bool
		web   bool
	}{
		{"missing", &errors.ErrMissingCredentials{Provider: "p"}, true, true},
		{"invalid", &errors.ErrInvalidCredentials{Provider: "p", StatusCode: 401}, true, false},
		{"network", &errors.ErrNetwork{Provider: "p"}, true, false},
		{"parse", &errors.ErrParse{Provider: "p"}, true, false},
		{"upstream", &errors.ErrUpstreamAPI{Provider: "p", StatusCode: 500}, false, false},
		{"no cookies", &errors.ErrNoCookiesFound{Provider: "p"}, false, true},
		{"access denied", &errors.ErrBrowserAccessDenied{Provider: "p"}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.local, OnLocalFailure(tt.err))
			assert.Equal(t, tt.web, OnMissingSession(tt.err))
			assert.False(t, Never(tt.err))
		})
	}
}

func TestContextHelpers(t *testing.T) {
	fc := &Context{Env: map[string]string{"K": "  v  "}, Account: &models.TokenAccount{Token: " tok "}}
	assert.Equal(t, "v", fc.Getenv("K"))
	assert.Equal(t, "", fc.Getenv("missing"))
	assert.Equal(t, "tok", fc.AccountToken())

	var nilCtx *Context
	assert.Equal(t, "", nilCtx.Getenv("K"))
	assert.Equal(t, "", nilCtx.AccountToken())
}
