// Package provider holds the static registry of supported providers and
// their fetch strategies.
package provider

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/quotaguard/quotabar/internal/cliprobe"
	"github.com/quotaguard/quotabar/internal/cliproxy"
	"github.com/quotaguard/quotabar/internal/cookiecache"
	"github.com/quotaguard/quotabar/internal/credentials"
	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/fetch"
	"github.com/quotaguard/quotabar/internal/httpclient"
	"github.com/quotaguard/quotabar/internal/keepalive"
	"github.com/quotaguard/quotabar/internal/logging"
	"github.com/quotaguard/quotabar/internal/models"
)

// CLIConfig names the command line tool a provider's CLI strategy probes.
type CLIConfig struct {
	Binary     string
	MinVersion string
}

// Descriptor is the immutable description of one provider.
type Descriptor struct {
	ID             models.ProviderID
	DisplayName    string
	DashboardURL   string
	DefaultEnabled bool
	Modes          []models.SourceMode
	Policy         credentials.Policy
	CLI            *CLIConfig
	// Keepalive is nil for providers without a session to keep alive.
	Keepalive  *keepalive.Config
	Strategies fetch.Catalog
	// SessionChecker builds the keepalive checker; nil when Keepalive is nil.
	SessionChecker func() keepalive.Checker
}

// SupportsMode reports whether m is valid for the provider.
func (d Descriptor) SupportsMode(m models.SourceMode) bool {
	return lo.Contains(d.Modes, m)
}

// Deps are the shared services strategies are built from.
type Deps struct {
	Settings  models.Settings
	Resolver  *credentials.Resolver
	Cookies   *cookiecache.Cache
	Prober    *cliprobe.Prober
	Connector *cliproxy.Connector
	// APIDoer sends token-authenticated requests; WebDoer sends
	// cookie-authenticated ones with a browser fingerprint.
	APIDoer   httpclient.Doer
	WebDoer   httpclient.Doer
	Endpoints Endpoints
	// Home is the user's home directory, where CLI tools keep credentials.
	Home   string
	Env    func() map[string]string
	Now    func() time.Time
	Logger *logging.Logger
}

func (d *Deps) defaults() {
	if d.Logger == nil {
		d.Logger = logging.Nop()
	}
	if d.Resolver == nil {
		d.Resolver = credentials.NewResolver(nil, nil, d.Logger)
	}
	if d.Prober == nil {
		d.Prober = cliprobe.New(cliprobe.WithLogger(d.Logger))
	}
	if d.APIDoer == nil {
		d.APIDoer = httpclient.NewAPIClient(0)
	}
	if d.WebDoer == nil {
		d.WebDoer = httpclient.NewRotatingClient()
	}
	if d.Connector == nil {
		d.Connector = &cliproxy.Connector{Resolver: d.Resolver, Doer: d.APIDoer}
	}
	if d.Endpoints == (Endpoints{}) {
		d.Endpoints = DefaultEndpoints()
	}
	if d.Home == "" {
		d.Home, _ = os.UserHomeDir()
	}
	if d.Env == nil {
		d.Env = Environ
	}
	if d.Now == nil {
		d.Now = time.Now
	}
}

// Registry maps provider ids to descriptors in display order.
type Registry struct {
	order []models.ProviderID
	byID  map[models.ProviderID]Descriptor
}

// NewRegistry builds every supported provider. The list below is the only
// place a provider is registered.
func NewRegistry(deps Deps) *Registry {
	deps.defaults()
	d := &deps
	descriptors := []Descriptor{
		codexDescriptor(d),
		claudeDescriptor(d),
		geminiDescriptor(d),
		copilotDescriptor(d),
		zaiDescriptor(d),
		augmentDescriptor(d),
		cliproxyDescriptor(d),
	}
	r := &Registry{byID: make(map[models.ProviderID]Descriptor, len(descriptors))}
	for _, desc := range descriptors {
		r.order = append(r.order, desc.ID)
		r.byID[desc.ID] = desc
	}
	return r
}

// Get returns the descriptor of p.
func (r *Registry) Get(p models.ProviderID) (Descriptor, error) {
	desc, ok := r.byID[p]
	if !ok {
		return Descriptor{}, &errors.ErrUnknownProvider{Provider: string(p)}
	}
	return desc, nil
}

// All returns the descriptors in display order.
func (r *Registry) All() []Descriptor {
	return lo.Map(r.order, func(p models.ProviderID, _ int) Descriptor { return r.byID[p] })
}

// IDs returns the registered provider ids in display order.
func (r *Registry) IDs() []models.ProviderID {
	return append([]models.ProviderID(nil), r.order...)
}

// Sessions returns the keepalive registrations of session-dependent
// providers.
func (r *Registry) Sessions() []keepalive.Session {
	withKeepalive := lo.Filter(r.All(), func(d Descriptor, _ int) bool {
		return d.Keepalive != nil && d.SessionChecker != nil
	})
	return lo.Map(withKeepalive, func(d Descriptor, _ int) keepalive.Session {
		return keepalive.Session{Provider: d.ID, Config: *d.Keepalive, Checker: d.SessionChecker()}
	})
}

// DashboardURL returns p's dashboard, or "" for an unknown provider.
func (r *Registry) DashboardURL(p models.ProviderID) string {
	return r.byID[p].DashboardURL
}

// Dashboards maps providers to their dashboard URLs, for the cookie importer.
func (r *Registry) Dashboards() map[models.ProviderID]string {
	return lo.SliceToMap(r.All(), func(d Descriptor) (models.ProviderID, string) {
		return d.ID, d.DashboardURL
	})
}

// Environ captures the process environment as a map.
func Environ() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}

func (d *Deps) now() time.Time { return d.Now() }

// resolveToken returns the selected account's token, or the first token the
// resolver finds for policy.
func (d *Deps) resolveToken(ctx context.Context, p models.ProviderID, policy credentials.Policy, fc *fetch.Context, manual string) (credentials.Resolution, error) {
	if token := fc.AccountToken(); token != "" {
		label := "token account"
		if fc.Account.Label != "" {
			label = fc.Account.Label
		}
		return credentials.Resolution{Value: token, Source: credentials.SourceManual, SourceLabel: label}, nil
	}
	return d.Resolver.Resolve(ctx, credentials.Request{
		Provider: p,
		Kind:     credentials.KindToken,
		Allowed:  credentials.AllowedSources(policy, fc.Settings),
		EnvKeys:  policy.EnvKeys,
		Manual:   manual,
		Env:      fc.Env,
	})
}

// resolveCookie resolves a cookie header and records browser imports in the
// cookie cache.
func (d *Deps) resolveCookie(ctx context.Context, p models.ProviderID, policy credentials.Policy, cfg models.ProviderConfig, env map[string]string) (credentials.Resolution, error) {
	res, err := d.Resolver.Resolve(ctx, credentials.Request{
		Provider:      p,
		Kind:          credentials.KindCookie,
		Allowed:       credentials.AllowedSources(policy, cfg),
		EnvKeys:       policy.EnvKeys,
		Manual:        cfg.CookieHeader,
		Env:           env,
		ExpectedEmail: cfg.AccountEmail,
	})
	if err != nil {
		return res, err
	}
	if res.Source == credentials.SourceBrowser && d.Cookies != nil {
		d.Cookies.Store(p, res.SourceLabel, d.now())
	}
	return res, nil
}

// sessionCookie resolves p's cookie header from current settings, for
// keepalive checkers running outside a fetch.
func (d *Deps) sessionCookie(p models.ProviderID, policy credentials.Policy) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		var cfg models.ProviderConfig
		if d.Settings != nil {
			cfg = d.Settings.ProviderConfig(p)
		}
		res, err := d.resolveCookie(ctx, p, policy, cfg, d.Env())
		if err != nil {
			return "", err
		}
		return res.Value, nil
	}
}

// invalidateCookie drops p's cookie cache entry.
func (d *Deps) invalidateCookie(p models.ProviderID) func() error {
	return func() error {
		if d.Cookies != nil {
			d.Cookies.Invalidate(p)
		}
		return nil
	}
}
