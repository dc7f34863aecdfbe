package cliproxy

import (
	"context"
	"strings"
	"time"

	"github.com/quotaguard/quotabar/internal/credentials"
	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/fetch"
	"github.com/quotaguard/quotabar/internal/httpclient"
	"github.com/quotaguard/quotabar/internal/models"
)

const (
	EnvManagementURL = "CLIPROXYAPI_MANAGEMENT_URL"
	EnvManagementKey = "CLIPROXYAPI_MANAGEMENT_KEY"
	EnvAuthIndex     = "CLIPROXYAPI_AUTH_INDEX"
)

// KeyPolicy is the credential policy of the management key.
var KeyPolicy = credentials.Policy{
	Kind:    credentials.KindToken,
	EnvKeys: []string{EnvManagementKey},
}

// Connector builds management clients from provider settings.
type Connector struct {
	Resolver *credentials.Resolver
	Doer     httpclient.Doer
}

// ManagementURL returns the configured management address, settings first.
func ManagementURL(cfg models.ProviderConfig, env map[string]string) string {
	if u := credentials.Cleaned(cfg.ManagementURL); u != "" {
		return u
	}
	return credentials.Cleaned(env[EnvManagementURL])
}

// Connect resolves the management URL and key and returns a client.
func (c *Connector) Connect(ctx context.Context, cfg models.ProviderConfig, env map[string]string) (*Client, error) {
	raw := ManagementURL(cfg, env)
	if raw == "" {
		return nil, &errors.ErrMissingCredentials{
			Provider: string(models.ProviderCLIProxyAPI),
			What:     "management URL",
			Checked:  []string{"managementURL", EnvManagementURL},
		}
	}
	key, err := c.Resolver.Resolve(ctx, credentials.Request{
		Provider: models.ProviderCLIProxyAPI,
		Kind:     credentials.KindToken,
		Allowed:  credentials.AllowedSources(KeyPolicy, cfg),
		EnvKeys:  KeyPolicy.EnvKeys,
		Manual:   cfg.ManagementKey,
		Env:      env,
	})
	if err != nil {
		return nil, err
	}
	return NewClient(raw, key.Value, c.Doer)
}

// ManagementStrategy reports the quota of one CLIProxyAPI auth file.
type ManagementStrategy struct {
	connector *Connector
	now       func() time.Time
}

// NewManagementStrategy creates the strategy.
func NewManagementStrategy(connector *Connector) *ManagementStrategy {
	return &ManagementStrategy{connector: connector, now: time.Now}
}

func (s *ManagementStrategy) ID() string { return "cliproxyapi.management" }
func (s *ManagementStrategy) Kind() models.FetchKind { return models.KindManagement }

// IsAvailable requires a management URL; a missing key surfaces as an error
// from Fetch.
func (s *ManagementStrategy) IsAvailable(_ context.Context, fc *fetch.Context) bool {
	return ManagementURL(fc.Settings, fc.Env) != ""
}

func (s *ManagementStrategy) Fetch(ctx context.Context, fc *fetch.Context) (*fetch.Result, error) {
	client, err := s.connector.Connect(ctx, fc.Settings, fc.Env)
	if err != nil {
		return nil, err
	}
	files, err := client.ListAuthFiles(ctx)
	if err != nil {
		return nil, err
	}

	requested := authIndex(fc)
	file, err := SelectAuthFile(files, requested)
	if err != nil {
		return nil, err
	}
	index := requested
	if index == "" {
		index = file.AuthIndex
	}
	if index == "" {
		return nil, ErrMissingAuthIndex
	}

	now := s.now()
	quota, err := FetchQuota(ctx, client, file, index, now)
	if err != nil {
		return nil, err
	}
	snap := quota.Snapshot(now)
	snap.SourceLabel = "management"
	return &fetch.Result{Snapshot: snap, Account: fc.Account}, nil
}

// ShouldFallback is false: the proxy is the only source for this provider.
func (s *ManagementStrategy) ShouldFallback(err error, _ *fetch.Context) bool {
	return fetch.Never(err)
}

// authIndex is the selected token account's token, else the authIndex
// setting, else the environment.
func authIndex(fc *fetch.Context) string {
	if t := fc.AccountToken(); t != "" {
		return t
	}
	if a := strings.TrimSpace(fc.Settings.AuthIndex); a != "" {
		return a
	}
	return credentials.Cleaned(fc.Getenv(EnvAuthIndex))
}
