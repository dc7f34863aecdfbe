package provider

import (
	"context"

	"github.com/quotaguard/quotabar/internal/credentials"
	"github.com/quotaguard/quotabar/internal/fetch"
	"github.com/quotaguard/quotabar/internal/httpclient"
	"github.com/quotaguard/quotabar/internal/models"
	"github.com/quotaguard/quotabar/internal/usage"
)

var zaiPolicy = credentials.Policy{
	Kind:    credentials.KindToken,
	EnvKeys: []string{"Z_AI_API_KEY", "ZAI_API_KEY"},
}

func zaiDescriptor(d *Deps) Descriptor {
	api := zaiAPI(d)
	return Descriptor{
		ID:           models.ProviderZAI,
		DisplayName:  "z.ai",
		DashboardURL: "https://z.ai/manage-apikey/subscription",
		Modes:        []models.SourceMode{models.SourceAuto, models.SourceAPI},
		Policy:       zaiPolicy,
		Strategies: func(*fetch.Context) []fetch.Strategy {
			return []fetch.Strategy{api}
		},
	}
}

func zaiAPI(d *Deps) fetch.Strategy {
	return &funcStrategy{
		id:   "zai.api",
		kind: models.KindAPIToken,
		fetch: func(ctx context.Context, fc *fetch.Context) (*models.UsageSnapshot, error) {
			key, err := d.resolveToken(ctx, models.ProviderZAI, zaiPolicy, fc, fc.Settings.APIKey)
			if err != nil {
				return nil, err
			}
			resp, err := httpclient.Fetch(ctx, d.APIDoer, models.ProviderZAI, httpclient.Request{
				URL:    d.Endpoints.ZAI + "/api/monitor/usage/quota/limit",
				Header: httpclient.BearerHeader(key.Value),
			})
			if err != nil {
				return nil, err
			}
			snap, err := usage.MapZAI(resp.Body, d.now())
			if err != nil {
				return nil, err
			}
			snap.SourceLabel = sourceLabel("api", key.SourceLabel)
			return snap, nil
		},
		fallback: fetch.Never,
	}
}
