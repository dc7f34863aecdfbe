package provider

import (
	"context"
	"net/http"

	"github.com/quotaguard/quotabar/internal/credentials"
	"github.com/quotaguard/quotabar/internal/fetch"
	"github.com/quotaguard/quotabar/internal/httpclient"
	"github.com/quotaguard/quotabar/internal/models"
	"github.com/quotaguard/quotabar/internal/usage"
)

var copilotPolicy = credentials.Policy{
	Kind:    credentials.KindToken,
	EnvKeys: []string{"COPILOT_API_TOKEN", "GITHUB_TOKEN"},
}

func copilotDescriptor(d *Deps) Descriptor {
	api := copilotAPI(d)
	return Descriptor{
		ID:           models.ProviderCopilot,
		DisplayName:  "Copilot",
		DashboardURL: "https://github.com/settings/copilot",
		Modes:        []models.SourceMode{models.SourceAuto, models.SourceAPI},
		Policy:       copilotPolicy,
		Strategies: func(*fetch.Context) []fetch.Strategy {
			return []fetch.Strategy{api}
		},
	}
}

// copilotAPI reads the quota snapshots of copilot_internal/user.
func copilotAPI(d *Deps) fetch.Strategy {
	return &funcStrategy{
		id:   "copilot.api",
		kind: models.KindAPIToken,
		fetch: func(ctx context.Context, fc *fetch.Context) (*models.UsageSnapshot, error) {
			token, err := d.resolveToken(ctx, models.ProviderCopilot, copilotPolicy, fc, fc.Settings.APIKey)
			if err != nil {
				return nil, err
			}
			header := http.Header{}
			header.Set("Authorization", "token "+token.Value)
			header.Set("Editor-Version", "vscode/1.96.2")
			header.Set("Editor-Plugin-Version", "copilot-chat/0.26.7")
			header.Set("X-Github-Api-Version", "2025-04-01")
			resp, err := httpclient.Fetch(ctx, d.APIDoer, models.ProviderCopilot, httpclient.Request{
				URL:    d.Endpoints.GitHubAPI + "/copilot_internal/user",
				Header: header,
			})
			if err != nil {
				return nil, err
			}
			snap, err := usage.MapCopilot(resp.Body, d.now())
			if err != nil {
				return nil, err
			}
			snap.SourceLabel = sourceLabel("api", token.SourceLabel)
			return snap, nil
		},
		fallback: fetch.Never,
	}
}
