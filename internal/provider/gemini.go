package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/quotaguard/quotabar/internal/credentials"
	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/fetch"
	"github.com/quotaguard/quotabar/internal/httpclient"
	"github.com/quotaguard/quotabar/internal/models"
	"github.com/quotaguard/quotabar/internal/usage"
)

const (
	envGeminiHome    = "GEMINI_CLI_HOME"
	envGeminiProject = "GOOGLE_CLOUD_PROJECT"
)

var geminiPolicy = credentials.Policy{
	Kind:    credentials.KindToken,
	EnvKeys: []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"},
}

func geminiDescriptor(d *Deps) Descriptor {
	cli := geminiCLI(d)
	api := geminiAPI(d)
	return Descriptor{
		ID:             models.ProviderGemini,
		DisplayName:    "Gemini",
		DashboardURL:   "https://aistudio.google.com/usage",
		DefaultEnabled: false,
		Modes:          []models.SourceMode{models.SourceAuto, models.SourceCLI, models.SourceAPI},
		Policy:         geminiPolicy,
		CLI:            &CLIConfig{Binary: "gemini"},
		Strategies: func(*fetch.Context) []fetch.Strategy {
			return []fetch.Strategy{cli, api}
		},
	}
}

func geminiCredsPath(d *Deps, fc *fetch.Context) string {
	return homePath(fc, envGeminiHome, d.Home, ".gemini", "oauth_creds.json")
}

// geminiCLI reads the Gemini CLI OAuth credentials and asks Code Assist for
// the user's quota buckets.
func geminiCLI(d *Deps) fetch.Strategy {
	return &funcStrategy{
		id:   "gemini.cli",
		kind: models.KindCLI,
		available: func(_ context.Context, fc *fetch.Context) bool {
			return fileExists(geminiCredsPath(d, fc))
		},
		fetch: func(ctx context.Context, fc *fetch.Context) (*models.UsageSnapshot, error) {
			creds, err := readCredentialFile(models.ProviderGemini, geminiCredsPath(d, fc), "Gemini CLI login")
			if err != nil {
				return nil, err
			}
			token := creds.Get("access_token").String()
			if token == "" {
				return nil, &errors.ErrMissingCredentials{Provider: string(models.ProviderGemini), What: "Gemini CLI access token"}
			}
			if exp := creds.Get("expiry_date").Int(); exp > 0 && time.UnixMilli(exp).Before(d.now()) {
				return nil, &errors.ErrInvalidCredentials{Provider: string(models.ProviderGemini), Detail: "access token expired; run gemini to refresh it"}
			}

			project := fc.Getenv(envGeminiProject)
			if project == "" {
				if project, err = geminiProject(ctx, d, token); err != nil {
					return nil, err
				}
			}
			resp, err := httpclient.Fetch(ctx, d.APIDoer, models.ProviderGemini, httpclient.Request{
				Method: http.MethodPost,
				URL:    d.Endpoints.GeminiCodeAssist + "/v1internal:retrieveUserQuota",
				Header: httpclient.BearerHeader(token),
				Body:   mustJSON(map[string]string{"project": project}),
			})
			if err != nil {
				return nil, err
			}
			snap, err := usage.MapGeminiQuota(resp.Body, d.now())
			if err != nil {
				return nil, err
			}
			if version := d.Prober.DetectVersion(ctx, "gemini"); version != "" {
				snap.CLIVersion = models.Ptr(version)
			}
			snap.Identity = usage.MergeIdentity(snap.Identity, usage.NewIdentity("", project, "oauth"))
			snap.SourceLabel = "cli"
			return snap, nil
		},
		fallback: fetch.OnLocalFailure,
	}
}

// geminiProject asks Code Assist which project the user is onboarded to.
func geminiProject(ctx context.Context, d *Deps, token string) (string, error) {
	resp, err := httpclient.Fetch(ctx, d.APIDoer, models.ProviderGemini, httpclient.Request{
		Method: http.MethodPost,
		URL:    d.Endpoints.GeminiCodeAssist + "/v1internal:loadCodeAssist",
		Header: httpclient.BearerHeader(token),
		Body: mustJSON(map[string]any{
			"metadata": map[string]string{
				"ideType":    "IDE_UNSPECIFIED",
				"platform":   "PLATFORM_UNSPECIFIED",
				"pluginType": "GEMINI",
			},
		}),
	})
	if err != nil {
		return "", err
	}
	field := gjson.GetBytes(resp.Body, "cloudaicompanionProject")
	project := field.String()
	if field.IsObject() {
		project = field.Get("id").String()
	}
	if project == "" {
		return "", &errors.ErrMissingCredentials{
			Provider: string(models.ProviderGemini),
			What:     "Gemini project",
			Checked:  []string{envGeminiProject, "loadCodeAssist"},
		}
	}
	return project, nil
}

// geminiAPI reads rate-limit headers of an API key request.
func geminiAPI(d *Deps) fetch.Strategy {
	return &funcStrategy{
		id:   "gemini.api",
		kind: models.KindAPIToken,
		fetch: func(ctx context.Context, fc *fetch.Context) (*models.UsageSnapshot, error) {
			key, err := d.resolveToken(ctx, models.ProviderGemini, geminiPolicy, fc, fc.Settings.APIKey)
			if err != nil {
				return nil, err
			}
			header := http.Header{}
			header.Set("x-goog-api-key", key.Value)
			resp, err := httpclient.Fetch(ctx, d.APIDoer, models.ProviderGemini, httpclient.Request{
				URL:    d.Endpoints.GeminiAPI + "/models?pageSize=1",
				Header: header,
			})
			if err != nil {
				return nil, err
			}
			snap, err := usage.MapGeminiHeaders(resp.Header, d.now())
			if err != nil {
				return nil, err
			}
			snap.SourceLabel = sourceLabel("api", key.SourceLabel)
			return snap, nil
		},
		fallback: fetch.Never,
	}
}
