package provider

import (
	"context"
	"time"

	"github.com/quotaguard/quotabar/internal/credentials"
	"github.com/quotaguard/quotabar/internal/fetch"
	"github.com/quotaguard/quotabar/internal/httpclient"
	"github.com/quotaguard/quotabar/internal/keepalive"
	"github.com/quotaguard/quotabar/internal/models"
	"github.com/quotaguard/quotabar/internal/usage"
)

var augmentPolicy = credentials.Policy{
	Kind:          credentials.KindCookie,
	EnvKeys:       []string{"AUGMENT_COOKIE_HEADER"},
	BrowserImport: true,
}

func augmentDescriptor(d *Deps) Descriptor {
	ka := keepalive.BeforeExpiryConfig(5 * time.Minute)
	web := augmentWeb(d)
	base := d.Endpoints.Augment
	return Descriptor{
		ID:           models.ProviderAugment,
		DisplayName:  "Augment",
		DashboardURL: "https://app.augmentcode.com/account/subscription",
		Modes:        []models.SourceMode{models.SourceAuto, models.SourceWeb},
		Policy:       augmentPolicy,
		Keepalive:    &ka,
		Strategies: func(*fetch.Context) []fetch.Strategy {
			return []fetch.Strategy{web}
		},
		SessionChecker: func() keepalive.Checker {
			return keepalive.NewCookieChecker(models.ProviderAugment,
				[]string{base + "/api/auth/session", base + "/api/session", base + "/api/user"},
				d.sessionCookie(models.ProviderAugment, augmentPolicy),
				d.invalidateCookie(models.ProviderAugment))
		},
	}
}

func augmentWeb(d *Deps) fetch.Strategy {
	return &funcStrategy{
		id:   "augment.web",
		kind: models.KindWebCookie,
		available: func(_ context.Context, fc *fetch.Context) bool {
			return cookieAllowed(fc)
		},
		fetch: func(ctx context.Context, fc *fetch.Context) (*models.UsageSnapshot, error) {
			cookie, err := d.resolveCookie(ctx, models.ProviderAugment, augmentPolicy, fc.Settings, fc.Env)
			if err != nil {
				return nil, err
			}
			resp, err := httpclient.Fetch(ctx, d.WebDoer, models.ProviderAugment, httpclient.Request{
				URL:    d.Endpoints.Augment + "/api/credits",
				Header: webHeader(cookie.Value, d.Endpoints.Augment),
			})
			if err != nil {
				return nil, err
			}
			snap, err := usage.MapAugment(resp.Body, d.now())
			if err != nil {
				return nil, err
			}
			snap.Identity = usage.MergeIdentity(snap.Identity, usage.NewIdentity(cookie.AccountEmail, "", ""))
			snap.SourceLabel = sourceLabel("web", cookie.SourceLabel)
			return snap, nil
		},
		fallback: fetch.OnMissingSession,
	}
}
