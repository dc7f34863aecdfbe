package credentials

import (
	"github.com/quotaguard/quotabar/internal/models"
)

// Kind is the type of credential material being resolved.
type Kind string

const (
	KindToken  Kind = "token"
	KindCookie Kind = "cookie"
)

// Source identifies where a resolved value came from.
type Source string

const (
	SourceSecureStore Source = "secureStore"
	SourceEnvironment Source = "environment"
	SourceManual      Source = "manual"
	SourceBrowser     Source = "browser"
)

// Allowed lists the sources a resolution may consult.
type Allowed struct {
	SecureStore bool
	Environment bool
	Manual      bool
	Browser     bool
}

// Policy is the static credential policy of a provider.
type Policy struct {
	Kind          Kind
	EnvKeys       []string
	BrowserImport bool
}

// AllowedSources combines a provider's static policy with user settings.
// cookieSource only restricts cookie credentials: manual permits the manual
// value alone and off permits nothing.
func AllowedSources(policy Policy, cfg models.ProviderConfig) Allowed {
	allowed := Allowed{
		SecureStore: cfg.SecureStoreAllowed(),
		Environment: len(policy.EnvKeys) > 0,
		Manual:      true,
		Browser:     policy.BrowserImport && policy.Kind == KindCookie,
	}
	if policy.Kind != KindCookie {
		return allowed
	}
	switch cfg.EffectiveCookieSource() {
	case models.CookieSourceManual:
		return Allowed{Manual: true}
	case models.CookieSourceOff:
		return Allowed{}
	}
	return allowed
}

// SecretKey is the secure-store key of a provider credential.
func SecretKey(provider models.ProviderID, kind Kind) string {
	return string(provider) + "." + string(kind)
}
