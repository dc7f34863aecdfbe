package models

import (
	"fmt"
	"strings"
)

// ProviderID identifies a supported upstream service.
type ProviderID string

const (
	ProviderCodex       ProviderID = "codex"
	ProviderClaude      ProviderID = "claude"
	ProviderGemini      ProviderID = "gemini"
	ProviderCopilot     ProviderID = "copilot"
	ProviderZAI         ProviderID = "zai"
	ProviderAugment     ProviderID = "augment"
	ProviderCLIProxyAPI ProviderID = "cliproxyapi"
)

// AllProviders lists every provider in display order.
var AllProviders = []ProviderID{
	ProviderCodex,
	ProviderClaude,
	ProviderGemini,
	ProviderCopilot,
	ProviderZAI,
	ProviderAugment,
	ProviderCLIProxyAPI,
}

// ParseProviderID validates a provider id, accepting any letter case.
func ParseProviderID(raw string) (ProviderID, error) {
	id := ProviderID(strings.ToLower(strings.TrimSpace(raw)))
	for _, p := range AllProviders {
		if p == id {
			return id, nil
		}
	}
	return "", fmt.Errorf("unknown provider %q", raw)
}

// SourceMode is the user-selected fetch policy for a provider.
type SourceMode string

const (
	SourceAuto  SourceMode = "auto"
	SourceAPI   SourceMode = "api"
	SourceCLI   SourceMode = "cli"
	SourceWeb   SourceMode = "web"
	SourceOAuth SourceMode = "oauth"
)

// ParseSourceMode maps a configured value to a SourceMode. Empty means auto.
func ParseSourceMode(raw string) (SourceMode, error) {
	switch mode := SourceMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case "":
		return SourceAuto, nil
	case SourceAuto, SourceAPI, SourceCLI, SourceWeb, SourceOAuth:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown source mode %q", raw)
	}
}

// FetchKind is the family a fetch strategy belongs to.
type FetchKind string

const (
	KindAPIToken   FetchKind = "apiToken"
	KindCLI        FetchKind = "cli"
	KindWebCookie  FetchKind = "webCookie"
	KindOAuth      FetchKind = "oauth"
	KindManagement FetchKind = "management"
)

// SourceMode returns the explicit mode that selects strategies of this kind.
// Management strategies are API-based.
func (k FetchKind) SourceMode() SourceMode {
	switch k {
	case KindCLI:
		return SourceCLI
	case KindWebCookie:
		return SourceWeb
	case KindOAuth:
		return SourceOAuth
	default:
		return SourceAPI
	}
}

// CookieSource controls where cookie headers may come from.
type CookieSource string

const (
	CookieSourceAuto   CookieSource = "auto"
	CookieSourceManual CookieSource = "manual"
	CookieSourceOff    CookieSource = "off"
)
