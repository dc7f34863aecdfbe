package credentials

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/tidwall/gjson"

	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/models"
)

// FileImporter reads cookie headers that a browser helper exported to a JSON
// document keyed by provider:
//
//	{"augment": {"cookieHeader": "...", "source": "Chrome", "email": "..."}}
//
// A provider entry may instead carry {"error": "<kind>"} with one of
// browser_access_denied, dashboard_requires_login or no_cookies_found.
type FileImporter struct {
	Path string
	// Dashboard looks up the login page named in dashboard_requires_login
	// failures. It is consulted on demand and may be nil.
	Dashboard func(models.ProviderID) string
}

// DefaultImportPath is the export file location under the XDG data dir.
func DefaultImportPath() string {
	return filepath.Join(xdg.DataHome, "quotabar", "browser-cookies.json")
}

// NewFileImporter creates an importer reading path.
func NewFileImporter(path string, dashboard func(models.ProviderID) string) *FileImporter {
	return &FileImporter{Path: path, Dashboard: dashboard}
}

func (f *FileImporter) dashboardURL(p models.ProviderID) string {
	if f.Dashboard == nil {
		return ""
	}
	return f.Dashboard(p)
}

// Import returns the exported header for provider.
func (f *FileImporter) Import(ctx context.Context, provider models.ProviderID) (ImportResult, error) {
	if err := ctx.Err(); err != nil {
		return ImportResult{}, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsPermission(err) {
			return ImportResult{}, &errors.ErrBrowserAccessDenied{Provider: string(provider), Detail: err.Error()}
		}
		return ImportResult{}, &errors.ErrNoCookiesFound{Provider: string(provider)}
	}
	if !gjson.ValidBytes(data) {
		return ImportResult{}, &errors.ErrNoCookiesFound{Provider: string(provider)}
	}
	entry := gjson.GetBytes(data, string(provider))
	browser := strings.TrimSpace(entry.Get("source").String())

	switch entry.Get("error").String() {
	case string(errors.KindBrowserAccessDenied):
		return ImportResult{}, &errors.ErrBrowserAccessDenied{Provider: string(provider), Browser: browser}
	case string(errors.KindDashboardRequiresLogin):
		return ImportResult{}, &errors.ErrDashboardRequiresLogin{Provider: string(provider), DashboardURL: f.dashboardURL(provider)}
	}

	header := NormalizeCookieHeader(entry.Get("cookieHeader").String())
	if header == "" {
		return ImportResult{}, &errors.ErrNoCookiesFound{Provider: string(provider), Browser: browser}
	}
	return ImportResult{
		CookieHeader: header,
		SourceLabel:  browser,
		AccountEmail: strings.TrimSpace(entry.Get("email").String()),
	}, nil
}
