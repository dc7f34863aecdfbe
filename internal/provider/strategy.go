package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/fetch"
	"github.com/quotaguard/quotabar/internal/models"
)

// funcStrategy adapts plain functions to fetch.Strategy.
type funcStrategy struct {
	id        string
	kind      models.FetchKind
	available func(ctx context.Context, fc *fetch.Context) bool
	fetch     func(ctx context.Context, fc *fetch.Context) (*models.UsageSnapshot, error)
	fallback  fetch.FallbackPolicy
}

func (s *funcStrategy) ID() string { return s.id }
func (s *funcStrategy) Kind() models.FetchKind { return s.kind }

func (s *funcStrategy) IsAvailable(ctx context.Context, fc *fetch.Context) bool {
	if s.available == nil {
		return true
	}
	return s.available(ctx, fc)
}

func (s *funcStrategy) Fetch(ctx context.Context, fc *fetch.Context) (*fetch.Result, error) {
	snap, err := s.fetch(ctx, fc)
	if err != nil {
		return nil, err
	}
	return &fetch.Result{Snapshot: snap, Account: fc.Account}, nil
}

func (s *funcStrategy) ShouldFallback(err error, _ *fetch.Context) bool {
	return s.fallback(err)
}

// cookieAllowed reports whether any cookie source is permitted.
func cookieAllowed(fc *fetch.Context) bool {
	return fc.Settings.EffectiveCookieSource() != models.CookieSourceOff
}

// homePath joins rel below the directory named by envKey, or below the
// default directory under home.
func homePath(fc *fetch.Context, envKey, home, defaultDir, rel string) string {
	if dir := fc.Getenv(envKey); dir != "" {
		return filepath.Join(dir, rel)
	}
	return filepath.Join(home, defaultDir, rel)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// readCredentialFile loads a CLI credential document. An unreadable file
// counts as missing credentials.
func readCredentialFile(p models.ProviderID, path, what string) (gjson.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return gjson.Result{}, &errors.ErrMissingCredentials{Provider: string(p), What: what, Checked: []string{path}}
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, &errors.ErrParse{Provider: string(p), What: filepath.Base(path), Err: errors.New("invalid JSON")}
	}
	return gjson.ParseBytes(data), nil
}

// webHeader returns a header set for cookie-authenticated dashboard calls.
func webHeader(cookie, origin string) http.Header {
	h := http.Header{}
	h.Set("Cookie", cookie)
	if origin != "" {
		h.Set("Origin", origin)
		h.Set("Referer", origin+"/")
	}
	return h
}

func sourceLabel(kind, detail string) string {
	detail = strings.TrimSpace(detail)
	if detail == "" {
		return kind
	}
	return kind + " (" + detail + ")"
}

// mustJSON encodes request bodies built from maps and strings only.
func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
