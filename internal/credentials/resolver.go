// Package credentials resolves API tokens and cookie headers from the secure
// store, the environment, the user's configuration and browser import, in
// that order.
package credentials

import (
	"context"
	"fmt"

	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/logging"
	"github.com/quotaguard/quotabar/internal/models"
)

// SecureStore holds credentials outside the configuration file.
type SecureStore interface {
	Secret(key string) (string, bool, error)
	SetSecret(key, value string) error
	DeleteSecret(key string) error
}

// ImportResult is a cookie header read from a browser session.
type ImportResult struct {
	CookieHeader string
	// SourceLabel names the browser or profile, e.g. "Chrome (Default)".
	SourceLabel  string
	AccountEmail string
}

// CookieImporter reads a provider's cookies from local browsers. Failures are
// one of the import error types in package errors.
type CookieImporter interface {
	Import(ctx context.Context, provider models.ProviderID) (ImportResult, error)
}

// Request describes one resolution.
type Request struct {
	Provider models.ProviderID
	Kind     Kind
	Allowed  Allowed
	EnvKeys  []string
	Manual   string
	Env      map[string]string
	// ExpectedEmail rejects browser sessions of another account when set.
	ExpectedEmail string
}

// Resolution is a resolved credential tagged with its source.
type Resolution struct {
	Value        string
	Source       Source
	SourceLabel  string
	AccountEmail string
}

// Resolver walks credential sources in fixed priority. Resolve never writes.
type Resolver struct {
	store    SecureStore
	importer CookieImporter
	logger   *logging.Logger
}

// NewResolver creates a resolver. store and importer may be nil, which
// disables the respective source.
func NewResolver(store SecureStore, importer CookieImporter, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Resolver{store: store, importer: importer, logger: logger}
}

// Resolve returns the first non-empty credential among the allowed sources.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Resolution, error) {
	var checked []string
	normalize := Cleaned
	if req.Kind == KindCookie {
		normalize = NormalizeCookieHeader
	}

	if req.Allowed.SecureStore && r.store != nil {
		checked = append(checked, string(SourceSecureStore))
		value, ok, err := r.store.Secret(SecretKey(req.Provider, req.Kind))
		if err != nil {
			r.logger.Warn("Secure store read failed", "provider", req.Provider, "error", err)
		} else if v := normalize(value); ok && v != "" {
			return Resolution{Value: v, Source: SourceSecureStore, SourceLabel: "secure store"}, nil
		}
	}

	if req.Allowed.Environment {
		for _, key := range req.EnvKeys {
			checked = append(checked, key)
			if v := normalize(req.Env[key]); v != "" {
				return Resolution{Value: v, Source: SourceEnvironment, SourceLabel: key}, nil
			}
		}
	}

	if req.Allowed.Manual {
		checked = append(checked, string(SourceManual))
		if v := normalize(req.Manual); v != "" {
			if req.Kind == KindCookie && len(CookiePairs(v)) == 0 {
				return Resolution{}, &errors.ErrManualHeaderInvalid{Provider: string(req.Provider), Reason: "no name=value pair found"}
			}
			return Resolution{Value: v, Source: SourceManual, SourceLabel: "manual"}, nil
		}
	}

	if req.Allowed.Browser && r.importer != nil && req.Kind == KindCookie {
		checked = append(checked, string(SourceBrowser))
		res, err := r.importer.Import(ctx, req.Provider)
		if err != nil {
			if errors.IsImportFailure(err) {
				return Resolution{}, err
			}
			return Resolution{}, fmt.Errorf("browser import: %w", err)
		}
		if req.ExpectedEmail != "" && res.AccountEmail != "" && res.AccountEmail != req.ExpectedEmail {
			return Resolution{}, &errors.ErrNoMatchingAccount{
				Provider: string(req.Provider),
				Expected: req.ExpectedEmail,
				Found:    res.AccountEmail,
			}
		}
		if v := NormalizeCookieHeader(res.CookieHeader); v != "" {
			label := res.SourceLabel
			if label == "" {
				label = "browser"
			}
			return Resolution{Value: v, Source: SourceBrowser, SourceLabel: label, AccountEmail: res.AccountEmail}, nil
		}
	}

	what := "API token"
	if req.Kind == KindCookie {
		what = "cookie header"
	}
	return Resolution{}, &errors.ErrMissingCredentials{Provider: string(req.Provider), What: what, Checked: checked}
}

// Remember stores a credential in the secure store.
func (r *Resolver) Remember(provider models.ProviderID, kind Kind, value string) error {
	if r.store == nil {
		return errors.New("no secure store configured")
	}
	if kind == KindCookie {
		if len(CookiePairs(value)) == 0 {
			return &errors.ErrManualHeaderInvalid{Provider: string(provider), Reason: "no name=value pair found"}
		}
		value = NormalizeCookieHeader(value)
	} else {
		value = Cleaned(value)
	}
	return r.store.SetSecret(SecretKey(provider, kind), value)
}

// Forget removes a credential from the secure store.
func (r *Resolver) Forget(provider models.ProviderID, kind Kind) error {
	if r.store == nil {
		return nil
	}
	return r.store.DeleteSecret(SecretKey(provider, kind))
}

// ValidateManualCookie checks that a pasted header contains at least one
// cookie pair.
func ValidateManualCookie(provider models.ProviderID, raw string) error {
	if Cleaned(raw) == "" {
		return nil
	}
	if len(CookiePairs(raw)) == 0 {
		return &errors.ErrManualHeaderInvalid{Provider: string(provider), Reason: "no name=value pair found"}
	}
	return nil
}
