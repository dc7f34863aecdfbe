// Package fetch runs a provider's ordered catalog of fetch strategies.
package fetch

import (
	"context"
	"strings"
	"time"

	"github.com/quotaguard/quotabar/internal/models"
)

// Context is the input of one pipeline run. It is owned by a single call.
type Context struct {
	Provider models.ProviderID
	Env      map[string]string
	Settings models.ProviderConfig
	Mode     models.SourceMode
	Account  *models.TokenAccount
	Override *models.TokenAccountOverride
}

// Getenv returns the trimmed value of key from the captured environment.
func (c *Context) Getenv(key string) string {
	if c == nil || c.Env == nil {
		return ""
	}
	return strings.TrimSpace(c.Env[key])
}

// AccountToken returns the token of the selected account, if any.
func (c *Context) AccountToken() string {
	if c == nil || c.Account == nil {
		return ""
	}
	return strings.TrimSpace(c.Account.Token)
}

// Result is a successful strategy outcome.
type Result struct {
	Snapshot   *models.UsageSnapshot
	StrategyID string
	Kind       models.FetchKind
	Account    *models.TokenAccount
}

// Strategy fetches usage for one provider through one source. Strategies
// are stateless; all per-call input is in Context.
type Strategy interface {
	ID() string
	Kind() models.FetchKind
	IsAvailable(ctx context.Context, fc *Context) bool
	Fetch(ctx context.Context, fc *Context) (*Result, error)
	ShouldFallback(err error, fc *Context) bool
}

// Attempt records one strategy considered during a run.
type Attempt struct {
	StrategyID string
	Kind       models.FetchKind
	Available  bool
	Err        error
	Duration   time.Duration
}

// Succeeded reports whether the attempt produced the run's result.
func (a Attempt) Succeeded() bool {
	return a.Available && a.Err == nil
}
