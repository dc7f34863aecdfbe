package fetch

import (
	"context"
	"time"

	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/logging"
	"github.com/quotaguard/quotabar/internal/models"
)

// Catalog returns the ordered strategies for a run. It may depend on the
// context, for example on whether a management key is configured.
type Catalog func(fc *Context) []Strategy

// Observer is told about every attempt as it finishes.
type Observer func(p models.ProviderID, a Attempt)

// Outcome is the result of a pipeline run.
type Outcome struct {
	Result   *Result
	Err      error
	Attempts []Attempt
}

// Pipeline resolves which strategy serves a fetch.
type Pipeline struct {
	provider models.ProviderID
	catalog  Catalog
	observer Observer
	logger   *logging.Logger
	now      func() time.Time
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithObserver registers an attempt observer.
func WithObserver(o Observer) PipelineOption {
	return func(p *Pipeline) { p.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline creates a pipeline over catalog.
func NewPipeline(provider models.ProviderID, catalog Catalog, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		provider: provider,
		catalog:  catalog,
		logger:   logging.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run walks the catalog in order and returns the first success. In auto
// mode a failure moves on when the strategy allows fallback; in an explicit
// mode only strategies of that mode run and the first error is returned.
func (p *Pipeline) Run(ctx context.Context, fc *Context) Outcome {
	mode := fc.Mode
	if mode == "" {
		mode = models.SourceAuto
	}

	var (
		out     Outcome
		lastErr error
		tried   int
	)
	for _, s := range p.catalog(fc) {
		if mode != models.SourceAuto && s.Kind().SourceMode() != mode {
			continue
		}
		if err := ctx.Err(); err != nil {
			out.Err = err
			return out
		}

		attempt := Attempt{StrategyID: s.ID(), Kind: s.Kind()}
		if !s.IsAvailable(ctx, fc) {
			p.record(ctx, &out, attempt)
			continue
		}
		attempt.Available = true
		tried++

		start := p.now()
		res, err := s.Fetch(ctx, fc)
		attempt.Duration = p.now().Sub(start)
		attempt.Err = err
		p.record(ctx, &out, attempt)

		if err == nil {
			if res.StrategyID == "" {
				res.StrategyID = s.ID()
			}
			if res.Kind == "" {
				res.Kind = s.Kind()
			}
			out.Result = res
			return out
		}

		lastErr = err
		if mode == models.SourceAuto && s.ShouldFallback(err, fc) {
			p.logger.DebugWithContext(ctx, "strategy failed, falling back",
				"provider", string(p.provider), "strategy", s.ID(), "error", err)
			continue
		}
		out.Err = err
		return out
	}

	out.Err = &errors.ErrNoStrategy{
		Provider: string(p.provider),
		Mode:     string(mode),
		Tried:    tried,
		Last:     lastErr,
	}
	return out
}

func (p *Pipeline) record(ctx context.Context, out *Outcome, a Attempt) {
	out.Attempts = append(out.Attempts, a)
	if p.observer != nil {
		p.observer(p.provider, a)
	}
	if a.Available {
		p.logger.DebugWithContext(ctx, "strategy attempted",
			"provider", string(p.provider), "strategy", a.StrategyID,
			"duration_ms", a.Duration.Milliseconds(), "ok", a.Err == nil)
	}
}
