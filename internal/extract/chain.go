// Package extract resolves a source reference into a short-lived direct media
// URL by walking an ordered list of strategies until one succeeds.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"audiorelay/internal/shared/logger"
	"audiorelay/internal/shared/types"
)

// Request is one resolution job.
type Request struct {
	SourceRef string
	// UserAgent is forwarded to the extractor so the signed URL matches the
	// client that will play it.
	UserAgent string
}

// Strategy is one way of turning a page reference into a media URL.
// Returning an error is never fatal for the chain.
type Strategy interface {
	Name() string
	Extract(ctx context.Context, req Request) (*types.MediaReference, error)
}

// Attempt records the outcome of one strategy for logs and metrics.
type Attempt struct {
	Strategy string
	Err      error
	Elapsed  time.Duration
}

// Observer is notified after every attempt.
type Observer func(Attempt)

// Chain runs strategies in order. Each strategy gets its own timeout, clipped
// to whatever is left of the overall budget.
type Chain struct {
	strategies  []Strategy
	perStrategy time.Duration
	budget      time.Duration
	observer    Observer
	now         func() time.Time
}

// NewChain builds a chain. Zero durations fall back to 20s per strategy and a
// 45s budget.
func NewChain(strategies []Strategy, perStrategy, budget time.Duration) *Chain {
	if perStrategy <= 0 {
		perStrategy = 20 * time.Second
	}
	if budget <= 0 {
		budget = 45 * time.Second
	}
	return &Chain{
		strategies:  strategies,
		perStrategy: perStrategy,
		budget:      budget,
		now:         time.Now,
	}
}

// SetObserver installs an attempt observer.
func (c *Chain) SetObserver(o Observer) {
	c.observer = o
}

// Strategies returns the strategy names in priority order.
func (c *Chain) Strategies() []string {
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name()
	}
	return names
}

// Resolve returns the first strategy result carrying a valid media URL.
// References that are already direct media URLs are passed through untouched.
// When every strategy fails the error wraps types.ErrExtractionFailed and each
// attempt's error.
func (c *Chain) Resolve(ctx context.Context, req Request) (*types.MediaReference, error) {
	l := logger.WithComponent("Extract")
	req.SourceRef = strings.TrimSpace(req.SourceRef)

	if !IsExtractable(req.SourceRef) {
		if _, err := ValidateMediaURL(req.SourceRef); err != nil {
			return nil, fmt.Errorf("%w: unsupported source reference: %v", types.ErrExtractionFailed, err)
		}
		return &types.MediaReference{
			SourceRef:        req.SourceRef,
			ResolvedMediaURL: req.SourceRef,
			IPFamily:         types.FamilyAny,
			Method:           types.MethodPassthrough,
			ResolvedAt:       c.now(),
		}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()
	deadline, _ := ctx.Deadline()

	var errs []error
	for _, s := range c.strategies {
		remaining := deadline.Sub(c.now())
		if remaining <= 0 || ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("%s: budget exhausted", s.Name()))
			break
		}
		timeout := c.perStrategy
		if remaining < timeout {
			timeout = remaining
		}

		start := c.now()
		ref, err := c.run(ctx, s, req, timeout)
		attempt := Attempt{Strategy: s.Name(), Err: err, Elapsed: c.now().Sub(start)}
		if c.observer != nil {
			c.observer(attempt)
		}

		if err != nil {
			l.Warn().Str("strategy", s.Name()).Dur("elapsed", attempt.Elapsed).Err(err).Msg("Extraction strategy failed, trying next.")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}

		l.Info().
			Str("strategy", s.Name()).
			Str("family", ref.IPFamily.String()).
			Dur("elapsed", attempt.Elapsed).
			Msg("Media URL resolved.")
		return ref, nil
	}

	return nil, fmt.Errorf("%w: %w", types.ErrExtractionFailed, errors.Join(errs...))
}

func (c *Chain) run(ctx context.Context, s Strategy, req Request, timeout time.Duration) (*types.MediaReference, error) {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ref, err := s.Extract(sctx, req)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, errors.New("no result")
	}
	if _, err := ValidateMediaURL(ref.ResolvedMediaURL); err != nil {
		return nil, err
	}
	ref.SourceRef = req.SourceRef
	if ref.Method == "" {
		ref.Method = s.Name()
	}
	ref.ResolvedAt = c.now()
	return ref, nil
}
