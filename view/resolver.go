package view

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// Resolver applies resolutions in request order. Only the most recent
// Recompute may change the current decision; older results are dropped
// when they arrive.
type Resolver struct {
	fetcher  SiteFetcher
	recorder PageViewRecorder
	logger   *slog.Logger

	mu      sync.Mutex
	gen     uint64
	current Decision
	pending sync.WaitGroup
}

type Option func(*Resolver)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver returns a Resolver whose current decision is loading. A nil
// recorder disables page-view tracking.
func NewResolver(fetcher SiteFetcher, recorder PageViewRecorder, opts ...Option) *Resolver {
	r := &Resolver{
		fetcher:  fetcher,
		recorder: recorder,
		current:  Decision{State: StateLoading},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	r.logger = r.logger.With("component", "view")
	return r
}

// Current returns the last applied decision.
func (r *Resolver) Current() Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Recompute resolves in and applies the result unless a newer Recompute
// started meanwhile. applied is false for a dropped result.
//
// The page-view effect is kept only on a transition into a site, from
// another state or from a different site; the view is then recorded in
// the background.
func (r *Resolver) Recompute(ctx context.Context, in Input) (d Decision, applied bool) {
	r.mu.Lock()
	r.gen++
	gen := r.gen
	r.mu.Unlock()

	d = Resolve(ctx, in, r.fetcher, r.logger)

	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		r.logger.Debug("dropping stale resolution", "path", in.Path, "state", d.State)
		return d, false
	}
	prev := r.current
	if d.Has(EffectRecordPageView) && prev.State == StateSite && prev.Site != nil && prev.Site.ID == d.Site.ID {
		d.Effects = slices.DeleteFunc(slices.Clone(d.Effects), func(e Effect) bool {
			return e == EffectRecordPageView
		})
	}
	r.current = d
	r.mu.Unlock()

	if d.Has(EffectRecordPageView) {
		r.recordPageView(ctx, d.Site.ID, in.Path)
	}
	return d, true
}

func (r *Resolver) recordPageView(ctx context.Context, siteID, path string) {
	if r.recorder == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	r.pending.Go(func() {
		if err := r.recorder.RecordPageView(ctx, siteID, path); err != nil {
			r.logger.Warn("recording page view", "site_id", siteID, "error", err)
		}
	})
}

// Wait blocks until background page-view recordings finish.
func (r *Resolver) Wait() {
	r.pending.Wait()
}
