// Package shell ties the session manager, view resolver and unlock flow
// into the viewer application driven by the browse command.
package shell

import (
	"context"
	"log/slog"
	"sync"

	"github.com/heartreel/heartreel/session"
	"github.com/heartreel/heartreel/unlock"
	"github.com/heartreel/heartreel/view"
)

// Screen is what the UI shows right now.
type Screen struct {
	Path     string
	Decision view.Decision
	Session  session.Snapshot
	// SignInPrompt is set when a protected route asked for sign-in and is
	// cleared by DismissSignIn or a successful sign-in.
	SignInPrompt bool
	Unlock       unlock.State
	UnlockErr    error
}

// App is the viewer. Its methods are safe for concurrent use.
type App struct {
	manager  *session.Manager
	resolver *view.Resolver
	cache    *unlock.Cache
	flow     *unlock.Flow
	logger   *slog.Logger
	onChange func(Screen)

	mu       sync.Mutex
	path     string
	decision view.Decision
	prompt   bool
}

type Option func(*App)

func WithLogger(logger *slog.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}

// WithOnChange registers fn to receive every newly applied screen.
func WithOnChange(fn func(Screen)) Option {
	return func(a *App) {
		a.onChange = fn
	}
}

// New builds the viewer. validator checks site passwords; cache holds the
// sites unlocked this session.
func New(m *session.Manager, r *view.Resolver, cache *unlock.Cache, validator unlock.Validator, opts ...Option) *App {
	a := &App{
		manager:  m,
		resolver: r,
		cache:    cache,
		path:     "/",
		decision: view.Decision{State: view.StateLoading},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.DiscardHandler)
	}
	a.logger = a.logger.With("component", "shell")
	a.flow = unlock.NewFlow(validator, cache,
		unlock.WithLogger(a.logger),
		unlock.WithUnlockHook(func(string) {
			a.recompute(context.Background())
		}),
	)
	return a
}

// Current returns the screen as last resolved.
func (a *App) Current() Screen {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.screenLocked()
}

func (a *App) screenLocked() Screen {
	state, err := a.flow.State()
	return Screen{
		Path:         a.path,
		Decision:     a.decision,
		Session:      a.manager.Snapshot(),
		SignInPrompt: a.prompt,
		Unlock:       state,
		UnlockErr:    err,
	}
}

// Navigate moves to path and resolves it.
func (a *App) Navigate(ctx context.Context, path string) Screen {
	if path == "" {
		path = "/"
	}
	a.mu.Lock()
	if path != a.path {
		a.flow.Reset()
	}
	a.path = path
	a.prompt = false
	a.mu.Unlock()
	return a.recompute(ctx)
}

// Refresh re-resolves the current path.
func (a *App) Refresh(ctx context.Context) Screen {
	return a.recompute(ctx)
}

func (a *App) recompute(ctx context.Context) Screen {
	a.mu.Lock()
	path := a.path
	a.mu.Unlock()

	d, applied := a.resolver.Recompute(ctx, view.Input{
		Path:     path,
		Session:  a.manager.Snapshot(),
		Unlocked: a.cache,
	})

	a.mu.Lock()
	if applied && path == a.path {
		a.decision = d
		if d.Has(view.EffectOpenSignIn) {
			a.prompt = true
		}
		if a.manager.Snapshot().IsAuthenticated() {
			a.prompt = false
		}
	}
	screen := a.screenLocked()
	a.mu.Unlock()

	if applied && a.onChange != nil {
		a.onChange(screen)
	}
	return screen
}

// DismissSignIn clears the sign-in prompt.
func (a *App) DismissSignIn() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prompt = false
}

// SubmitPassword tries to unlock the site behind the password screen. A
// successful unlock re-resolves to the site.
func (a *App) SubmitPassword(ctx context.Context, password string) error {
	a.mu.Lock()
	d := a.decision
	a.mu.Unlock()
	if d.State != view.StatePassword || d.Site == nil {
		return ErrNoPasswordPrompt
	}
	return a.flow.Submit(ctx, d.Site.ID, password)
}

func (a *App) SignIn(ctx context.Context, email, password string) error {
	return a.manager.SignIn(ctx, email, password)
}

func (a *App) SignUp(ctx context.Context, email, password string) error {
	return a.manager.SignUp(ctx, email, password)
}

func (a *App) SignOut(ctx context.Context) error {
	return a.manager.SignOut(ctx)
}

func (a *App) ResetPassword(ctx context.Context, email string) error {
	return a.manager.ResetPassword(ctx, email)
}

func (a *App) RefreshSubscription(ctx context.Context) error {
	return a.manager.RefreshSubscription(ctx)
}

// Run re-resolves whenever the session's loading or signed-in state
// changes, until ctx is done. Only the latest snapshot is acted on.
func (a *App) Run(ctx context.Context) error {
	snaps, cancel := a.manager.Subscribe()
	defer cancel()

	first := true
	var last session.Snapshot
	for {
		select {
		case <-ctx.Done():
			a.resolver.Wait()
			return ctx.Err()
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			if !first && snap.Loading == last.Loading && snap.IsAuthenticated() == last.IsAuthenticated() {
				continue
			}
			first = false
			last = snap
			a.logger.Debug("session changed", "loading", snap.Loading, "signed_in", snap.IsAuthenticated())
			a.recompute(ctx)
		}
	}
}
