package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/heartreel/heartreel/site"
)

// Manager tracks identity and subscription state. It is safe for
// concurrent use.
type Manager struct {
	backend    IdentityBackend
	plans      PlanSource
	cache      PlanCache
	translator Translator
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done    chan struct{}
	fetch   singleflight.Group
	pending sync.WaitGroup

	mu      sync.Mutex
	snap    Snapshot
	settled bool // first identity event handled, or backend unconfigured
	claimed bool // a command set the identity before the first event
	busy    int  // explicit commands in flight
	subs    map[int]chan Snapshot
	nextSub int
}

// Option configures a Manager.
type Option func(*Manager)

// WithPlanCache mirrors the plan into c and pre-seeds the first snapshot
// from it.
func WithPlanCache(c PlanCache) Option {
	return func(m *Manager) {
		m.cache = c
	}
}

// WithTranslator replaces the English message table.
func WithTranslator(t Translator) Option {
	return func(m *Manager) {
		m.translator = t
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager starts tracking backend. When the backend is configured the
// snapshot stays Loading until its first identity event arrives; otherwise
// loading is released immediately and no subscription is made.
func NewManager(backend IdentityBackend, plans PlanSource, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		plans:   plans,
		done:    make(chan struct{}),
		subs:    make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	m.logger = m.logger.With("component", "session")
	if m.translator == nil {
		m.translator = DefaultMessages()
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	if !backend.Configured() {
		m.settled = true
		m.snap = Snapshot{Configured: false, Loading: false}
		close(m.done)
		return m
	}

	m.snap = Snapshot{Configured: true, Loading: true}
	if m.cache != nil {
		if p, err := m.cache.Load(); err != nil {
			m.logger.Warn("reading cached plan", "error", err)
		} else {
			m.snap.Subscription = p
		}
	}
	events := backend.Events(m.ctx)
	go m.listen(events)
	return m
}

// Close stops listening for identity events and waits for background
// plan fetches to finish.
func (m *Manager) Close() {
	m.cancel()
	<-m.done
	m.pending.Wait()
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Subscribe returns a channel that always holds the latest snapshot.
// Intermediate snapshots are dropped when the reader falls behind. The
// current snapshot is delivered first. cancel closes the channel.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan Snapshot, 1)
	ch <- m.snap
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}

func (m *Manager) listen(events <-chan Event) {
	defer close(m.done)
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				m.settle()
				return
			}
			m.handle(ev)
		}
	}
}

func (m *Manager) handle(ev Event) {
	m.logger.Debug("identity event", "kind", ev.Kind, "signed_in", ev.User != nil)
	if ev.Kind == EventInitialSession && m.identityClaimed() {
		m.logger.Debug("initial session superseded by command")
		m.settle()
		return
	}
	if ev.User == nil {
		m.update(func(s *Snapshot) {
			s.User = nil
			s.Subscription = nil
		}, true)
		if ev.Unverified {
			m.logger.Info("session unverified, keeping cached plan")
			return
		}
		m.clearCache()
		return
	}
	m.setUser(ev.User, true)
	m.fetchInBackground(ev.User.ID)
}

func (m *Manager) identityClaimed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claimed
}

func (m *Manager) fetchInBackground(userID string) {
	m.pending.Go(func() {
		_ = m.refreshPlan(m.ctx, userID)
	})
}

// settle releases the initial Loading state without changing identity.
func (m *Manager) settle() {
	m.update(func(*Snapshot) {}, true)
}

// update applies mutate under the lock, recomputes Loading and publishes.
func (m *Manager) update(mutate func(*Snapshot), settle bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.snap
	mutate(&next)
	if settle {
		m.settled = true
	}
	next.Loading = !m.settled || m.busy > 0
	m.snap = next
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
}

func (m *Manager) setUser(u *User, settle bool) {
	cp := *u
	m.update(func(s *Snapshot) {
		if s.User != nil && s.User.ID != cp.ID {
			s.Subscription = nil
		}
		s.User = &cp
		m.claim(settle)
	}, settle)
}

// claim records that a command changed identity before the first event.
// Called with m.mu held.
func (m *Manager) claim(fromEvent bool) {
	if !fromEvent && !m.settled {
		m.claimed = true
	}
}

func (m *Manager) currentUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap.User == nil {
		return ""
	}
	return m.snap.User.ID
}

// refreshPlan fetches the plan for userID. Concurrent fetches for the same
// user share one request; a result for a user who is no longer signed in
// is dropped.
func (m *Manager) refreshPlan(ctx context.Context, userID string) error {
	v, err, _ := m.fetch.Do(userID, func() (any, error) {
		return m.plans.FetchSubscriptionPlan(ctx)
	})
	if err != nil {
		m.logger.Warn("fetching subscription plan", "user_id", userID, "error", err)
		return err
	}
	plan := site.FreePlan()
	if p, _ := v.(*site.Plan); p != nil {
		plan = *p
	}

	applied := false
	m.update(func(s *Snapshot) {
		if s.User == nil || s.User.ID != userID {
			return
		}
		s.Subscription = &plan
		applied = true
	}, false)
	if !applied {
		m.logger.Debug("dropping plan for signed-out user", "user_id", userID)
		return nil
	}
	if m.cache != nil {
		if err := m.cache.Save(plan); err != nil {
			m.logger.Warn("caching plan", "error", err)
		}
	}
	return nil
}

func (m *Manager) clearCache() {
	if m.cache == nil {
		return
	}
	if err := m.cache.Clear(); err != nil {
		m.logger.Warn("clearing cached plan", "error", err)
	}
}

// begin marks an explicit command in flight, raising Loading.
func (m *Manager) begin() {
	m.update(func(*Snapshot) { m.busy++ }, false)
}

func (m *Manager) end() {
	m.update(func(*Snapshot) { m.busy-- }, false)
}

func (m *Manager) translate(err error) error {
	if msg, ok := m.translator.Translate(err); ok {
		return &AuthError{Message: msg, Err: err}
	}
	m.logger.Warn("untranslated auth error", "error", err)
	msg := err.Error()
	if be, ok := errors.AsType[BackendError](err); ok {
		msg = be.ErrorMessage()
	}
	return &AuthError{Message: msg, Err: err}
}

// SignIn authenticates and, on success, fetches the plan before returning
// so the caller sees a complete snapshot. Failures are *AuthError.
func (m *Manager) SignIn(ctx context.Context, email, password string) error {
	m.begin()
	defer m.end()
	u, err := m.backend.SignIn(ctx, email, password)
	if err != nil {
		return m.translate(err)
	}
	m.setUser(u, false)
	// Plan failures leave the free tier in effect; sign-in still succeeded.
	_ = m.refreshPlan(ctx, u.ID)
	return nil
}

// SignUp creates an account. When the backend signs the new user in
// directly, the plan is fetched in the background.
func (m *Manager) SignUp(ctx context.Context, email, password string) error {
	m.begin()
	defer m.end()
	u, err := m.backend.SignUp(ctx, email, password)
	if err != nil {
		return m.translate(err)
	}
	if u != nil {
		m.setUser(u, false)
		m.fetchInBackground(u.ID)
	}
	return nil
}

// SignOut signs out. Local user and plan state is cleared even when the
// backend call fails.
func (m *Manager) SignOut(ctx context.Context) error {
	m.begin()
	defer m.end()
	err := m.backend.SignOut(ctx)
	m.update(func(s *Snapshot) {
		s.User = nil
		s.Subscription = nil
		m.claim(false)
	}, false)
	m.clearCache()
	if err != nil {
		return m.translate(err)
	}
	return nil
}

// ResetPassword asks the backend to email a reset link.
func (m *Manager) ResetPassword(ctx context.Context, email string) error {
	m.begin()
	defer m.end()
	if err := m.backend.ResetPassword(ctx, email); err != nil {
		return m.translate(err)
	}
	return nil
}

// RefreshSubscription re-fetches the current user's plan.
func (m *Manager) RefreshSubscription(ctx context.Context) error {
	id := m.currentUserID()
	if id == "" {
		return nil
	}
	return m.refreshPlan(ctx, id)
}
