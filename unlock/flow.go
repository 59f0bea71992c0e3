package unlock

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/heartreel/heartreel/site"
)

// Failures of Submit. Remote failures are never surfaced beyond
// ErrIncorrectPassword.
var (
	ErrEmptyPassword     = errors.New("unlock: empty password")
	ErrIncorrectPassword = errors.New("unlock: incorrect password")
	ErrBusy              = errors.New("unlock: password check in progress")
)

var messages = map[error]string{
	ErrEmptyPassword:     "Please enter the password.",
	ErrIncorrectPassword: "Incorrect password.",
	ErrBusy:              "A password check is already in progress.",
}

// Message returns the text to show for a Submit failure.
func Message(err error) string {
	for sentinel, msg := range messages {
		if errors.Is(err, sentinel) {
			return msg
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Validator checks a site password remotely. A correct password yields the
// site with its content; a wrong one yields nil, nil.
type Validator interface {
	UnlockSite(ctx context.Context, siteID, password string) (*site.Site, error)
}

// State is the position of a Flow in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateUnlocked
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateUnlocked:
		return "unlocked"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Flow runs the password prompt for private sites:
// idle → validating → unlocked | rejected. A rejected flow may be retried.
type Flow struct {
	validator Validator
	cache     *Cache
	onUnlock  func(siteID string)
	logger    *slog.Logger

	mu     sync.Mutex
	state  State
	siteID string
	err    error
}

// FlowOption configures a Flow.
type FlowOption func(*Flow)

// WithUnlockHook registers fn to run after a site is unlocked and cached.
func WithUnlockHook(fn func(siteID string)) FlowOption {
	return func(f *Flow) {
		f.onUnlock = fn
	}
}

func WithLogger(logger *slog.Logger) FlowOption {
	return func(f *Flow) {
		f.logger = logger
	}
}

func NewFlow(v Validator, cache *Cache, opts ...FlowOption) *Flow {
	f := &Flow{validator: v, cache: cache}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = slog.New(slog.DiscardHandler)
	}
	f.logger = f.logger.With("component", "unlock")
	return f
}

// State returns the current state and the last failure, if any.
func (f *Flow) State() (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.err
}

// Reset returns the flow to idle unless a check is in flight.
func (f *Flow) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateValidating {
		return
	}
	f.state, f.siteID, f.err = StateIdle, "", nil
}

// Submit checks password for siteID. An empty password fails without a
// remote call; a submit during validation returns ErrBusy.
func (f *Flow) Submit(ctx context.Context, siteID, password string) error {
	f.mu.Lock()
	if f.state == StateValidating {
		f.mu.Unlock()
		return ErrBusy
	}
	if password == "" {
		f.state, f.siteID, f.err = StateRejected, siteID, ErrEmptyPassword
		f.mu.Unlock()
		return ErrEmptyPassword
	}
	f.state, f.siteID, f.err = StateValidating, siteID, nil
	f.mu.Unlock()

	unlocked, err := f.validator.UnlockSite(ctx, siteID, password)
	if err != nil || unlocked == nil {
		if err != nil {
			f.logger.Warn("validating site password", "site_id", siteID, "error", err)
		}
		f.finish(StateRejected, ErrIncorrectPassword)
		return ErrIncorrectPassword
	}
	unlocked.ID = siteID

	if err := f.cache.Remember(unlocked); err != nil {
		f.logger.Warn("persisting unlock", "site_id", siteID, "error", err)
	}
	f.finish(StateUnlocked, nil)
	f.logger.Debug("site unlocked", "site_id", siteID)
	if f.onUnlock != nil {
		f.onUnlock(siteID)
	}
	return nil
}

func (f *Flow) finish(s State, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state, f.err = s, err
}
