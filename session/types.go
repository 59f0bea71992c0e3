// Package session owns the viewer's identity and subscription-plan state
// and publishes it as immutable snapshots.
package session

import (
	"context"

	"github.com/heartreel/heartreel/site"
)

// User is the signed-in identity as seen by the viewer.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role,omitzero"`
}

// EventKind names an identity change.
type EventKind string

const (
	EventInitialSession EventKind = "INITIAL_SESSION"
	EventSignedIn       EventKind = "SIGNED_IN"
	EventSignedOut      EventKind = "SIGNED_OUT"
)

// Event is one identity change. User is nil when nobody is signed in.
// Unverified marks an initial event whose stored session could not be
// checked; the user is unknown rather than signed out.
type Event struct {
	Kind       EventKind
	User       *User
	Unverified bool
}

// IdentityBackend is the identity provider. Events must deliver an initial
// event promptly after subscribing, even when nobody is signed in, and stop
// when ctx is done.
type IdentityBackend interface {
	Configured() bool
	Events(ctx context.Context) <-chan Event
	SignIn(ctx context.Context, email, password string) (*User, error)
	SignUp(ctx context.Context, email, password string) (*User, error)
	SignOut(ctx context.Context) error
	ResetPassword(ctx context.Context, email string) error
}

// PlanSource fetches the signed-in user's subscription plan. A nil plan
// with no error means the user has no paid plan.
type PlanSource interface {
	FetchSubscriptionPlan(ctx context.Context) (*site.Plan, error)
}

// PlanCache mirrors the last known plan across process restarts. Load
// returns nil when nothing is cached.
type PlanCache interface {
	Load() (*site.Plan, error)
	Save(site.Plan) error
	Clear() error
}

// Snapshot is the session state at one instant. It is replaced wholesale
// on every change and never mutated after publication.
type Snapshot struct {
	User         *User
	Subscription *site.Plan
	Configured   bool
	Loading      bool
}

// IsAuthenticated reports whether a user is signed in.
func (s Snapshot) IsAuthenticated() bool {
	return s.User != nil
}

// EffectivePlan is the plan to apply now: the fetched or cached plan, or
// the free tier until one is known.
func (s Snapshot) EffectivePlan() site.Plan {
	if s.Subscription != nil {
		return *s.Subscription
	}
	return site.FreePlan()
}
