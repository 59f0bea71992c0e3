// Package view decides which top-level screen to show for a path, given
// the session state and the set of unlocked sites.
package view

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/heartreel/heartreel/session"
	"github.com/heartreel/heartreel/site"
)

// State names a top-level screen.
type State string

const (
	StateLoading    State = "loading"
	StateLanding    State = "landing"
	StateDemo       State = "demo"
	StatePassword   State = "password"
	StateSite       State = "site"
	StateNotFound   State = "not-found"
	StateDashboard  State = "dashboard"
	StateAdmin      State = "admin"
	StateAdminUsers State = "admin-users"
)

// Effect is a side effect requested by a Decision.
type Effect string

const (
	// EffectOpenSignIn asks the UI to show the sign-in prompt.
	EffectOpenSignIn Effect = "open-sign-in"
	// EffectRecordPageView asks for a page view of Decision.Site.
	EffectRecordPageView Effect = "record-page-view"
)

// Decision is the outcome of resolving a path.
type Decision struct {
	State   State
	Site    *site.Site
	Slug    string
	Effects []Effect
}

// Has reports whether d requests e.
func (d Decision) Has(e Effect) bool {
	return slices.Contains(d.Effects, e)
}

// SiteFetcher looks up a site by slug. A missing site is nil, nil.
type SiteFetcher interface {
	FetchSiteBySlug(ctx context.Context, slug string) (*site.Site, error)
}

// PageViewRecorder records a visit to a site.
type PageViewRecorder interface {
	RecordPageView(ctx context.Context, siteID, path string) error
}

// UnlockSet holds the private sites unlocked this session. Site returns
// the record released by the unlock, content included, or nil.
type UnlockSet interface {
	Site(siteID string) *site.Site
}

// Input is everything a resolution depends on.
type Input struct {
	Path     string
	Session  session.Snapshot
	Unlocked UnlockSet
}

var protected = map[string]State{
	"dashboard":   StateDashboard,
	"admin":       StateAdmin,
	"admin/users": StateAdminUsers,
}

func cleanPath(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	return strings.Trim(path, "/")
}

// Route decides path without touching the network. When the path names a
// site, the returned slug is non-empty and the caller must fetch it and
// finish with Settle.
func Route(path string, snap session.Snapshot) (Decision, string) {
	if snap.Loading {
		return Decision{State: StateLoading}, ""
	}
	p := cleanPath(path)
	if state, ok := protected[p]; ok {
		if snap.IsAuthenticated() {
			return Decision{State: state}, ""
		}
		return Decision{State: StateLanding, Effects: []Effect{EffectOpenSignIn}}, ""
	}
	if p == site.DemoSlug {
		return Decision{State: StateDemo, Site: site.DemoSite()}, ""
	}
	if p == "" || !snap.Configured {
		return Decision{State: StateLanding}, ""
	}
	if strings.Contains(p, "/") {
		return Decision{State: StateNotFound}, ""
	}
	return Decision{}, p
}

// Settle finishes a slug resolution from the fetch result. unlocked is the
// record released by unlocking s, if any; a private site without one stays
// behind the password screen.
func Settle(s *site.Site, err error, unlocked *site.Site) Decision {
	if err != nil || s == nil {
		return Decision{State: StateNotFound}
	}
	if s.IsPrivate {
		if unlocked == nil || unlocked.ID != s.ID {
			return Decision{State: StatePassword, Site: s, Slug: s.Slug}
		}
		s = unlocked
	}
	return Decision{State: StateSite, Site: s, Slug: s.Slug, Effects: []Effect{EffectRecordPageView}}
}

// Resolve runs Route and, for a slug, fetches the site and runs Settle.
// Fetch errors are logged and resolve to not-found.
func Resolve(ctx context.Context, in Input, fetcher SiteFetcher, logger *slog.Logger) Decision {
	d, slug := Route(in.Path, in.Session)
	if slug == "" {
		return d
	}
	s, err := fetcher.FetchSiteBySlug(ctx, slug)
	if err != nil && logger != nil {
		logger.WarnContext(ctx, "fetching site", "slug", slug, "error", err)
	}
	var unlocked *site.Site
	if s != nil && s.IsPrivate && in.Unlocked != nil {
		unlocked = in.Unlocked.Site(s.ID)
	}
	d = Settle(s, err, unlocked)
	if d.State == StateNotFound {
		d.Slug = slug
	}
	return d
}
