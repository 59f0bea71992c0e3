package shell

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartreel/heartreel/session"
	"github.com/heartreel/heartreel/site"
	"github.com/heartreel/heartreel/view"
)

func TestRender(t *testing.T) {
	premium, err := site.PlanFor(site.PlanPremium)
	require.NoError(t, err)
	signedIn := session.Snapshot{
		Configured:   true,
		User:         &session.User{ID: "u1", Email: "romeo@verona.it"},
		Subscription: &premium,
	}

	tests := []struct {
		name string
		d    view.Decision
		snap session.Snapshot
		want []string
	}{
		{"Loading", view.Decision{State: view.StateLoading}, session.Snapshot{}, []string{"Loading"}},
		{"LandingOffline", view.Decision{State: view.StateLanding}, session.Snapshot{}, []string{"unavailable", "/demo"}},
		{"LandingPrompt", view.Decision{State: view.StateLanding, Effects: []view.Effect{view.EffectOpenSignIn}}, session.Snapshot{Configured: true}, []string{"Please sign in"}},
		{"Demo", view.Decision{State: view.StateDemo, Site: site.DemoSite()}, session.Snapshot{}, []string{"Our Story", "/demo"}},
		{"NotFound", view.Decision{State: view.StateNotFound, Slug: "nobody"}, signedIn, []string{"/nobody"}},
		{"Dashboard", view.Decision{State: view.StateDashboard}, signedIn, []string{"romeo@verona.it", "premium", "Dashboard"}},
		{"AdminUsers", view.Decision{State: view.StateAdminUsers}, signedIn, []string{"Users"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b strings.Builder
			require.NoError(t, Render(&b, tt.d, tt.snap))
			for _, want := range tt.want {
				assert.Contains(t, b.String(), want)
			}
		})
	}
}

func TestRender_DashboardFreeFallback(t *testing.T) {
	var b strings.Builder
	snap := session.Snapshot{Configured: true, User: &session.User{ID: "u1", Email: "juliet@verona.it"}}
	require.NoError(t, Render(&b, view.Decision{State: view.StateDashboard}, snap))
	assert.Contains(t, b.String(), "free plan")
}
