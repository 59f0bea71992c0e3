package cmd

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartreel/heartreel/accounts"
	"github.com/heartreel/heartreel/api"
	"github.com/heartreel/heartreel/internal/config"
	"github.com/heartreel/heartreel/internal/util"
	"github.com/heartreel/heartreel/site"
	"github.com/heartreel/heartreel/storage/memory"
)

func fastKDF() util.Argon2idParams {
	return util.Argon2idParams{
		Time:        util.MinArgon2Time,
		MemoryKiB:   util.MinArgon2MemoryKiB,
		Parallelism: util.MinArgon2Parallel,
		KeyLen:      32,
	}
}

// startBackend serves the API with one public and one private site.
func startBackend(t *testing.T) string {
	t.Helper()
	repo := memory.NewRepository()
	logger := slog.New(slog.DiscardHandler)
	accts := accounts.NewService(repo,
		accounts.WithKDFParams(fastKDF()),
		accounts.WithLogger(logger),
		accounts.WithMailer(accounts.NewLogMailer(logger)),
	)
	sites := site.NewStore(repo, site.WithKDFParams(fastKDF()))
	tokens, err := accounts.NewTokenIssuer(bytes.Repeat([]byte("k"), 32), time.Hour)
	require.NoError(t, err)

	premium, err := site.PlanFor(site.PlanPremium)
	require.NoError(t, err)
	_, err = sites.Create(t.Context(), "u-owner", premium, site.CreateInput{Slug: "our-story", Title: "Our Story"})
	require.NoError(t, err)
	_, err = sites.Create(t.Context(), "u-owner", premium, site.CreateInput{
		Slug: "secret-garden", Title: "Secret Garden", IsPrivate: true, Password: "verona",
	})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Mount("/api/v1", api.New(accts, sites, tokens, api.WithLogger(logger)).Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv.URL
}

func testViewer(t *testing.T, serverURL string) *viewer {
	t.Helper()
	cfg := config.Client{
		ServerURL: serverURL,
		StatePath: filepath.Join(t.TempDir(), "state.db"),
		Timeout:   5 * time.Second,
	}
	v, err := newViewer(cfg, io.Discard)
	require.NoError(t, err)
	t.Cleanup(v.Close)
	require.NoError(t, v.waitSettled(t.Context()))
	return v
}

func runREPL(t *testing.T, v *viewer, path, input string) string {
	t.Helper()
	var out bytes.Buffer
	r := &repl{app: v.app, in: bufio.NewReader(strings.NewReader(input)), out: &out}
	require.NoError(t, r.run(t.Context(), path))
	return out.String()
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() { rootCmd.SetOut(nil); rootCmd.SetArgs(nil) })
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "heartreel dev\n", out.String())
}

func TestREPL_Offline(t *testing.T) {
	v := testViewer(t, "")
	out := runREPL(t, v, "/our-story", strings.Join([]string{
		"open /demo",
		"whoami",
		"signin",
		"romeo@verona.it",
		"forever-yours",
		"unlock",
		"open",
		"dance",
		"exit",
	}, "\n")+"\n")

	assert.Contains(t, out, "Sign-in and shared sites are unavailable", "slug paths land without a backend")
	assert.Contains(t, out, "▶ Our Story")
	assert.Contains(t, out, "No backend configured.")
	assert.Contains(t, out, "Sign-in is not available right now.")
	assert.Contains(t, out, "Nothing to unlock here.")
	assert.Contains(t, out, "usage: open <path>")
	assert.Contains(t, out, `unknown command "dance"`)
	assert.Contains(t, out, "Bye!")
}

func TestREPL_Online(t *testing.T) {
	v := testViewer(t, startBackend(t))
	out := runREPL(t, v, "/secret-garden", strings.Join([]string{
		"unlock",
		"mantua",
		"unlock",
		"verona",
		"open /dashboard",
		"signup",
		"juliet@verona.it",
		"forever-yours",
		"whoami",
		"reset",
		"juliet@verona.it",
		"signout",
	}, "\n")+"\n")

	assert.Contains(t, out, "Secret Garden is private")
	assert.Contains(t, out, "Incorrect password.")
	assert.Contains(t, out, "▶ Secret Garden")
	assert.Contains(t, out, "Please sign in to continue.")
	assert.Contains(t, out, "Signed in as juliet@verona.it (free plan)")
	assert.Contains(t, out, "Dashboard")
	assert.Contains(t, out, "a reset link is on its way")
	assert.False(t, v.manager.Snapshot().IsAuthenticated())
}

func TestResolveCommand(t *testing.T) {
	url := startBackend(t)
	t.Setenv("HEARTREEL_STATE_PATH", filepath.Join(t.TempDir(), "state.db"))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs([]string{"resolve", "/our-story", "--server", url})
	t.Cleanup(func() { rootCmd.SetOut(nil); rootCmd.SetErr(nil); rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.True(t, strings.HasPrefix(out.String(), "site\tOur Story\n"), out.String())
}
