package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartreel/heartreel/accounts"
	"github.com/heartreel/heartreel/api"
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

func setupServer(t *testing.T, opts ...api.Option) *httptest.Server {
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

	a := api.New(accts, sites, tokens, append([]api.Option{api.WithLogger(logger)}, opts...)...)
	r := chi.NewRouter()
	r.Use(api.SecurityHeaders)
	r.Mount("/api/v1", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func requireError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	require.Equal(t, status, resp.StatusCode)
	body := decode[api.ErrorResponse](t, resp)
	assert.Equal(t, code, body.Code)
	assert.NotEmpty(t, body.Error)
}

func signUp(t *testing.T, baseURL, email string) api.SessionResponse {
	t.Helper()
	resp := doJSON(t, http.MethodPost, baseURL+"/api/v1/auth/signup", "", api.CredentialsRequest{
		Email: email, Password: "forever-yours",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[api.SessionResponse](t, resp)
}

func TestSignUpSignInSignOut(t *testing.T) {
	srv := setupServer(t)
	base := srv.URL + "/api/v1"

	first := signUp(t, srv.URL, "romeo@verona.it")
	assert.NotEmpty(t, first.AccessToken)
	assert.Equal(t, "bearer", first.TokenType)
	assert.Positive(t, first.ExpiresIn)
	assert.Equal(t, accounts.RoleAdmin, first.User.Role, "first account is the admin")

	second := signUp(t, srv.URL, "juliet@verona.it")
	assert.Equal(t, accounts.RoleUser, second.User.Role)

	resp := doJSON(t, http.MethodPost, base+"/auth/signin", "", api.CredentialsRequest{
		Email: "Juliet@Verona.it", Password: "forever-yours",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	session := decode[api.SessionResponse](t, resp)
	assert.Equal(t, second.User.ID, session.User.ID)

	resp = doJSON(t, http.MethodGet, base+"/auth/session", session.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "juliet@verona.it", decode[api.UserResponse](t, resp).User.Email)

	resp = doJSON(t, http.MethodPost, base+"/auth/signout", session.AccessToken, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, base+"/auth/session", session.AccessToken, nil)
	requireError(t, resp, http.StatusUnauthorized, api.CodeSessionNotFound)

	// Other sessions of the same user survive.
	resp = doJSON(t, http.MethodGet, base+"/auth/session", second.AccessToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthErrors(t *testing.T) {
	srv := setupServer(t)
	base := srv.URL + "/api/v1"
	signUp(t, srv.URL, "romeo@verona.it")

	t.Run("DuplicateEmail", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, base+"/auth/signup", "", api.CredentialsRequest{
			Email: "ROMEO@verona.it", Password: "another-secret",
		})
		requireError(t, resp, http.StatusUnprocessableEntity, api.CodeUserAlreadyExists)
	})

	t.Run("WeakPassword", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, base+"/auth/signup", "", api.CredentialsRequest{
			Email: "tybalt@verona.it", Password: "123",
		})
		requireError(t, resp, http.StatusUnprocessableEntity, api.CodeWeakPassword)
	})

	t.Run("InvalidEmail", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, base+"/auth/signup", "", api.CredentialsRequest{
			Email: "not-an-email", Password: "long-enough",
		})
		requireError(t, resp, http.StatusBadRequest, api.CodeEmailInvalid)
	})

	t.Run("WrongPassword", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, base+"/auth/signin", "", api.CredentialsRequest{
			Email: "romeo@verona.it", Password: "wrong-password",
		})
		requireError(t, resp, http.StatusBadRequest, api.CodeInvalidCredentials)
	})

	t.Run("UnknownEmailLooksTheSame", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, base+"/auth/signin", "", api.CredentialsRequest{
			Email: "nobody@verona.it", Password: "wrong-password",
		})
		requireError(t, resp, http.StatusBadRequest, api.CodeInvalidCredentials)
	})

	t.Run("MissingBearer", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, base+"/auth/session", "", nil)
		requireError(t, resp, http.StatusUnauthorized, api.CodeNoAuthorization)
	})

	t.Run("GarbageBearer", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, base+"/auth/session", "not.a.jwt", nil)
		requireError(t, resp, http.StatusUnauthorized, api.CodeBadJWT)
	})

	t.Run("UnknownField", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, base+"/auth/signin", "", map[string]string{
			"email": "romeo@verona.it", "password": "forever-yours", "remember": "yes",
		})
		requireError(t, resp, http.StatusBadRequest, api.CodeBadRequest)
	})

	t.Run("BodyTooLarge", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, base+"/auth/signin", "", api.CredentialsRequest{
			Email: "romeo@verona.it", Password: strings.Repeat("x", 8<<10),
		})
		requireError(t, resp, http.StatusRequestEntityTooLarge, api.CodeBodyTooLarge)
	})
}

func TestSignInRateLimit(t *testing.T) {
	srv := setupServer(t)
	base := srv.URL + "/api/v1"
	signUp(t, srv.URL, "romeo@verona.it")

	for range 5 {
		resp := doJSON(t, http.MethodPost, base+"/auth/signin", "", api.CredentialsRequest{
			Email: "romeo@verona.it", Password: "wrong-password",
		})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}

	// Even the right password is refused while locked out.
	resp := doJSON(t, http.MethodPost, base+"/auth/signin", "", api.CredentialsRequest{
		Email: "romeo@verona.it", Password: "forever-yours",
	})
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	requireError(t, resp, http.StatusTooManyRequests, api.CodeRateLimited)
}

func TestPasswordResetRequestIsSilent(t *testing.T) {
	srv := setupServer(t)
	base := srv.URL + "/api/v1"
	signUp(t, srv.URL, "romeo@verona.it")

	for _, email := range []string{"romeo@verona.it", "nobody@verona.it"} {
		resp := doJSON(t, http.MethodPost, base+"/auth/reset-password", "", api.ResetPasswordRequest{Email: email})
		assert.Equal(t, http.StatusNoContent, resp.StatusCode, email)
	}

	resp := doJSON(t, http.MethodPost, base+"/auth/reset-password/confirm", "", api.ConfirmResetRequest{
		Token: "forged", Password: "new-password",
	})
	requireError(t, resp, http.StatusForbidden, api.CodeOTPExpired)
}

func TestSitesLifecycle(t *testing.T) {
	srv := setupServer(t)
	base := srv.URL + "/api/v1"
	admin := signUp(t, srv.URL, "admin@heartreel.test")
	owner := signUp(t, srv.URL, "romeo@verona.it")
	stranger := signUp(t, srv.URL, "tybalt@verona.it")

	resp := doJSON(t, http.MethodGet, base+"/subscription", owner.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, site.PlanFree, decode[api.SubscriptionResponse](t, resp).Plan.Type)

	resp = doJSON(t, http.MethodPost, base+"/sites", owner.AccessToken, site.CreateInput{
		Slug: "Our-Story", Title: "Our Story", Config: json.RawMessage(`{"hero":{"title":"Us"}}`),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[api.SiteResponse](t, resp).Site
	assert.Equal(t, "our-story", created.Slug)
	assert.Equal(t, owner.User.ID, created.OwnerID)

	t.Run("PublicLookupHidesOwner", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, base+"/slugs/our-story", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		got := decode[api.SiteResponse](t, resp).Site
		assert.Equal(t, created.ID, got.ID)
		assert.Empty(t, got.OwnerID)
		assert.JSONEq(t, `{"hero":{"title":"Us"}}`, string(got.Config))
	})

	t.Run("UnknownSlug", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, base+"/slugs/nobody-here", "", nil)
		requireError(t, resp, http.StatusNotFound, api.CodeNotFound)
	})

	t.Run("FreePlanLimits", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, base+"/sites", owner.AccessToken, site.CreateInput{
			Slug: "second", Title: "Second",
		})
		requireError(t, resp, http.StatusForbidden, api.CodePlanLimit)

		resp = doJSON(t, http.MethodPost, base+"/sites", stranger.AccessToken, site.CreateInput{
			Slug: "secret", Title: "Secret", IsPrivate: true, Password: "1402",
		})
		requireError(t, resp, http.StatusForbidden, api.CodePlanLimit)
	})

	t.Run("SlugTaken", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, base+"/sites", stranger.AccessToken, site.CreateInput{
			Slug: "our-story", Title: "Mine",
		})
		requireError(t, resp, http.StatusConflict, api.CodeSlugTaken)
	})

	t.Run("ReservedSlug", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, base+"/sites", stranger.AccessToken, site.CreateInput{
			Slug: "dashboard", Title: "Nope",
		})
		requireError(t, resp, http.StatusBadRequest, api.CodeValidationFailed)
	})

	t.Run("OwnershipIsEnforced", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, base+"/sites/"+created.ID, stranger.AccessToken, nil)
		requireError(t, resp, http.StatusNotFound, api.CodeNotFound)
		resp = doJSON(t, http.MethodDelete, base+"/sites/"+created.ID, stranger.AccessToken, nil)
		requireError(t, resp, http.StatusNotFound, api.CodeNotFound)

		resp = doJSON(t, http.MethodGet, base+"/sites/"+created.ID, admin.AccessToken, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "admins can manage any site")
	})

	t.Run("ListOwnSites", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, base+"/sites", owner.AccessToken, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Len(t, decode[api.ListSitesResponse](t, resp).Sites, 1)

		resp = doJSON(t, http.MethodGet, base+"/sites", stranger.AccessToken, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotNil(t, decode[api.ListSitesResponse](t, resp).Sites)
	})

	t.Run("StatsRequireAnalytics", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, base+"/sites/"+created.ID+"/views", "", api.PageViewRequest{Path: "/our-story"})
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp = doJSON(t, http.MethodGet, base+"/sites/"+created.ID+"/stats", owner.AccessToken, nil)
		requireError(t, resp, http.StatusForbidden, api.CodePlanLimit)

		resp = doJSON(t, http.MethodPut, base+"/admin/users/"+owner.User.ID+"/plan", admin.AccessToken, api.SetPlanRequest{Plan: site.PlanPremium})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp = doJSON(t, http.MethodGet, base+"/sites/"+created.ID+"/stats", owner.AccessToken, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		stats := decode[site.Stats](t, resp)
		assert.Equal(t, uint64(1), stats.Views)
	})

	t.Run("UpdateAndDelete", func(t *testing.T) {
		private := true
		password := "1402"
		resp := doJSON(t, http.MethodPut, base+"/sites/"+created.ID, owner.AccessToken, site.UpdateInput{
			IsPrivate: &private, Password: &password,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, decode[api.SiteResponse](t, resp).Site.IsPrivate)

		resp = doJSON(t, http.MethodDelete, base+"/sites/"+created.ID, owner.AccessToken, nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp = doJSON(t, http.MethodGet, base+"/slugs/our-story", "", nil)
		requireError(t, resp, http.StatusNotFound, api.CodeNotFound)
	})
}

func TestUnlockSite(t *testing.T) {
	srv := setupServer(t)
	base := srv.URL + "/api/v1"
	admin := signUp(t, srv.URL, "admin@heartreel.test")

	resp := doJSON(t, http.MethodPost, base+"/sites", admin.AccessToken, site.CreateInput{
		Slug: "anniversary", Title: "Ten Years", IsPrivate: false,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	public := decode[api.SiteResponse](t, resp).Site

	resp = doJSON(t, http.MethodPut, base+"/admin/users/"+admin.User.ID+"/plan", admin.AccessToken, api.SetPlanRequest{Plan: site.PlanLifetime})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, base+"/sites", admin.AccessToken, site.CreateInput{
		Slug: "secret-garden", Title: "Secret", IsPrivate: true, Password: "1402",
		Config: json.RawMessage(`{"letter":"meet me at the balcony"}`),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	private := decode[api.SiteResponse](t, resp).Site

	resp = doJSON(t, http.MethodGet, base+"/slugs/secret-garden", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	locked := decode[api.SiteResponse](t, resp).Site
	assert.True(t, locked.IsPrivate)
	assert.Equal(t, "Secret", locked.Title)
	assert.Empty(t, locked.Config, "private content is withheld before unlock")
	assert.Empty(t, locked.OwnerID)

	unlock := func(siteID, pw string) *http.Response {
		return doJSON(t, http.MethodPost, base+"/sites/"+siteID+"/unlock", "", api.UnlockRequest{Password: pw})
	}

	resp = unlock(private.ID, "1402")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	unlocked := decode[api.UnlockResponse](t, resp)
	assert.True(t, unlocked.Valid)
	require.NotNil(t, unlocked.Site)
	assert.JSONEq(t, `{"letter":"meet me at the balcony"}`, string(unlocked.Site.Config))
	assert.Empty(t, unlocked.Site.OwnerID)

	resp = unlock(public.ID, "anything")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rejected := decode[api.UnlockResponse](t, resp)
	assert.False(t, rejected.Valid, "public sites have no password")
	assert.Nil(t, rejected.Site)

	resp = unlock(private.ID, "")
	requireError(t, resp, http.StatusBadRequest, api.CodeValidationFailed)

	resp = unlock("no-such-site", "1402")
	requireError(t, resp, http.StatusNotFound, api.CodeNotFound)

	for range 5 {
		resp = unlock(private.ID, "wrong")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.False(t, decode[api.UnlockResponse](t, resp).Valid)
	}
	resp = unlock(private.ID, "1402")
	requireError(t, resp, http.StatusTooManyRequests, api.CodeRateLimited)
}

func TestAdminEndpoints(t *testing.T) {
	srv := setupServer(t)
	base := srv.URL + "/api/v1"
	admin := signUp(t, srv.URL, "admin@heartreel.test")
	users := []api.SessionResponse{admin}
	for _, email := range []string{"a@verona.it", "b@verona.it", "c@verona.it"} {
		users = append(users, signUp(t, srv.URL, email))
	}

	resp := doJSON(t, http.MethodGet, base+"/admin/users", users[1].AccessToken, nil)
	requireError(t, resp, http.StatusForbidden, api.CodeForbidden)

	resp = doJSON(t, http.MethodGet, base+"/admin/users?limit=2&offset=1", admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[api.ListUsersResponse](t, resp)
	assert.Equal(t, 4, page.TotalCount)
	assert.True(t, page.HasMore)
	require.Len(t, page.Users, 2)

	resp = doJSON(t, http.MethodPut, base+"/admin/users/"+users[2].User.ID+"/plan", admin.AccessToken, api.SetPlanRequest{Plan: "platinum"})
	requireError(t, resp, http.StatusBadRequest, api.CodeValidationFailed)

	resp = doJSON(t, http.MethodPut, base+"/admin/users/no-such-user/plan", admin.AccessToken, api.SetPlanRequest{Plan: site.PlanPremium})
	requireError(t, resp, http.StatusNotFound, api.CodeUserNotFound)

	resp = doJSON(t, http.MethodPut, base+"/admin/users/"+users[2].User.ID+"/plan", admin.AccessToken, api.SetPlanRequest{Plan: site.PlanPremium})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The plan change is visible on the user's next request.
	resp = doJSON(t, http.MethodGet, base+"/subscription", users[2].AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	plan := decode[api.SubscriptionResponse](t, resp).Plan
	assert.Equal(t, site.PlanPremium, plan.Type)
	assert.True(t, plan.Features.PrivateSites)
}

func TestDocsAndHeaders(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/openapi.yaml", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "/slugs/{slug}")

	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Empty(t, resp.Header.Get("Strict-Transport-Security"), "plain HTTP gets no HSTS")
}
