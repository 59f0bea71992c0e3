// Package client talks to the heartreel REST API. A Client is the
// identity backend, plan source, site fetcher, page-view recorder and
// password validator of the viewer.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/heartreel/heartreel/accounts"
	"github.com/heartreel/heartreel/api"
	"github.com/heartreel/heartreel/localstore"
	"github.com/heartreel/heartreel/session"
	"github.com/heartreel/heartreel/site"
	"github.com/heartreel/heartreel/unlock"
	"github.com/heartreel/heartreel/view"
)

const (
	apiPrefix      = "/api/v1"
	defaultTimeout = 15 * time.Second
	eventBuffer    = 8
)

var (
	_ session.IdentityBackend = (*Client)(nil)
	_ session.PlanSource      = (*Client)(nil)
	_ view.SiteFetcher        = (*Client)(nil)
	_ view.PageViewRecorder   = (*Client)(nil)
	_ unlock.Validator        = (*Client)(nil)
)

// TokenStore persists the access token between runs.
type TokenStore interface {
	Load() (*localstore.Token, error)
	Save(localstore.Token) error
	Clear() error
}

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenStore
	logger  *slog.Logger

	mu    sync.Mutex
	token string

	subsMu  sync.Mutex
	subs    map[int]*subscriber
	nextSub int
}

type subscriber struct {
	ctx context.Context
	ch  chan session.Event
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client, which has a 15s timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTokenStore persists the access token so a later run can restore
// the session.
func WithTokenStore(ts TokenStore) Option {
	return func(c *Client) {
		c.tokens = ts
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New returns a Client for the server at baseURL, e.g.
// "https://heartreel.example". An empty baseURL yields an unconfigured
// Client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		subs:    make(map[int]*subscriber),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: defaultTimeout}
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	c.logger = c.logger.With("component", "client")
	return c
}

func (c *Client) Configured() bool {
	return c.baseURL != ""
}

func (c *Client) accessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) setToken(tok string, expiresAt time.Time) {
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
	if c.tokens == nil {
		return
	}
	if tok == "" {
		if err := c.tokens.Clear(); err != nil {
			c.logger.Warn("clearing stored token", "error", err)
		}
		return
	}
	if err := c.tokens.Save(localstore.Token{AccessToken: tok, ExpiresAt: expiresAt}); err != nil {
		c.logger.Warn("storing token", "error", err)
	}
}

// do sends a JSON request and decodes a JSON response into out. With auth
// set, the bearer token is attached and a 401 ends the local session.
func (c *Client) do(ctx context.Context, method, path string, body, out any, auth bool) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, rdr)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token := ""
	if auth {
		token = c.accessToken()
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		err := decodeError(resp)
		if auth && token != "" && resp.StatusCode == http.StatusUnauthorized {
			c.expire(token)
		}
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

// expire drops a token the server rejected and announces the sign-out,
// unless a newer token replaced it meanwhile.
func (c *Client) expire(token string) {
	c.mu.Lock()
	if c.token != token {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.logger.Info("session rejected by server")
	c.setToken("", time.Time{})
	c.emit(session.Event{Kind: session.EventSignedOut})
}

func toUser(u *accounts.User) *session.User {
	if u == nil {
		return nil
	}
	return &session.User{ID: u.ID, Email: u.Email, Role: string(u.Role)}
}

func (c *Client) startSession(resp api.SessionResponse) *session.User {
	c.setToken(resp.AccessToken, time.Unix(resp.ExpiresAt, 0))
	u := toUser(resp.User)
	c.emit(session.Event{Kind: session.EventSignedIn, User: u})
	return u
}

func (c *Client) SignIn(ctx context.Context, email, password string) (*session.User, error) {
	var resp api.SessionResponse
	err := c.do(ctx, http.MethodPost, "/auth/signin", api.CredentialsRequest{Email: email, Password: password}, &resp, false)
	if err != nil {
		return nil, err
	}
	return c.startSession(resp), nil
}

func (c *Client) SignUp(ctx context.Context, email, password string) (*session.User, error) {
	var resp api.SessionResponse
	err := c.do(ctx, http.MethodPost, "/auth/signup", api.CredentialsRequest{Email: email, Password: password}, &resp, false)
	if err != nil {
		return nil, err
	}
	return c.startSession(resp), nil
}

// SignOut revokes the session on the server. The local token is dropped
// and SIGNED_OUT announced whatever the server says.
func (c *Client) SignOut(ctx context.Context) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	token := c.accessToken()
	var err error
	if token != "" {
		err = c.do(ctx, http.MethodPost, "/auth/signout", nil, nil, true)
		if IsStatus(err, http.StatusUnauthorized) {
			// Already revoked; expire has announced it.
			return nil
		}
	}
	c.setToken("", time.Time{})
	c.emit(session.Event{Kind: session.EventSignedOut})
	return err
}

func (c *Client) ResetPassword(ctx context.Context, email string) error {
	return c.do(ctx, http.MethodPost, "/auth/reset-password", api.ResetPasswordRequest{Email: email}, nil, false)
}

// ConfirmPasswordReset sets a new password using the emailed token and
// signs the user in.
func (c *Client) ConfirmPasswordReset(ctx context.Context, token, password string) (*session.User, error) {
	var resp api.SessionResponse
	err := c.do(ctx, http.MethodPost, "/auth/reset-password/confirm", api.ConfirmResetRequest{Token: token, Password: password}, &resp, false)
	if err != nil {
		return nil, err
	}
	return c.startSession(resp), nil
}

// FetchSubscriptionPlan returns nil, nil when nobody is signed in.
func (c *Client) FetchSubscriptionPlan(ctx context.Context) (*site.Plan, error) {
	if c.Configured() && c.accessToken() == "" {
		return nil, nil
	}
	var resp api.SubscriptionResponse
	if err := c.do(ctx, http.MethodGet, "/subscription", nil, &resp, true); err != nil {
		return nil, err
	}
	return &resp.Plan, nil
}

// FetchSiteBySlug returns nil, nil when no site has slug.
func (c *Client) FetchSiteBySlug(ctx context.Context, slug string) (*site.Site, error) {
	var resp api.SiteResponse
	err := c.do(ctx, http.MethodGet, "/slugs/"+url.PathEscape(slug), nil, &resp, false)
	if IsStatus(err, http.StatusNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return resp.Site, nil
}

func (c *Client) RecordPageView(ctx context.Context, siteID, path string) error {
	return c.do(ctx, http.MethodPost, "/sites/"+url.PathEscape(siteID)+"/views", api.PageViewRequest{Path: path}, nil, false)
}

// UnlockSite submits a site password. A correct password returns the site
// with its content; a wrong one returns nil, nil.
func (c *Client) UnlockSite(ctx context.Context, siteID, password string) (*site.Site, error) {
	var resp api.UnlockResponse
	err := c.do(ctx, http.MethodPost, "/sites/"+url.PathEscape(siteID)+"/unlock", api.UnlockRequest{Password: password}, &resp, false)
	if err != nil {
		return nil, err
	}
	if !resp.Valid {
		return nil, nil
	}
	if resp.Site == nil {
		return nil, errNoUnlockedSite
	}
	return resp.Site, nil
}

// ListSites returns the signed-in user's sites.
func (c *Client) ListSites(ctx context.Context) ([]*site.Site, error) {
	var resp api.ListSitesResponse
	if err := c.do(ctx, http.MethodGet, "/sites", nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Sites, nil
}
