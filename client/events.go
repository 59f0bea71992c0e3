package client

import (
	"context"
	"net/http"

	"github.com/heartreel/heartreel/api"
	"github.com/heartreel/heartreel/session"
)

// Events subscribes to identity changes. The first event is always
// INITIAL_SESSION, carrying the session restored from the token store
// when the server still accepts it. The channel closes when ctx is done.
// An unconfigured Client returns a closed channel.
func (c *Client) Events(ctx context.Context) <-chan session.Event {
	ch := make(chan session.Event, eventBuffer)
	if !c.Configured() {
		close(ch)
		return ch
	}
	go func() {
		user, verified := c.restore(ctx)

		c.subsMu.Lock()
		id := c.nextSub
		c.nextSub++
		c.subs[id] = &subscriber{ctx: ctx, ch: ch}
		ch <- session.Event{Kind: session.EventInitialSession, User: user, Unverified: !verified}
		c.subsMu.Unlock()

		<-ctx.Done()
		c.subsMu.Lock()
		delete(c.subs, id)
		close(ch)
		c.subsMu.Unlock()
	}()
	return ch
}

func (c *Client) emit(ev session.Event) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, s := range c.subs {
		select {
		case s.ch <- ev:
		case <-s.ctx.Done():
		}
	}
}

// restore loads the stored token and asks the server who it belongs to.
// An unreachable server leaves the token stored for the next run and
// reports the session as unverified; a rejected token is discarded.
func (c *Client) restore(ctx context.Context) (*session.User, bool) {
	if c.accessToken() == "" && c.tokens != nil {
		tok, err := c.tokens.Load()
		if err != nil {
			c.logger.Warn("loading stored token", "error", err)
		}
		if tok != nil {
			c.mu.Lock()
			c.token = tok.AccessToken
			c.mu.Unlock()
		}
	}
	if c.accessToken() == "" {
		return nil, true
	}

	var resp api.UserResponse
	err := c.do(ctx, http.MethodGet, "/auth/session", nil, &resp, true)
	switch {
	case err == nil:
		return toUser(resp.User), true
	case IsStatus(err, http.StatusUnauthorized):
		return nil, true
	default:
		c.logger.Warn("restoring session", "error", err)
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		return nil, false
	}
}
