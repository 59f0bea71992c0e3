package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/heartreel/heartreel/accounts"
)

type contextKey int

const authKey contextKey = iota

// authInfo is the authenticated caller attached to the request context.
type authInfo struct {
	User      *accounts.User
	SessionID string
}

// AuthMiddleware authenticates a bearer access token. The token must verify
// and its session must still be live; the account is reloaded so role and
// plan changes apply immediately.
func (a *API) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, CodeNoAuthorization, "This endpoint requires a Bearer token")
			return
		}
		claims, err := a.tokens.Parse(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, CodeBadJWT, "invalid JWT")
			return
		}
		sess, ok := a.sessions.Get(claims.ID)
		if !ok || sess.UserID != claims.Subject {
			writeError(w, http.StatusUnauthorized, CodeSessionNotFound, "Session not found")
			return
		}
		user, err := a.accounts.Get(r.Context(), claims.Subject)
		if errors.Is(err, accounts.ErrUserNotFound) {
			a.sessions.Delete(claims.ID)
			writeError(w, http.StatusUnauthorized, CodeSessionNotFound, "Session not found")
			return
		}
		if err != nil {
			a.mapError(w, r, err)
			return
		}

		sess.LastAccessedAt = a.now()
		a.sessions.Put(claims.ID, sess)

		ctx := context.WithValue(r.Context(), authKey, &authInfo{User: user, SessionID: claims.ID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin rejects callers without the admin role. It must run after
// AuthMiddleware.
func (a *API) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !userFromContext(r.Context()).IsAdmin() {
			writeError(w, http.StatusForbidden, CodeForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

func authFromContext(ctx context.Context) *authInfo {
	info, _ := ctx.Value(authKey).(*authInfo)
	return info
}

func userFromContext(ctx context.Context) *accounts.User {
	if info := authFromContext(ctx); info != nil {
		return info.User
	}
	return nil
}
