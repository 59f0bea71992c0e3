package api

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"

	"github.com/heartreel/heartreel/accounts"
	"github.com/heartreel/heartreel/internal/util"
)

// SignUp handles POST /auth/signup.
func (a *API) SignUp(w http.ResponseWriter, r *http.Request) {
	// Rate-limit before any KDF work.
	clientIP := a.extractClientIP(r)
	if blocked, retryAfter := a.limits.signupGlobal.check(); blocked {
		a.audit.logFailure(AuditSignUpRateLimited, r, "global rate limited")
		writeRateLimited(w, retryAfter)
		return
	}
	if blocked, retryAfter := a.limits.signupIP.check(clientIP); blocked {
		a.audit.logFailure(AuditSignUpRateLimited, r, "ip rate limited")
		writeRateLimited(w, retryAfter)
		return
	}

	req, ok := decodeJSON[CredentialsRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}

	a.limits.signupIP.recordFailure(clientIP)
	a.limits.signupGlobal.record()

	user, err := a.accounts.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditSignUp, r, user.ID, slog.String("role", string(user.Role)))
	a.issueSession(w, r, user, http.StatusCreated)
}

// SignIn handles POST /auth/signin.
func (a *API) SignIn(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CredentialsRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}

	clientIP := a.extractClientIP(r)
	accountKey := emailKey(req.Email)
	if blocked, retryAfter := a.limits.signinGlobal.check(); blocked {
		a.audit.logFailure(AuditSignInRateLimited, r, "global rate limited")
		writeRateLimited(w, retryAfter)
		return
	}
	if blocked, retryAfter := a.limits.signinIP.check(clientIP); blocked {
		a.audit.logFailure(AuditSignInRateLimited, r, "ip rate limited")
		writeRateLimited(w, retryAfter)
		return
	}
	if blocked, retryAfter := a.limits.signinAccount.check(accountKey); blocked {
		a.audit.logFailure(AuditSignInRateLimited, r, "account rate limited", slog.String("account_key", accountKey))
		writeRateLimited(w, retryAfter)
		return
	}

	user, err := a.accounts.Authenticate(r.Context(), req.Email, req.Password)
	if errors.Is(err, accounts.ErrInvalidCredentials) {
		a.limits.signinAccount.recordFailure(accountKey)
		a.limits.signinIP.recordFailure(clientIP)
		a.limits.signinGlobal.record()
		a.audit.logFailure(AuditSignInFailure, r, "invalid credentials", slog.String("account_key", accountKey))
		a.mapError(w, r, err)
		return
	}
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	a.limits.signinAccount.recordSuccess(accountKey)
	a.limits.signinIP.recordSuccess(clientIP)
	a.audit.logEvent(AuditSignInSuccess, r, user.ID)
	a.issueSession(w, r, user, http.StatusOK)
}

// SignOut handles POST /auth/signout. It revokes the caller's session.
func (a *API) SignOut(w http.ResponseWriter, r *http.Request) {
	info := authFromContext(r.Context())
	a.sessions.Delete(info.SessionID)
	a.audit.logEvent(AuditSignOut, r, info.User.ID)
	w.WriteHeader(http.StatusNoContent)
}

// CurrentSession handles GET /auth/session.
func (a *API) CurrentSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, UserResponse{User: userFromContext(r.Context())})
}

// RequestPasswordReset handles POST /auth/reset-password. The response is
// the same whether or not the address has an account.
func (a *API) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	clientIP := a.extractClientIP(r)
	if blocked, retryAfter := a.limits.resetIP.check(clientIP); blocked {
		writeRateLimited(w, retryAfter)
		return
	}
	req, ok := decodeJSON[ResetPasswordRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	a.limits.resetIP.recordFailure(clientIP)

	if err := a.accounts.RequestPasswordReset(r.Context(), req.Email); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.log(AuditPasswordResetSent, r, slog.String("account_key", emailKey(req.Email)))
	w.WriteHeader(http.StatusNoContent)
}

// ConfirmPasswordReset handles POST /auth/reset-password/confirm.
func (a *API) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ConfirmResetRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "token is required")
		return
	}
	user, err := a.accounts.CompletePasswordReset(r.Context(), req.Token, req.Password)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditPasswordResetDone, r, user.ID)
	a.issueSession(w, r, user, http.StatusOK)
}

// GetSubscription handles GET /subscription.
func (a *API) GetSubscription(w http.ResponseWriter, r *http.Request) {
	plan, err := a.accounts.Plan(r.Context(), userFromContext(r.Context()).ID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SubscriptionResponse{Plan: plan})
}

// issueSession signs an access token for user, records its server-side
// session and writes the SessionResponse.
func (a *API) issueSession(w http.ResponseWriter, r *http.Request, user *accounts.User, status int) {
	token, claims, err := a.tokens.Issue(user)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	now := a.now()
	expiresAt := claims.ExpiresAt.Time
	a.sessions.Put(claims.ID, accounts.Session{
		UserID:         user.ID,
		CreatedAt:      now,
		ExpiresAt:      expiresAt,
		LastAccessedAt: now,
	})
	writeJSON(w, status, SessionResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(expiresAt.Sub(now).Seconds()),
		ExpiresAt:   expiresAt.Unix(),
		User:        user,
	})
}

// emailKey is the rate-limit and audit key for an email address.
func emailKey(email string) string {
	sum := sha256.Sum256([]byte(util.NormalizeEmail(email)))
	return hex.EncodeToString(sum[:8])
}
