package api

import (
	"github.com/heartreel/heartreel/accounts"
	"github.com/heartreel/heartreel/site"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitzero"`
}

// CredentialsRequest is the JSON body for POST /auth/signup and /auth/signin.
type CredentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SessionResponse is returned from sign-up and sign-in.
type SessionResponse struct {
	AccessToken string         `json:"access_token"`
	TokenType   string         `json:"token_type"`
	ExpiresIn   int64          `json:"expires_in"`
	ExpiresAt   int64          `json:"expires_at"`
	User        *accounts.User `json:"user"`
}

// UserResponse is returned from GET /auth/session.
type UserResponse struct {
	User *accounts.User `json:"user"`
}

// ResetPasswordRequest is the JSON body for POST /auth/reset-password.
type ResetPasswordRequest struct {
	Email string `json:"email"`
}

// ConfirmResetRequest is the JSON body for POST /auth/reset-password/confirm.
type ConfirmResetRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// SubscriptionResponse is returned from GET /subscription.
type SubscriptionResponse struct {
	Plan site.Plan `json:"plan"`
}

// UnlockRequest is the JSON body for POST /sites/{siteID}/unlock.
type UnlockRequest struct {
	Password string `json:"password"`
}

// UnlockResponse reports whether the submitted site password matched. Site
// carries the full site, content included, when it did.
type UnlockResponse struct {
	Valid bool       `json:"valid"`
	Site  *site.Site `json:"site,omitzero"`
}

// PageViewRequest is the JSON body for POST /sites/{siteID}/views.
type PageViewRequest struct {
	Path string `json:"path"`
}

// SiteResponse wraps a single site.
type SiteResponse struct {
	Site *site.Site `json:"site"`
}

// ListSitesResponse is returned from GET /sites.
type ListSitesResponse struct {
	Sites []*site.Site `json:"sites"`
}

// ListUsersResponse is returned from GET /admin/users.
type ListUsersResponse struct {
	Users []*accounts.User `json:"users"`
	PaginationMeta
}

// SetPlanRequest is the JSON body for PUT /admin/users/{userID}/plan.
type SetPlanRequest struct {
	Plan site.PlanType `json:"plan"`
}
