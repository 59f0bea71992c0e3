// Package accounts is the identity provider behind the REST API: accounts,
// access tokens, server-side sessions and password resets.
package accounts

import (
	"time"

	"github.com/heartreel/heartreel/internal/util"
	"github.com/heartreel/heartreel/site"
)

// Role is an account's authorization level.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is the public view of an account.
type User struct {
	ID        string        `json:"id"`
	Email     string        `json:"email"`
	Role      Role          `json:"role"`
	Plan      site.PlanType `json:"plan"`
	CreatedAt time.Time     `json:"created_at"`
}

// IsAdmin reports whether u may use the admin endpoints.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

type accountRecord struct {
	User
	Password util.PasswordHash `json:"password"`
}

type emailIndex struct {
	UserID string `json:"user_id"`
}

type resetRecord struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}
