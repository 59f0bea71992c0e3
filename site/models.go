// Package site holds the microsite model, subscription plans and the
// server-side site store.
package site

import (
	"encoding/json"
	"time"

	"github.com/heartreel/heartreel/internal/util"
)

// Site is a single microsite as served to clients. Config is the opaque
// content payload produced by the editor.
type Site struct {
	ID        string          `json:"id"`
	Slug      string          `json:"slug"`
	Title     string          `json:"title"`
	OwnerID   string          `json:"owner_id,omitzero"`
	IsPrivate bool            `json:"is_private"`
	Config    json.RawMessage `json:"config,omitzero"`
	CreatedAt time.Time       `json:"created_at,omitzero"`
	UpdatedAt time.Time       `json:"updated_at,omitzero"`
}

// Public returns a copy of s safe for anonymous callers. The owner is
// cleared, and so is the content of a private site.
func (s *Site) Public() *Site {
	cp := s.Unlocked()
	if cp.IsPrivate {
		cp.Config = nil
	}
	return cp
}

// Unlocked returns a copy of s with its content for a caller who knows the
// password. The owner is cleared.
func (s *Site) Unlocked() *Site {
	cp := *s
	cp.OwnerID = ""
	return &cp
}

// siteRecord is the stored form of a Site. The password hash never leaves
// this package.
type siteRecord struct {
	Site
	Password *util.PasswordHash `json:"password,omitzero"`
}

// CreateInput is the payload for Store.Create.
type CreateInput struct {
	Slug      string          `json:"slug"`
	Title     string          `json:"title"`
	IsPrivate bool            `json:"is_private"`
	Password  string          `json:"password,omitzero"`
	Config    json.RawMessage `json:"config,omitzero"`
}

// UpdateInput is the payload for Store.Update. Nil fields are left unchanged.
type UpdateInput struct {
	Slug      *string         `json:"slug,omitzero"`
	Title     *string         `json:"title,omitzero"`
	IsPrivate *bool           `json:"is_private,omitzero"`
	Password  *string         `json:"password,omitzero"`
	Config    json.RawMessage `json:"config,omitzero"`
}

// PageView is one recorded visit.
type PageView struct {
	ID       string    `json:"id"`
	SiteID   string    `json:"site_id"`
	Path     string    `json:"path"`
	ViewedAt time.Time `json:"viewed_at"`
}

// Stats summarises the page views of one site.
type Stats struct {
	SiteID       string     `json:"site_id"`
	Views        uint64     `json:"views"`
	LastViewedAt *time.Time `json:"last_viewed_at,omitzero"`
}
