package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/heartreel/heartreel/site"
)

// GetSiteBySlug handles GET /slugs/{slug}. The owner is never exposed and
// private content is withheld until unlock.
func (a *API) GetSiteBySlug(w http.ResponseWriter, r *http.Request) {
	s, err := a.sites.GetBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SiteResponse{Site: s.Public()})
}

// UnlockSite handles POST /sites/{siteID}/unlock. Wrong passwords are
// throttled per site and client IP.
func (a *API) UnlockSite(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "siteID")
	key := siteID + "|" + a.extractClientIP(r)
	if blocked, retryAfter := a.limits.unlock.check(key); blocked {
		a.audit.logFailure(AuditSiteUnlockThrottled, r, "rate limited", slog.String("site_id", siteID))
		writeRateLimited(w, retryAfter)
		return
	}

	req, ok := decodeJSON[UnlockRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "password is required")
		return
	}

	valid, err := a.sites.ValidatePassword(r.Context(), siteID, req.Password)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if !valid {
		a.limits.unlock.recordFailure(key)
		a.audit.logFailure(AuditSiteUnlockFailure, r, "wrong password", slog.String("site_id", siteID))
		writeJSON(w, http.StatusOK, UnlockResponse{Valid: false})
		return
	}
	s, err := a.sites.Get(r.Context(), siteID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.limits.unlock.recordSuccess(key)
	a.audit.log(AuditSiteUnlockSuccess, r, slog.String("site_id", siteID))
	writeJSON(w, http.StatusOK, UnlockResponse{Valid: true, Site: s.Unlocked()})
}

// RecordPageView handles POST /sites/{siteID}/views.
func (a *API) RecordPageView(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[PageViewRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if err := a.sites.RecordPageView(r.Context(), chi.URLParam(r, "siteID"), req.Path); err != nil {
		a.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSites handles GET /sites. Callers see their own sites.
func (a *API) ListSites(w http.ResponseWriter, r *http.Request) {
	sites, err := a.sites.ListByOwner(r.Context(), userFromContext(r.Context()).ID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if sites == nil {
		sites = []*site.Site{}
	}
	writeJSON(w, http.StatusOK, ListSitesResponse{Sites: sites})
}

// CreateSite handles POST /sites.
func (a *API) CreateSite(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[site.CreateInput](w, r, maxSiteBodySize)
	if !ok {
		return
	}
	user := userFromContext(r.Context())
	plan, err := a.accounts.Plan(r.Context(), user.ID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	s, err := a.sites.Create(r.Context(), user.ID, plan, req)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditSiteCreated, r, user.ID, slog.String("site_id", s.ID), slog.String("slug", s.Slug))
	writeJSON(w, http.StatusCreated, SiteResponse{Site: s})
}

// GetSite handles GET /sites/{siteID}.
func (a *API) GetSite(w http.ResponseWriter, r *http.Request) {
	s, ok := a.ownedSite(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, SiteResponse{Site: s})
}

// UpdateSite handles PUT /sites/{siteID}.
func (a *API) UpdateSite(w http.ResponseWriter, r *http.Request) {
	s, ok := a.ownedSite(w, r)
	if !ok {
		return
	}
	req, ok := decodeJSON[site.UpdateInput](w, r, maxSiteBodySize)
	if !ok {
		return
	}
	// Limits follow the owner's plan, even when an admin edits.
	plan, err := a.accounts.Plan(r.Context(), s.OwnerID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	updated, err := a.sites.Update(r.Context(), s.ID, plan, req)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditSiteUpdated, r, userFromContext(r.Context()).ID, slog.String("site_id", s.ID))
	writeJSON(w, http.StatusOK, SiteResponse{Site: updated})
}

// DeleteSite handles DELETE /sites/{siteID}.
func (a *API) DeleteSite(w http.ResponseWriter, r *http.Request) {
	s, ok := a.ownedSite(w, r)
	if !ok {
		return
	}
	if err := a.sites.Delete(r.Context(), s.ID); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditSiteDeleted, r, userFromContext(r.Context()).ID, slog.String("site_id", s.ID), slog.String("slug", s.Slug))
	w.WriteHeader(http.StatusNoContent)
}

// GetSiteStats handles GET /sites/{siteID}/stats. Requires a plan with
// analytics unless the caller is an admin.
func (a *API) GetSiteStats(w http.ResponseWriter, r *http.Request) {
	s, ok := a.ownedSite(w, r)
	if !ok {
		return
	}
	user := userFromContext(r.Context())
	if !user.IsAdmin() {
		plan, err := a.accounts.Plan(r.Context(), user.ID)
		if err != nil {
			a.mapError(w, r, err)
			return
		}
		if !plan.Features.Analytics {
			writeError(w, http.StatusForbidden, CodePlanLimit, "analytics require a premium plan")
			return
		}
	}
	stats, err := a.sites.Stats(r.Context(), s.ID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ownedSite loads the site named by the URL and checks that the caller owns
// it or is an admin. Other callers get a 404 so site IDs are not probeable.
func (a *API) ownedSite(w http.ResponseWriter, r *http.Request) (*site.Site, bool) {
	s, err := a.sites.Get(r.Context(), chi.URLParam(r, "siteID"))
	if err != nil {
		a.mapError(w, r, err)
		return nil, false
	}
	user := userFromContext(r.Context())
	if s.OwnerID != user.ID && !user.IsAdmin() {
		a.mapError(w, r, site.ErrNotFound)
		return nil, false
	}
	return s, true
}
