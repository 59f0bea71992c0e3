package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/heartreel/heartreel/site"
)

// ListUsers handles GET /admin/users.
func (a *API) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.accounts.List(r.Context())
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	limit, offset := parsePagination(r)
	page, meta := paginate(users, limit, offset)
	writeJSON(w, http.StatusOK, ListUsersResponse{Users: page, PaginationMeta: meta})
}

// SetUserPlan handles PUT /admin/users/{userID}/plan.
func (a *API) SetUserPlan(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[SetPlanRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	if _, err := site.PlanFor(req.Plan); err != nil || req.Plan == "" {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "plan must be one of free, premium, lifetime")
		return
	}
	user, err := a.accounts.SetPlan(r.Context(), chi.URLParam(r, "userID"), req.Plan)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditPlanChanged, r, userFromContext(r.Context()).ID,
		slog.String("target_user_id", user.ID), slog.String("plan", string(user.Plan)))
	writeJSON(w, http.StatusOK, UserResponse{User: user})
}
