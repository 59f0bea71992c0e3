package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/heartreel/heartreel/accounts"
	"github.com/heartreel/heartreel/site"
	"github.com/heartreel/heartreel/storage"
)

// Error codes carried in ErrorResponse.Code. The auth codes match the ones
// hosted identity providers use, so clients can share one translation table.
const (
	CodeInvalidCredentials = "invalid_credentials"
	CodeUserAlreadyExists  = "user_already_exists"
	CodeWeakPassword       = "weak_password"
	CodeEmailInvalid       = "email_address_invalid"
	CodeOTPExpired         = "otp_expired"
	CodeRateLimited        = "over_request_rate_limit"
	CodeNoAuthorization    = "no_authorization"
	CodeBadJWT             = "bad_jwt"
	CodeSessionNotFound    = "session_not_found"
	CodeForbidden          = "forbidden"
	CodeUserNotFound       = "user_not_found"
	CodeNotFound           = "not_found"
	CodeSlugTaken          = "slug_taken"
	CodePlanLimit          = "plan_limit"
	CodeValidationFailed   = "validation_failed"
	CodeConflict           = "conflict"
	CodeBadRequest         = "bad_json"
	CodeBodyTooLarge       = "request_too_large"
	CodeUnexpected         = "unexpected_failure"
)

const (
	maxAuthBodySize  = 4 << 10
	maxSmallBodySize = 16 << 10
	maxSiteBodySize  = 1 << 20
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// mapError translates a domain error into an HTTP response. Unknown errors
// are logged and reported as a generic 500.
func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	if verr, ok := errors.AsType[*site.ValidationError](err); ok {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, verr.Error())
		return
	}
	switch {
	case errors.Is(err, accounts.ErrInvalidCredentials):
		writeError(w, http.StatusBadRequest, CodeInvalidCredentials, "Invalid login credentials")
	case errors.Is(err, accounts.ErrEmailTaken):
		writeError(w, http.StatusUnprocessableEntity, CodeUserAlreadyExists, "User already registered")
	case errors.Is(err, accounts.ErrWeakPassword):
		writeError(w, http.StatusUnprocessableEntity, CodeWeakPassword, "Password should be at least 6 characters")
	case errors.Is(err, accounts.ErrInvalidEmail):
		writeError(w, http.StatusBadRequest, CodeEmailInvalid, "Unable to validate email address: invalid format")
	case errors.Is(err, accounts.ErrInvalidResetToken):
		writeError(w, http.StatusForbidden, CodeOTPExpired, "Email link is invalid or has expired")
	case errors.Is(err, accounts.ErrUserNotFound):
		writeError(w, http.StatusNotFound, CodeUserNotFound, "User not found")
	case errors.Is(err, site.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found")
	case errors.Is(err, site.ErrSlugTaken):
		writeError(w, http.StatusConflict, CodeSlugTaken, "This address is already taken")
	case errors.Is(err, site.ErrPlanLimit):
		writeError(w, http.StatusForbidden, CodePlanLimit, err.Error())
	case errors.Is(err, storage.ErrCASFailed):
		writeError(w, http.StatusConflict, CodeConflict, "The resource was modified concurrently; retry")
	default:
		a.logger.ErrorContext(r.Context(), "request failed", "error", err, "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, CodeUnexpected, "internal server error")
	}
}

// decodeJSON decodes a size-limited JSON body into T, writing a 4xx
// response and returning false on failure.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, maxSize int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		if _, ok := errors.AsType[*http.MaxBytesError](err); ok {
			writeError(w, http.StatusRequestEntityTooLarge, CodeBodyTooLarge, "request body too large")
		} else if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, CodeBadRequest, "request body is required")
		} else {
			writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}
