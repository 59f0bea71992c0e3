package session

import (
	"errors"
	"strings"
)

// BackendError is implemented by identity-backend errors that carry a
// machine-readable code alongside the provider's message.
type BackendError interface {
	error
	ErrorCode() string
	ErrorMessage() string
}

// Translator turns a backend failure into a user-facing message. ok is
// false when the error is not recognised.
type Translator interface {
	Translate(err error) (msg string, ok bool)
}

// AuthError is returned by the Manager's commands. Message is safe to show
// to the user; Err is the underlying cause.
type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string { return e.Message }

func (e *AuthError) Unwrap() error { return e.Err }

type pattern struct {
	substr string
	msg    string
}

// MessageTable translates errors in three tiers: exact provider message,
// then error code, then case-insensitive substring.
type MessageTable struct {
	Exact    map[string]string
	Codes    map[string]string
	patterns []pattern
}

// AddPattern appends a substring rule. Rules are tried in insertion order.
func (t *MessageTable) AddPattern(substr, msg string) {
	t.patterns = append(t.patterns, pattern{substr: strings.ToLower(substr), msg: msg})
}

func (t *MessageTable) Translate(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	raw := err.Error()
	code := ""
	if be, ok := errors.AsType[BackendError](err); ok {
		raw = be.ErrorMessage()
		code = be.ErrorCode()
	}
	if msg, ok := t.Exact[raw]; ok {
		return msg, true
	}
	if msg, ok := t.Codes[code]; ok && code != "" {
		return msg, true
	}
	lower := strings.ToLower(raw)
	for _, p := range t.patterns {
		if strings.Contains(lower, p.substr) {
			return p.msg, true
		}
	}
	return "", false
}

const (
	msgInvalidCredentials = "Incorrect email or password."
	msgUserExists         = "An account with this email already exists."
	msgWeakPassword       = "Your password must be at least 6 characters long."
	msgInvalidEmail       = "Please enter a valid email address."
	msgEmailNotConfirmed  = "Please confirm your email before signing in."
	msgRateLimited        = "Too many attempts. Please wait a moment and try again."
	msgLinkExpired        = "This link is invalid or has expired. Please request a new one."
	msgSessionExpired     = "Your session has expired. Please sign in again."
	msgUnreachable        = "Could not reach the server. Check your connection and try again."
	msgNotConfigured      = "Sign-in is not available right now."
)

// DefaultMessages returns the English message table.
func DefaultMessages() *MessageTable {
	t := &MessageTable{
		Exact: map[string]string{
			"Invalid login credentials":                        msgInvalidCredentials,
			"User already registered":                          msgUserExists,
			"Password should be at least 6 characters":         msgWeakPassword,
			"Unable to validate email address: invalid format": msgInvalidEmail,
			"Email not confirmed":                              msgEmailNotConfirmed,
			"Email link is invalid or has expired":             msgLinkExpired,
		},
		Codes: map[string]string{
			"invalid_credentials":        msgInvalidCredentials,
			"user_already_exists":        msgUserExists,
			"email_exists":               msgUserExists,
			"weak_password":              msgWeakPassword,
			"email_address_invalid":      msgInvalidEmail,
			"email_not_confirmed":        msgEmailNotConfirmed,
			"over_request_rate_limit":    msgRateLimited,
			"over_email_send_rate_limit": msgRateLimited,
			"otp_expired":                msgLinkExpired,
			"session_not_found":          msgSessionExpired,
			"bad_jwt":                    msgSessionExpired,
		},
	}
	t.AddPattern("rate limit", msgRateLimited)
	t.AddPattern("too many", msgRateLimited)
	t.AddPattern("not configured", msgNotConfigured)
	t.AddPattern("connection refused", msgUnreachable)
	t.AddPattern("no such host", msgUnreachable)
	t.AddPattern("timeout", msgUnreachable)
	t.AddPattern("network", msgUnreachable)
	t.AddPattern("at least 6 characters", msgWeakPassword)
	t.AddPattern("already registered", msgUserExists)
	t.AddPattern("invalid email", msgInvalidEmail)
	return t
}
