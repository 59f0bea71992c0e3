package api

import (
	"log/slog"
	"net/http"
)

// AuditEvent identifies a security-relevant action.
type AuditEvent string

const (
	AuditSignInSuccess       AuditEvent = "signin_success"
	AuditSignInFailure       AuditEvent = "signin_failure"
	AuditSignInRateLimited   AuditEvent = "signin_rate_limited"
	AuditSignUp              AuditEvent = "signup"
	AuditSignUpRateLimited   AuditEvent = "signup_rate_limited"
	AuditSignOut             AuditEvent = "signout"
	AuditPasswordResetSent   AuditEvent = "password_reset_requested"
	AuditPasswordResetDone   AuditEvent = "password_reset_completed"
	AuditSiteUnlockSuccess   AuditEvent = "site_unlock_success"
	AuditSiteUnlockFailure   AuditEvent = "site_unlock_failure"
	AuditSiteUnlockThrottled AuditEvent = "site_unlock_rate_limited"
	AuditSiteCreated         AuditEvent = "site_created"
	AuditSiteUpdated         AuditEvent = "site_updated"
	AuditSiteDeleted         AuditEvent = "site_deleted"
	AuditPlanChanged         AuditEvent = "plan_changed"
)

// auditLogger wraps slog.Logger for structured audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	ipFunc  func(*http.Request) string
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
		ipFunc: extractClientIP,
	}
}

func extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, nil)
}

func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("client_ip", al.ipFunc(r)),
	}
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", append(base, attrs...)...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
}

// logEvent records an event attributed to a user.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, userID string, extra ...slog.Attr) {
	al.log(event, r, append([]slog.Attr{slog.String("user_id", userID)}, extra...)...)
}

// logFailure records a failed or refused attempt.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	al.log(event, r, append([]slog.Attr{slog.String("reason", reason)}, extra...)...)
}
