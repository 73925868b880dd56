package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditRateLimited         AuditEvent = "rate_limited"
	AuditAnomalyBlocked      AuditEvent = "anomaly_blocked"
	AuditAnomalyFlagged      AuditEvent = "anomaly_flagged"
	AuditTokenRejected       AuditEvent = "token_rejected"
	AuditFingerprintMismatch AuditEvent = "fingerprint_mismatch"
	AuditSessionInvalidated  AuditEvent = "session_invalidated"
	AuditQuotaExhausted      AuditEvent = "quota_exhausted"
	AuditLoginSuccess        AuditEvent = "login_success"
	AuditLoginFailure        AuditEvent = "login_failure"
	AuditLoginRateLimited    AuditEvent = "login_rate_limited"
	AuditDemoIssued          AuditEvent = "demo_issued"
	AuditTokenRefreshed      AuditEvent = "token_refreshed"
	AuditLogout              AuditEvent = "logout"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	alerts  *metricsCollector
	webhook *auditWebhook
}

func newAuditLogger(logger *slog.Logger, alerts *metricsCollector, webhook *auditWebhook) *auditLogger {
	return &auditLogger{
		logger:  logger.With("component", "audit"),
		alerts:  alerts,
		webhook: webhook,
	}
}

// log writes an audit entry at info level and forwards it to the alert
// collector and the webhook.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	al.write(r.Context(), slog.LevelInfo, event, r, attrs)
	if al.alerts != nil {
		al.alerts.recordEvent(event)
	}
	if al.webhook != nil {
		al.webhook.enqueue(newWebhookEvent(event, r, attrs))
	}
}

// debug writes an entry for routine degradations such as an ignored token.
// These are not forwarded.
func (al *auditLogger) debug(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	al.write(r.Context(), slog.LevelDebug, event, r, attrs)
}

func (al *auditLogger) write(ctx context.Context, level slog.Level, event AuditEvent, r *http.Request, attrs []slog.Attr) {
	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("request_id", chimw.GetReqID(ctx)),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	al.logger.LogAttrs(ctx, level, "audit", append(base, attrs...)...)
}

// logUser is a convenience for events tied to a user.
func (al *auditLogger) logUser(event AuditEvent, r *http.Request, userID string, extra ...slog.Attr) {
	attrs := append([]slog.Attr{slog.String("user_id", userID)}, extra...)
	al.log(event, r, attrs...)
}

func newWebhookEvent(event AuditEvent, r *http.Request, attrs []slog.Attr) webhookEvent {
	evt := webhookEvent{
		Event:      string(event),
		RemoteAddr: r.RemoteAddr,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	if len(attrs) > 0 {
		evt.Attrs = make(map[string]string, len(attrs))
		for _, a := range attrs {
			if a.Key == "user_id" {
				evt.UserID = a.Value.String()
				continue
			}
			evt.Attrs[a.Key] = fmt.Sprint(a.Value.Any())
		}
	}
	return evt
}
