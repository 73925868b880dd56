package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/jmcleod/gatewarden/anomaly"
	"github.com/jmcleod/gatewarden/guard"
	"github.com/jmcleod/gatewarden/session"
)

type contextKey int

const evaluationKey contextKey = iota

// Response and request headers.
const (
	HeaderRiskLevel         = "X-Risk-Level"
	HeaderRiskReasons       = "X-Risk-Reasons"
	HeaderAuthStatus        = "X-Auth-Status"
	HeaderDeviceFingerprint = "X-Device-Fingerprint"
	HeaderRateLimitLimit    = "X-RateLimit-Limit"
	HeaderRateLimitRemain   = "X-RateLimit-Remaining"
	HeaderRateLimitReset    = "X-RateLimit-Reset"
)

// Values of HeaderAuthStatus.
const (
	AuthStatusInvalid             = "invalid"
	AuthStatusExpired             = "expired"
	AuthStatusFingerprintMismatch = "fingerprint_mismatch"
	AuthStatusInvalidated         = "invalidated"
	AuthStatusMissing             = "missing"
)

// evaluation is what the guard middleware leaves for handlers.
type evaluation struct {
	req guard.Request
	out guard.Outcome
}

func evaluationFromContext(ctx context.Context) (evaluation, bool) {
	ev, ok := ctx.Value(evaluationKey).(evaluation)
	return ev, ok
}

// Guard runs the access-control pipeline and either rejects the request or
// passes it on with the outcome attached to the context.
func (a *API) Guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := a.guardRequest(r)
		out := a.pipeline.Evaluate(req)
		a.metrics.observe(out)

		switch out.Verdict {
		case guard.VerdictRateLimited:
			setRateLimitHeaders(w, out)
			w.Header().Set("Retry-After", strconv.Itoa(out.RateLimit.RetryAfterSeconds()))
			a.audit.log(AuditRateLimited, r,
				slog.String("client", req.ClientKey),
				slog.Int("count", out.RateLimit.Count),
				slog.Int("limit", out.RateLimit.Limit))
			writeError(w, http.StatusTooManyRequests, "too many requests; try again later")
			return

		case guard.VerdictBlocked:
			a.audit.log(AuditAnomalyBlocked, r,
				slog.String("client", req.ClientKey),
				slog.String("rules", strings.Join(out.Anomaly.Rules(), ",")))
			writeError(w, http.StatusForbidden, "request blocked")
			return

		case guard.VerdictUnauthorized:
			status := authStatusFor(out.Session.Status)
			w.Header().Set(HeaderAuthStatus, status)
			a.auditSessionRejection(r, out.Session)
			writeError(w, http.StatusUnauthorized, unauthorizedMessage(out.Session.Status))
			return
		}

		setRateLimitHeaders(w, out)
		if out.Anomaly.Action() == anomaly.ActionWarn {
			w.Header().Set(HeaderRiskLevel, out.Anomaly.Level.String())
			w.Header().Set(HeaderRiskReasons, strings.Join(out.Anomaly.Rules(), ","))
			a.audit.log(AuditAnomalyFlagged, r,
				slog.String("client", req.ClientKey),
				slog.String("rules", strings.Join(out.Anomaly.Rules(), ",")))
		}
		if out.Session.Status == session.StatusMalformed {
			// The request continues anonymously; the header tells the client
			// its token was ignored.
			w.Header().Set(HeaderAuthStatus, AuthStatusInvalid)
			a.audit.debug(AuditTokenRejected, r, slog.String("status", string(out.Session.Status)))
		}

		ctx := context.WithValue(r.Context(), evaluationKey, evaluation{req: req, out: out})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) guardRequest(r *http.Request) guard.Request {
	return guard.Request{
		ClientKey:         a.extractClientIP(r),
		UserAgent:         r.UserAgent(),
		AcceptLanguage:    r.Header.Get("Accept-Language"),
		Path:              r.URL.Path,
		Method:            r.Method,
		BearerToken:       bearerToken(r),
		DeviceFingerprint: r.Header.Get(HeaderDeviceFingerprint),
	}
}

func (a *API) auditSessionRejection(r *http.Request, res session.Result) {
	attrs := []slog.Attr{
		slog.String("status", string(res.Status)),
		slog.String("token_id", res.Claims.ID),
		slog.String("user_id", res.Claims.Identity.UserID),
	}
	if res.Status == session.StatusFingerprintMismatch {
		a.audit.log(AuditFingerprintMismatch, r, attrs...)
		return
	}
	a.audit.log(AuditTokenRejected, r, attrs...)
}

// bearerToken returns the credential from the Authorization header. A
// header with another scheme is returned whole so it is reported as
// malformed rather than silently ignored.
func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return ""
	}
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return h
}

func authStatusFor(s session.Status) string {
	switch s {
	case session.StatusExpired:
		return AuthStatusExpired
	case session.StatusFingerprintMismatch:
		return AuthStatusFingerprintMismatch
	case session.StatusInvalidated:
		return AuthStatusInvalidated
	case session.StatusNone:
		return AuthStatusMissing
	default:
		return AuthStatusInvalid
	}
}

func unauthorizedMessage(s session.Status) string {
	switch s {
	case session.StatusExpired:
		return "session expired; please sign in again"
	case session.StatusFingerprintMismatch:
		return "session is no longer valid on this device; please sign in again"
	case session.StatusInvalidated:
		return "session has ended; please sign in again"
	case session.StatusNone:
		return "authentication required"
	default:
		return "invalid token"
	}
}

func setRateLimitHeaders(w http.ResponseWriter, out guard.Outcome) {
	d := out.RateLimit
	if d.Limit == 0 {
		return
	}
	w.Header().Set(HeaderRateLimitLimit, strconv.Itoa(d.Limit))
	w.Header().Set(HeaderRateLimitRemain, strconv.Itoa(d.Remaining))
	w.Header().Set(HeaderRateLimitReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// requestLogger writes one structured line per request.
func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.logger.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
