package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/gatewarden/internal/uuid"
	"github.com/jmcleod/gatewarden/session"
	"github.com/jmcleod/gatewarden/token"
)

const maxDisplayNameRunes = 64

// Login handles POST /auth/login.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	ev, _ := evaluationFromContext(r.Context())

	var req LoginRequest
	if !a.decodeJSON(w, r, &req, false) {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	acctKey := loginKey(req.Username)
	if blocked, retry := a.loginIPs.check(ev.req.ClientKey); blocked {
		a.audit.log(AuditLoginRateLimited, r, slog.String("scope", "ip"))
		writeLoginLocked(w, retry)
		return
	}
	if blocked, retry := a.logins.check(acctKey); blocked {
		a.audit.log(AuditLoginRateLimited, r, slog.String("scope", "account"))
		writeLoginLocked(w, retry)
		return
	}

	identity, ok := a.accounts.Authenticate(req.Username, req.Password)
	if !ok {
		a.logins.recordFailure(acctKey)
		a.loginIPs.recordFailure(ev.req.ClientKey)
		a.metrics.logins.WithLabelValues(string(token.KindPassword), "failure").Inc()
		a.audit.log(AuditLoginFailure, r, slog.String("reason", "invalid credentials"))
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	a.logins.recordSuccess(acctKey)
	a.loginIPs.recordSuccess(ev.req.ClientKey)

	issued, err := a.pipeline.Validator().Issue(identity, token.KindPassword, ev.out.ServerFingerprint)
	if err != nil {
		a.logger.Error("issuing password token", "error", err)
		mapError(w, err)
		return
	}
	a.metrics.logins.WithLabelValues(string(token.KindPassword), "success").Inc()
	a.audit.logUser(AuditLoginSuccess, r, identity.UserID, slog.String("token_id", issued.Claims.ID))
	writeJSON(w, http.StatusOK, a.tokenResponse(issued))
}

// Demo handles POST /auth/demo.
func (a *API) Demo(w http.ResponseWriter, r *http.Request) {
	if !a.demoEnabled {
		writeError(w, http.StatusNotFound, "demo sign-in is disabled")
		return
	}
	ev, _ := evaluationFromContext(r.Context())

	var req DemoRequest
	if !a.decodeJSON(w, r, &req, true) {
		return
	}
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		name = "Demo user"
	}
	if runes := []rune(name); len(runes) > maxDisplayNameRunes {
		name = string(runes[:maxDisplayNameRunes])
	}
	identity := token.Identity{UserID: uuid.Prefixed("demo"), DisplayName: name}

	issued, err := a.pipeline.Validator().Issue(identity, token.KindDemo, ev.out.ServerFingerprint)
	if err != nil {
		a.logger.Error("issuing demo token", "error", err)
		mapError(w, err)
		return
	}
	a.metrics.logins.WithLabelValues(string(token.KindDemo), "success").Inc()
	a.audit.logUser(AuditDemoIssued, r, identity.UserID, slog.String("token_id", issued.Claims.ID))
	writeJSON(w, http.StatusOK, a.tokenResponse(issued))
}

// Refresh handles POST /auth/refresh. The presented token is retired and a
// new one with a later expiry is returned.
func (a *API) Refresh(w http.ResponseWriter, r *http.Request) {
	ev, _ := evaluationFromContext(r.Context())
	if !ev.out.Authenticated() {
		a.writeUnauthenticated(w, ev)
		return
	}

	issued, err := a.pipeline.Validator().Refresh(ev.req.BearerToken, ev.out.ServerFingerprint)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logUser(AuditTokenRefreshed, r, issued.Claims.Identity.UserID,
		slog.String("old_token_id", ev.out.Session.Claims.ID),
		slog.String("token_id", issued.Claims.ID))
	writeJSON(w, http.StatusOK, a.tokenResponse(issued))
}

// Logout handles POST /auth/logout. The token stays rejected until its
// natural expiry.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	ev, _ := evaluationFromContext(r.Context())
	if !ev.out.Authenticated() {
		a.writeUnauthenticated(w, ev)
		return
	}
	claims, err := a.pipeline.Validator().Logout(ev.req.BearerToken)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logUser(AuditLogout, r, claims.Identity.UserID, slog.String("token_id", claims.ID))
	a.audit.logUser(AuditSessionInvalidated, r, claims.Identity.UserID,
		slog.String("token_id", claims.ID), slog.String("reason", session.ReasonLogout))
	w.WriteHeader(http.StatusNoContent)
}

// Session handles GET /auth/session, the client's periodic re-validation
// tick. It reports identity, expiry and when the next ticks are due.
func (a *API) Session(w http.ResponseWriter, r *http.Request) {
	ev, _ := evaluationFromContext(r.Context())
	if !ev.out.Authenticated() {
		a.writeUnauthenticated(w, ev)
		return
	}
	claims := ev.out.Session.Claims
	sched := a.pipeline.Validator().Schedule()
	now := time.Now()
	_, refreshDue := sched.Due(claims.IssuedAt, now, now)
	writeJSON(w, http.StatusOK, SessionResponse{
		Status:           string(ev.out.Session.Status),
		Kind:             claims.Kind,
		Identity:         claims.Identity,
		IssuedAt:         claims.IssuedAt,
		ExpiresAt:        claims.ExpiresAt,
		NextRevalidation: sched.NextRevalidation(now).UTC(),
		NextRefresh:      sched.NextRefresh(claims.IssuedAt).UTC(),
		RefreshDue:       refreshDue,
	})
}

func (a *API) writeUnauthenticated(w http.ResponseWriter, ev evaluation) {
	status := ev.out.Session.Status
	if status == "" {
		status = session.StatusNone
	}
	w.Header().Set(HeaderAuthStatus, authStatusFor(status))
	writeError(w, http.StatusUnauthorized, unauthorizedMessage(status))
}

func (a *API) tokenResponse(issued session.Issued) TokenResponse {
	sched := a.pipeline.Validator().Schedule()
	return TokenResponse{
		Token:           issued.Token,
		TokenType:       "Bearer",
		Kind:            issued.Claims.Kind,
		Identity:        issued.Claims.Identity,
		IssuedAt:        issued.Claims.IssuedAt,
		ExpiresAt:       issued.Claims.ExpiresAt,
		RevalidateEvery: int(sched.RevalidateEvery / time.Second),
		RefreshEvery:    int(sched.RefreshEvery / time.Second),
	}
}
