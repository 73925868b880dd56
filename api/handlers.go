package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/gatewarden/guard"
	"github.com/jmcleod/gatewarden/quota"
)

// Health handles GET /health.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Quota handles GET /quota. Authenticated callers are unlimited.
func (a *API) Quota(w http.ResponseWriter, r *http.Request) {
	ev, _ := evaluationFromContext(r.Context())
	gate := a.pipeline.GateQuota(r.Context(), ev.out, ev.req)
	if gate.Bypassed {
		writeJSON(w, http.StatusOK, QuotaResponse{Authenticated: true, Unlimited: true})
		return
	}
	st := gate.Status
	writeJSON(w, http.StatusOK, QuotaResponse{Quota: &st})
}

// Convert handles POST /convert. Anonymous callers are gated by the daily
// quota, and a use is only counted once the conversion succeeded.
func (a *API) Convert(w http.ResponseWriter, r *http.Request) {
	ev, _ := evaluationFromContext(r.Context())

	var req ConvertRequest
	if !a.decodeJSON(w, r, &req, false) {
		return
	}

	gate := a.pipeline.GateQuota(r.Context(), ev.out, ev.req)
	switch {
	case gate.Bypassed:
		a.metrics.quotaChecks.WithLabelValues("bypassed").Inc()
	case !gate.Allowed:
		a.metrics.quotaChecks.WithLabelValues("exhausted").Inc()
		a.audit.log(AuditQuotaExhausted, r,
			slog.String("device", gate.Device),
			slog.Int("used", gate.Status.Used),
			slog.Int("limit", gate.Status.Limit))
		w.Header().Set("Retry-After", retryAfterString(time.Until(gate.Status.ResetsAt)))
		writeJSON(w, http.StatusTooManyRequests, QuotaExceededResponse{Error: gate.Status.Reason, Quota: gate.Status})
		return
	default:
		a.metrics.quotaChecks.WithLabelValues("allowed").Inc()
	}

	var userID string
	if id, ok := ev.out.Identity(); ok {
		userID = id.UserID
	}
	result, err := a.converter.Convert(r.Context(), ConversionRequest{
		Input:  req.Input,
		Format: req.Format,
		UserID: userID,
	})
	if err != nil {
		a.metrics.conversions.WithLabelValues("failure").Inc()
		a.logger.Warn("conversion failed", "error", err, "user_id", userID)
		mapError(w, err)
		return
	}
	a.metrics.conversions.WithLabelValues("success").Inc()

	resp := ConvertResponse{Output: result.Output, Format: result.Format}
	if !gate.Bypassed {
		resp.Quota = a.recordUse(r.Context(), ev, gate)
	}
	writeJSON(w, http.StatusOK, resp)
}

// recordUse counts a successful anonymous conversion and returns the
// updated quota view. A failure to record is logged; the conversion result
// is still returned.
func (a *API) recordUse(ctx context.Context, ev evaluation, gate guard.QuotaGate) *quota.Status {
	rec, err := a.pipeline.RecordSuccess(ctx, ev.out, ev.req)
	st := gate.Status
	if err != nil {
		if !errors.Is(err, guard.ErrNotMetered) {
			a.logger.Error("recording quota use", "error", err, "device", gate.Device)
		}
		return &st
	}
	st.Used = rec.Count
	st.Remaining = max(st.Limit-rec.Count, 0)
	st.Allowed = st.Remaining > 0
	if !st.Allowed {
		st.Reason = a.pipeline.Tracker().Check(ctx, gate.Device).Reason
	}
	return &st
}
