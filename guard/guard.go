// Package guard chains the access-control components into the per-request
// pipeline: rate limiter, anomaly detector, then session validator. Quota
// gating is a separate step the caller runs for quota-gated operations.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmcleod/gatewarden/anomaly"
	"github.com/jmcleod/gatewarden/fingerprint"
	"github.com/jmcleod/gatewarden/quota"
	"github.com/jmcleod/gatewarden/ratelimit"
	"github.com/jmcleod/gatewarden/session"
	"github.com/jmcleod/gatewarden/token"
)

// Verdict is the pipeline's overall decision.
type Verdict string

const (
	VerdictAllow        Verdict = "allow"
	VerdictRateLimited  Verdict = "rate_limited"
	VerdictBlocked      Verdict = "blocked"
	VerdictUnauthorized Verdict = "unauthorized"
)

// Request is everything the pipeline needs from an inbound request.
type Request struct {
	ClientKey      string
	UserAgent      string
	AcceptLanguage string
	Path           string
	Method         string
	BearerToken    string
	// DeviceFingerprint is the client-computed fingerprint, if sent.
	DeviceFingerprint string
}

// Outcome collects every stage's result. Stages after a rejecting stage
// are not run and keep their zero values.
type Outcome struct {
	Verdict           Verdict
	RateLimit         ratelimit.Decision
	Anomaly           anomaly.Assessment
	Session           session.Result
	ServerFingerprint string
}

// Authenticated reports whether a valid token was presented.
func (o Outcome) Authenticated() bool {
	return o.Session.Valid()
}

// Identity returns the validated caller, if any.
func (o Outcome) Identity() (token.Identity, bool) {
	if !o.Authenticated() {
		return token.Identity{}, false
	}
	return o.Session.Claims.Identity, true
}

// QuotaGate is the result of GateQuota.
type QuotaGate struct {
	// Bypassed is set for authenticated callers, who are not metered.
	Bypassed bool
	Allowed  bool
	Device   string
	Status   quota.Status
}

// Components are the pieces a Pipeline is built from. All are required.
type Components struct {
	Limiter   *ratelimit.Limiter
	Detector  *anomaly.Detector
	Validator *session.Validator
	Tracker   *quota.Tracker
	// Fingerprints computes the server-side fingerprint tokens are bound to.
	Fingerprints *fingerprint.Generator
	Logger       *slog.Logger
}

// Pipeline evaluates requests. It holds no state of its own beyond the
// components and is safe for concurrent use.
type Pipeline struct {
	limiter   *ratelimit.Limiter
	detector  *anomaly.Detector
	validator *session.Validator
	tracker   *quota.Tracker
	serverFP  *fingerprint.Generator
	logger    *slog.Logger
}

// New validates c and returns a Pipeline.
func New(c Components) (*Pipeline, error) {
	var missing []string
	if c.Limiter == nil {
		missing = append(missing, "limiter")
	}
	if c.Detector == nil {
		missing = append(missing, "detector")
	}
	if c.Validator == nil {
		missing = append(missing, "validator")
	}
	if c.Tracker == nil {
		missing = append(missing, "tracker")
	}
	if c.Fingerprints == nil {
		missing = append(missing, "fingerprints")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("guard: missing components: %s", strings.Join(missing, ", "))
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return &Pipeline{
		limiter:   c.Limiter,
		detector:  c.Detector,
		validator: c.Validator,
		tracker:   c.Tracker,
		serverFP:  c.Fingerprints,
		logger:    c.Logger,
	}, nil
}

// Validator returns the session validator.
func (p *Pipeline) Validator() *session.Validator { return p.validator }

// Tracker returns the quota tracker.
func (p *Pipeline) Tracker() *quota.Tracker { return p.tracker }

// Limiter returns the rate limiter.
func (p *Pipeline) Limiter() *ratelimit.Limiter { return p.limiter }

// ServerFingerprint computes the fingerprint tokens are bound to.
func (p *Pipeline) ServerFingerprint(req Request) string {
	return p.serverFP.Generate(map[string]string{
		fingerprint.AttrUserAgent:      req.UserAgent,
		fingerprint.AttrAcceptLanguage: req.AcceptLanguage,
		fingerprint.AttrClientIP:       req.ClientKey,
	})
}

// Evaluate runs the rate limiter, the anomaly detector and, when a token
// is present, the session validator. It never panics.
//
// A token that cannot be decoded does not reject the request: the caller
// continues anonymously and Session.Status reports malformed.
func (p *Pipeline) Evaluate(req Request) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("guard pipeline panic; continuing anonymously", "panic", r, "path", req.Path)
			out.Verdict = VerdictAllow
			out.Session = session.Result{Status: session.StatusNone}
		}
	}()

	out.RateLimit = p.limiter.Admit(req.ClientKey)
	if !out.RateLimit.Allowed {
		out.Verdict = VerdictRateLimited
		return out
	}

	out.Anomaly = p.detector.Assess(anomaly.Request{
		ClientKey: req.ClientKey,
		UserAgent: req.UserAgent,
		Path:      req.Path,
		Method:    req.Method,
	})
	if out.Anomaly.Action() == anomaly.ActionBlock {
		out.Verdict = VerdictBlocked
		return out
	}

	out.ServerFingerprint = p.ServerFingerprint(req)
	out.Session = p.validator.Validate(req.BearerToken, out.ServerFingerprint)
	switch out.Session.Status {
	case session.StatusExpired, session.StatusFingerprintMismatch, session.StatusInvalidated:
		out.Verdict = VerdictUnauthorized
	default:
		out.Verdict = VerdictAllow
	}
	return out
}

// DeviceKey picks the quota key: the client-supplied device fingerprint
// when well formed, otherwise the server fingerprint.
func DeviceKey(req Request, out Outcome) string {
	if d := strings.ToLower(strings.TrimSpace(req.DeviceFingerprint)); fingerprint.WellFormed(d) {
		return d
	}
	if out.ServerFingerprint != "" {
		return out.ServerFingerprint
	}
	return quota.UnknownDevice
}

// GateQuota checks the daily quota for anonymous callers. Authenticated
// callers are bypassed.
func (p *Pipeline) GateQuota(ctx context.Context, out Outcome, req Request) QuotaGate {
	if out.Authenticated() {
		return QuotaGate{Bypassed: true, Allowed: true}
	}
	device := DeviceKey(req, out)
	st := p.tracker.Check(ctx, device)
	return QuotaGate{Allowed: st.Allowed, Device: device, Status: st}
}

// ErrNotMetered is returned by RecordSuccess for authenticated callers.
var ErrNotMetered = errors.New("authenticated callers are not metered")

// RecordSuccess counts a successful quota-gated operation. Call it only
// after the operation succeeded.
func (p *Pipeline) RecordSuccess(ctx context.Context, out Outcome, req Request) (quota.UsageRecord, error) {
	if out.Authenticated() {
		return quota.UsageRecord{}, ErrNotMetered
	}
	return p.tracker.Record(ctx, DeviceKey(req, out))
}
