package guard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatewarden/anomaly"
	"github.com/jmcleod/gatewarden/fingerprint"
	"github.com/jmcleod/gatewarden/quota"
	"github.com/jmcleod/gatewarden/ratelimit"
	"github.com/jmcleod/gatewarden/session"
	"github.com/jmcleod/gatewarden/token"
)

const browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/126.0 Safari/537.36"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clock    *clock
	pipeline *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	// Start of a fingerprint bucket, 01:00 in UTC+9.
	c := &clock{t: time.Date(2026, 7, 1, 16, 0, 0, 0, time.UTC).Truncate(fingerprint.DefaultRotation)}

	limiter, err := ratelimit.New(ratelimit.Config{Window: time.Minute, MaxRequests: 50, Now: c.Now})
	require.NoError(t, err)
	codec, err := token.New(token.Config{Secret: []byte("guard-test-secret-0123456789"), Now: c.Now})
	require.NoError(t, err)
	tracker, err := quota.New(quota.NewMemoryStore(), quota.Config{Now: c.Now})
	require.NoError(t, err)

	p, err := New(Components{
		Limiter:      limiter,
		Detector:     anomaly.New(anomaly.DefaultConfig()),
		Validator:    session.NewValidator(codec, session.WithClock(c.Now)),
		Tracker:      tracker,
		Fingerprints: fingerprint.New(fingerprint.ServerProfile, fingerprint.WithClock(c.Now)),
	})
	require.NoError(t, err)
	return &fixture{clock: c, pipeline: p}
}

func browserRequest(path, method string) Request {
	return Request{
		ClientKey:      "203.0.113.5",
		UserAgent:      browserUA,
		AcceptLanguage: "ko-KR,ko;q=0.9",
		Path:           path,
		Method:         method,
	}
}

func TestScenarioQuotaOncePerDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := browserRequest("/convert", "POST")
	req.DeviceFingerprint = "k3x9a0"

	out := f.pipeline.Evaluate(req)
	require.Equal(t, VerdictAllow, out.Verdict)

	gate := f.pipeline.GateQuota(ctx, out, req)
	require.True(t, gate.Allowed)
	assert.Equal(t, "k3x9a0", gate.Device)

	_, err := f.pipeline.RecordSuccess(ctx, out, req)
	require.NoError(t, err)

	gate = f.pipeline.GateQuota(ctx, f.pipeline.Evaluate(req), req)
	assert.False(t, gate.Allowed)
	assert.Contains(t, gate.Status.Reason, "daily limit")

	f.clock.Advance(24 * time.Hour)
	gate = f.pipeline.GateQuota(ctx, f.pipeline.Evaluate(req), req)
	assert.True(t, gate.Allowed)
}

func TestScenarioRateLimit(t *testing.T) {
	f := newFixture(t)
	req := browserRequest("/quota", "GET")

	for i := 1; i <= 50; i++ {
		out := f.pipeline.Evaluate(req)
		require.Equal(t, VerdictAllow, out.Verdict, "request %d", i)
		f.clock.Advance(500 * time.Millisecond)
	}
	out := f.pipeline.Evaluate(req)
	assert.Equal(t, VerdictRateLimited, out.Verdict)
	assert.Positive(t, out.RateLimit.RetryAfterSeconds())
	assert.Equal(t, anomaly.Assessment{}, out.Anomaly, "later stages are skipped")
}

func TestScenarioBindingRotation(t *testing.T) {
	f := newFixture(t)
	req := browserRequest("/auth/session", "GET")

	fp := f.pipeline.ServerFingerprint(req)
	iss, err := f.pipeline.Validator().Issue(token.Identity{UserID: "u1", DisplayName: "Yuna"}, token.KindPassword, fp)
	require.NoError(t, err)
	req.BearerToken = iss.Token

	for i := 0; i < 5; i++ {
		out := f.pipeline.Evaluate(req)
		require.Equal(t, VerdictAllow, out.Verdict, "check %d", i)
		require.True(t, out.Authenticated())
		f.clock.Advance(time.Hour)
	}

	f.clock.Advance(2 * time.Hour)
	out := f.pipeline.Evaluate(req)
	assert.Equal(t, VerdictUnauthorized, out.Verdict)
	assert.Equal(t, session.StatusFingerprintMismatch, out.Session.Status)
}

func TestHighRiskBlocked(t *testing.T) {
	f := newFixture(t)
	req := browserRequest("/convert", "POST")
	req.UserAgent = "curl/8.7.1"

	out := f.pipeline.Evaluate(req)
	assert.Equal(t, VerdictBlocked, out.Verdict)
	assert.Equal(t, anomaly.LevelHigh, out.Anomaly.Level)
	assert.Equal(t, session.Result{}, out.Session)
}

func TestMediumRiskContinues(t *testing.T) {
	f := newFixture(t)
	req := browserRequest("/auth/demo", "POST")
	req.UserAgent = ""

	out := f.pipeline.Evaluate(req)
	assert.Equal(t, VerdictAllow, out.Verdict)
	assert.Equal(t, anomaly.ActionWarn, out.Anomaly.Action())
}

func TestMalformedTokenContinuesAnonymously(t *testing.T) {
	f := newFixture(t)
	req := browserRequest("/convert", "POST")
	req.BearerToken = "not.a.token"

	out := f.pipeline.Evaluate(req)
	assert.Equal(t, VerdictAllow, out.Verdict)
	assert.Equal(t, session.StatusMalformed, out.Session.Status)
	assert.False(t, out.Authenticated())

	gate := f.pipeline.GateQuota(context.Background(), out, req)
	assert.False(t, gate.Bypassed)
}

func TestAuthenticatedBypassesQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := browserRequest("/convert", "POST")
	iss, err := f.pipeline.Validator().Issue(token.Identity{UserID: "u1"}, token.KindPassword, f.pipeline.ServerFingerprint(req))
	require.NoError(t, err)
	req.BearerToken = iss.Token

	for i := 0; i < 3; i++ {
		out := f.pipeline.Evaluate(req)
		gate := f.pipeline.GateQuota(ctx, out, req)
		assert.True(t, gate.Bypassed)
		assert.True(t, gate.Allowed)
		_, err := f.pipeline.RecordSuccess(ctx, out, req)
		assert.ErrorIs(t, err, ErrNotMetered)
	}
	id, ok := f.pipeline.Evaluate(req).Identity()
	require.True(t, ok)
	assert.Equal(t, "u1", id.UserID)
}

func TestExpiredAndInvalidatedAreUnauthorized(t *testing.T) {
	f := newFixture(t)
	req := browserRequest("/auth/session", "GET")
	fp := f.pipeline.ServerFingerprint(req)

	iss, err := f.pipeline.Validator().Issue(token.Identity{UserID: "u1"}, token.KindDemo, fp)
	require.NoError(t, err)
	_, err = f.pipeline.Validator().Logout(iss.Token)
	require.NoError(t, err)
	req.BearerToken = iss.Token
	out := f.pipeline.Evaluate(req)
	assert.Equal(t, VerdictUnauthorized, out.Verdict)
	assert.Equal(t, session.StatusInvalidated, out.Session.Status)

	iss, err = f.pipeline.Validator().Issue(token.Identity{UserID: "u1"}, token.KindDemo, "")
	require.NoError(t, err)
	req.BearerToken = iss.Token
	f.clock.Advance(token.DefaultDemoTTL + time.Minute)
	out = f.pipeline.Evaluate(req)
	assert.Equal(t, VerdictUnauthorized, out.Verdict)
	assert.Equal(t, session.StatusExpired, out.Session.Status)
}

func TestDeviceKeyFallsBackToServerFingerprint(t *testing.T) {
	out := Outcome{ServerFingerprint: "srv1"}
	assert.Equal(t, "abc", DeviceKey(Request{DeviceFingerprint: " ABC "}, out))
	assert.Equal(t, "srv1", DeviceKey(Request{DeviceFingerprint: "not valid!"}, out))
	assert.Equal(t, "srv1", DeviceKey(Request{}, out))
	assert.Equal(t, quota.UnknownDevice, DeviceKey(Request{}, Outcome{}))
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := New(Components{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limiter")
	assert.Contains(t, err.Error(), "fingerprints")
}
