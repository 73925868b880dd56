package session

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatewarden/fingerprint"
	"github.com/jmcleod/gatewarden/token"
)

var alice = token.Identity{UserID: "u-alice", DisplayName: "Alice"}

func newValidator(t *testing.T, clock *testClock, opts ...Option) *Validator {
	t.Helper()
	codec, err := token.New(token.Config{
		Secret: []byte("session-test-secret-0123456789"),
		Now:    clock.Now,
	})
	require.NoError(t, err)
	return NewValidator(codec, append([]Option{WithClock(clock.Now)}, opts...)...)
}

func startClock() *testClock {
	return &testClock{t: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func TestValidateRoundTrip(t *testing.T) {
	clock := startClock()
	v := newValidator(t, clock)

	iss, err := v.Issue(alice, token.KindPassword, "fpA")
	require.NoError(t, err)

	res := v.Validate(iss.Token, "fpA")
	require.Equal(t, StatusValid, res.Status)
	assert.True(t, res.Valid())
	assert.Equal(t, alice, res.Claims.Identity)
}

func TestValidateNoToken(t *testing.T) {
	v := newValidator(t, startClock())
	assert.Equal(t, StatusNone, v.Validate("", "fp").Status)
}

func TestValidateMalformedDegrades(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	v := newValidator(t, startClock(), WithLogger(logger))

	res := v.Validate("garbage.token.value", "fp")
	assert.Equal(t, StatusMalformed, res.Status)
	assert.Contains(t, buf.String(), "level=DEBUG")
}

func TestFingerprintMismatchForcesInvalidation(t *testing.T) {
	clock := startClock()
	v := newValidator(t, clock)
	iss, err := v.Issue(alice, token.KindPassword, "fpA")
	require.NoError(t, err)

	res := v.Validate(iss.Token, "fpB")
	assert.Equal(t, StatusFingerprintMismatch, res.Status)

	// No silent re-binding: the original client is now locked out too.
	res = v.Validate(iss.Token, "fpA")
	assert.Equal(t, StatusInvalidated, res.Status)
	assert.Equal(t, ReasonMismatch, res.Reason)
}

func TestExpiredRegardlessOfFingerprint(t *testing.T) {
	clock := startClock()
	v := newValidator(t, clock)
	iss, err := v.Issue(alice, token.KindDemo, "fpA")
	require.NoError(t, err)

	clock.Advance(token.DefaultDemoTTL + time.Second)
	assert.Equal(t, StatusExpired, v.Validate(iss.Token, "fpA").Status)
	assert.Equal(t, StatusExpired, v.Validate(iss.Token, "fpZ").Status)
}

func TestExpiryBoundaryIsInclusive(t *testing.T) {
	clock := startClock()
	v := newValidator(t, clock)
	iss, err := v.Issue(alice, token.KindDemo, "")
	require.NoError(t, err)

	clock.t = iss.Claims.ExpiresAt
	assert.Equal(t, StatusValid, v.Validate(iss.Token, "").Status)
}

func TestLegacyUnboundTokenSkipsComparison(t *testing.T) {
	clock := startClock()
	v := newValidator(t, clock)
	iss, err := v.Issue(alice, token.KindDemo, "")
	require.NoError(t, err)

	assert.Equal(t, StatusValid, v.Validate(iss.Token, "fp1").Status)
	assert.Equal(t, StatusValid, v.Validate(iss.Token, "fp2").Status)

	e, ok := v.Cache().Get(iss.Claims.ID)
	require.True(t, ok)
	assert.Equal(t, "fp2", e.Fingerprint)
}

func TestMissingCurrentFingerprintDoesNotMismatch(t *testing.T) {
	v := newValidator(t, startClock())
	iss, err := v.Issue(alice, token.KindPassword, "fpA")
	require.NoError(t, err)
	assert.Equal(t, StatusValid, v.Validate(iss.Token, "").Status)
}

func TestRefresh(t *testing.T) {
	clock := startClock()
	v := newValidator(t, clock)
	iss, err := v.Issue(alice, token.KindPassword, "fpA")
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	next, err := v.Refresh(iss.Token, "fpA")
	require.NoError(t, err)

	assert.Equal(t, iss.Claims.Identity, next.Claims.Identity)
	assert.Equal(t, iss.Claims.Kind, next.Claims.Kind)
	assert.Equal(t, "fpA", next.Claims.Fingerprint)
	assert.True(t, next.Claims.ExpiresAt.After(iss.Claims.ExpiresAt))
	assert.NotEqual(t, iss.Claims.ID, next.Claims.ID)

	assert.Equal(t, StatusValid, v.Validate(next.Token, "fpA").Status)
	old := v.Validate(iss.Token, "fpA")
	assert.Equal(t, StatusInvalidated, old.Status)
	assert.Equal(t, ReasonRefresh, old.Reason)
}

func TestRefreshWithinSameSecondStillExtends(t *testing.T) {
	clock := startClock()
	v := newValidator(t, clock)
	iss, err := v.Issue(alice, token.KindPassword, "fpA")
	require.NoError(t, err)

	next, err := v.Refresh(iss.Token, "fpA")
	require.NoError(t, err)
	assert.Equal(t, iss.Claims.ExpiresAt.Add(time.Second), next.Claims.ExpiresAt)
}

func TestRefreshRejected(t *testing.T) {
	clock := startClock()
	v := newValidator(t, clock)

	iss, err := v.Issue(alice, token.KindDemo, "fpA")
	require.NoError(t, err)
	_, err = v.Logout(iss.Token)
	require.NoError(t, err)

	_, err = v.Refresh(iss.Token, "fpA")
	assert.ErrorIs(t, err, ErrRefreshRejected)
	var re *RefreshError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, StatusInvalidated, re.Status)

	iss2, err := v.Issue(alice, token.KindDemo, "fpA")
	require.NoError(t, err)
	clock.Advance(3 * time.Hour)
	_, err = v.Refresh(iss2.Token, "fpA")
	require.True(t, errors.As(err, &re))
	assert.Equal(t, StatusExpired, re.Status)

	_, err = v.Refresh("", "fpA")
	require.True(t, errors.As(err, &re))
	assert.Equal(t, StatusNone, re.Status)
}

func TestLogout(t *testing.T) {
	v := newValidator(t, startClock())
	iss, err := v.Issue(alice, token.KindPassword, "fpA")
	require.NoError(t, err)

	claims, err := v.Logout(iss.Token)
	require.NoError(t, err)
	assert.Equal(t, iss.Claims.ID, claims.ID)
	assert.Equal(t, StatusInvalidated, v.Validate(iss.Token, "fpA").Status)

	_, err = v.Logout("nope")
	assert.ErrorIs(t, err, token.ErrMalformed)
}

func TestValidateWithoutPriorIssueUsesTokenAlone(t *testing.T) {
	clock := startClock()
	issuer := newValidator(t, clock)
	iss, err := issuer.Issue(alice, token.KindPassword, "fpA")
	require.NoError(t, err)

	// A second validator sharing the secret but not the cache, as after a
	// restart with the in-memory cache.
	fresh := newValidator(t, clock)
	assert.Equal(t, StatusValid, fresh.Validate(iss.Token, "fpA").Status)
}

func TestBindingRotatesWithFingerprintBucket(t *testing.T) {
	clock := startClock()
	v := newValidator(t, clock)
	gen := fingerprint.New(fingerprint.ServerProfile, fingerprint.WithClock(clock.Now))
	device := map[string]string{
		fingerprint.AttrUserAgent:      "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0",
		fingerprint.AttrAcceptLanguage: "ja-JP",
		fingerprint.AttrClientIP:       "203.0.113.20",
	}

	// Start at the beginning of a bucket.
	width := int64(fingerprint.DefaultRotation / time.Second)
	clock.t = time.Unix(gen.Bucket(clock.t)*width, 0).UTC()

	iss, err := v.Issue(alice, token.KindPassword, gen.Generate(device))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		res := v.Validate(iss.Token, gen.Generate(device))
		require.Equal(t, StatusValid, res.Status, "check %d", i)
		clock.Advance(time.Hour)
	}

	clock.Advance(fingerprint.DefaultRotation)
	res := v.Validate(iss.Token, gen.Generate(device))
	assert.Equal(t, StatusFingerprintMismatch, res.Status)
}

func TestConcurrentValidation(t *testing.T) {
	v := newValidator(t, startClock())
	iss, err := v.Issue(alice, token.KindPassword, "fpA")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				v.Validate(iss.Token, "fpA")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, StatusValid, v.Validate(iss.Token, "fpA").Status)
}

func TestSchedule(t *testing.T) {
	s := DefaultSchedule
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	re, rf := s.Due(issued, time.Time{}, issued)
	assert.True(t, re)
	assert.False(t, rf)

	re, rf = s.Due(issued, issued, issued.Add(4*time.Minute))
	assert.False(t, re)
	assert.False(t, rf)

	re, rf = s.Due(issued, issued, issued.Add(5*time.Minute))
	assert.True(t, re)
	assert.False(t, rf)

	_, rf = s.Due(issued, issued.Add(29*time.Minute), issued.Add(30*time.Minute))
	assert.True(t, rf)

	assert.Equal(t, issued.Add(30*time.Minute), s.NextRefresh(issued))
	assert.Equal(t, issued.Add(5*time.Minute), s.NextRevalidation(issued))
}
