package api

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatewarden/anomaly"
	"github.com/jmcleod/gatewarden/fingerprint"
	"github.com/jmcleod/gatewarden/guard"
	"github.com/jmcleod/gatewarden/quota"
	"github.com/jmcleod/gatewarden/ratelimit"
	"github.com/jmcleod/gatewarden/session"
	"github.com/jmcleod/gatewarden/token"
)

func newTestAPI(t *testing.T, opts ...Option) *API {
	t.Helper()
	limiter, err := ratelimit.New(ratelimit.Config{Window: time.Minute, MaxRequests: 100})
	require.NoError(t, err)
	codec, err := token.New(token.Config{Secret: []byte("internal-api-test-secret-0123")})
	require.NoError(t, err)
	tracker, err := quota.New(quota.NewMemoryStore(), quota.Config{})
	require.NoError(t, err)
	p, err := guard.New(guard.Components{
		Limiter:      limiter,
		Detector:     anomaly.New(anomaly.DefaultConfig()),
		Validator:    session.NewValidator(codec),
		Tracker:      tracker,
		Fingerprints: fingerprint.New(fingerprint.ServerProfile),
	})
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := New(p, append([]Option{WithLogger(logger)}, opts...)...)
	t.Cleanup(a.Close)
	return a
}
