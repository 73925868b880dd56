package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 60*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 50, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 1, cfg.Quota.DailyMax)
	assert.Equal(t, 9*time.Hour, cfg.QuotaOffset())
	assert.Equal(t, BackendMemory, cfg.QuotaBackend())
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gatewarden.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
  trusted_proxies: ["10.0.0.0/8"]
rate_limit:
  window: 30s
  max_requests: 10
quota:
  daily_max: 3
  backend: redis
storage:
  backend: bbolt
  redis:
    addr: localhost:6379
accounts:
  - username: alice
    password_hash: "$argon2id$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA"
`), 0o600))

	cfg, err := Load(LoadOptions{File: path, Lookup: noEnv})
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.Server.TrustedProxies)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 10, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 3, cfg.Quota.DailyMax)
	assert.Equal(t, BackendRedis, cfg.QuotaBackend())
	assert.Equal(t, "gatewarden", cfg.Token.Issuer, "unset keys keep defaults")
	require.Len(t, cfg.Accounts, 1)
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsUnknownYAMLKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rate_limt:\n  window: 1s\n"), 0o600))
	_, err := Load(LoadOptions{File: path, Lookup: noEnv})
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(LoadOptions{File: filepath.Join(t.TempDir(), "nope.yaml"), Lookup: noEnv})
	require.Error(t, err)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rate_limit:\n  max_requests: 10\n"), 0o600))

	cfg, err := Load(LoadOptions{File: path, Lookup: envMap(map[string]string{
		"GATEWARDEN_RATE_LIMIT_MAX_REQUESTS": "25",
		"GATEWARDEN_TOKEN_DEMO_TTL":          "90m",
		"GATEWARDEN_TRUSTED_PROXIES":         "127.0.0.1/32, ::1/128",
		"GATEWARDEN_INSECURE_HTTP":           "true",
	})})
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 90*time.Minute, cfg.Token.DemoTTL)
	assert.Equal(t, []string{"127.0.0.1/32", "::1/128"}, cfg.Server.TrustedProxies)
	assert.True(t, cfg.Server.InsecureHTTP)
}

func TestEnvInvalidValue(t *testing.T) {
	_, err := Load(LoadOptions{Lookup: envMap(map[string]string{"GATEWARDEN_PORT": "eighty"})})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GATEWARDEN_PORT")
}

func TestDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("GATEWARDEN_QUOTA_DAILY_MAX=4\n"), 0o600))
	t.Setenv("GATEWARDEN_QUOTA_DAILY_MAX", "")
	require.NoError(t, os.Unsetenv("GATEWARDEN_QUOTA_DAILY_MAX"))

	cfg, err := Load(LoadOptions{DotEnv: []string{envFile, filepath.Join(dir, "missing.env")}})
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Quota.DailyMax)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	cfg.RateLimit.MaxRequests = 0
	cfg.Token.Secret = "short"
	cfg.Storage.Backend = "etcd"
	cfg.Server.TLSCert = "cert.pem"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"server.port", "max_requests", "token.secret", "storage.backend", "tls_key"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidatePersistentSession(t *testing.T) {
	cfg := Default()
	cfg.Session.Persistent = true
	require.Error(t, cfg.Validate())

	cfg.Storage.Backend = BackendBBolt
	cfg.Session.WrappingKey = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
	require.NoError(t, cfg.Validate())
	key, err := cfg.WrappingKeyBytes()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestValidateRedisNeedsAddr(t *testing.T) {
	cfg := Default()
	cfg.Quota.Backend = BackendRedis
	require.Error(t, cfg.Validate())
	cfg.Storage.Redis.Addr = "localhost:6379"
	require.NoError(t, cfg.Validate())
}
