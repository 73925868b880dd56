// Package config loads gatewarden's configuration. Sources are layered:
// built-in defaults, an optional YAML file, .env files, then GATEWARDEN_*
// environment variables. Command-line flags are applied last by the CLI.
package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "GATEWARDEN_"

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendBBolt    = "bbolt"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Token     TokenConfig     `yaml:"token"`
	Session   SessionConfig   `yaml:"session"`
	Quota     QuotaConfig     `yaml:"quota"`
	Storage   StorageConfig   `yaml:"storage"`
	Converter ConverterConfig `yaml:"converter"`
	Audit     AuditConfig     `yaml:"audit"`
	Log       LogConfig       `yaml:"log"`
	Accounts  []Account       `yaml:"accounts"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	TLSCert         string        `yaml:"tls_cert"`
	TLSKey          string        `yaml:"tls_key"`
	InsecureHTTP    bool          `yaml:"insecure_http"`
	TrustedProxies  []string      `yaml:"trusted_proxies"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

type RateLimitConfig struct {
	Window           time.Duration `yaml:"window"`
	MaxRequests      int           `yaml:"max_requests"`
	SweepProbability float64       `yaml:"sweep_probability"`
}

type TokenConfig struct {
	// Secret is the master secret tokens are signed under. When empty the
	// server generates an ephemeral one.
	Secret      string        `yaml:"secret"`
	Issuer      string        `yaml:"issuer"`
	PasswordTTL time.Duration `yaml:"password_ttl"`
	DemoTTL     time.Duration `yaml:"demo_ttl"`
	DemoEnabled bool          `yaml:"demo_enabled"`
}

type SessionConfig struct {
	RevalidateEvery time.Duration `yaml:"revalidate_every"`
	RefreshEvery    time.Duration `yaml:"refresh_every"`
	// Persistent keeps the session cache in the storage backend, sealed
	// under WrappingKey (64 hex characters).
	Persistent  bool   `yaml:"persistent"`
	WrappingKey string `yaml:"wrapping_key"`
}

type QuotaConfig struct {
	DailyMax int `yaml:"daily_max"`
	// UTCOffsetHours fixes the zone that defines a calendar day.
	UTCOffsetHours float64 `yaml:"utc_offset_hours"`
	// Backend overrides Storage.Backend for usage records; "redis" is only
	// valid here.
	Backend string `yaml:"backend"`
}

type StorageConfig struct {
	Backend     string      `yaml:"backend"`
	DataDir     string      `yaml:"data_dir"`
	PostgresDSN string      `yaml:"postgres_dsn"`
	Redis       RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type ConverterConfig struct {
	// URL of the generation service. Empty selects the echo converter.
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type AuditConfig struct {
	WebhookURL   string  `yaml:"webhook_url"`
	WebhookRate  float64 `yaml:"webhook_rate"`
	WebhookBurst int     `yaml:"webhook_burst"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Account is a static password account. PasswordHash is an argon2id PHC
// string as produced by `gatewarden hash-password`.
type Account struct {
	Username     string `yaml:"username"`
	DisplayName  string `yaml:"display_name"`
	PasswordHash string `yaml:"password_hash"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8443,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		RateLimit: RateLimitConfig{
			Window:           60 * time.Second,
			MaxRequests:      50,
			SweepProbability: 0.01,
		},
		Token: TokenConfig{
			Issuer:      "gatewarden",
			PasswordTTL: 24 * time.Hour,
			DemoTTL:     2 * time.Hour,
			DemoEnabled: true,
		},
		Session: SessionConfig{
			RevalidateEvery: 5 * time.Minute,
			RefreshEvery:    30 * time.Minute,
		},
		Quota: QuotaConfig{
			DailyMax:       1,
			UTCOffsetHours: 9,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			DataDir: "./data",
		},
		Converter: ConverterConfig{Timeout: 60 * time.Second},
		Audit:     AuditConfig{WebhookRate: 5, WebhookBurst: 10},
		Log:       LogConfig{Level: "info", Format: "json"},
	}
}

// LoadOptions selects the sources Load reads.
type LoadOptions struct {
	// File is an optional YAML file. A missing file is an error.
	File string
	// DotEnv lists .env files to load. Missing files are skipped. Existing
	// environment variables are not overwritten.
	DotEnv []string
	// Lookup reads environment variables; defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
}

// Load builds a Config from defaults, File, DotEnv and the environment.
func Load(opts LoadOptions) (Config, error) {
	cfg := Default()
	if opts.File != "" {
		data, err := os.ReadFile(opts.File)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", opts.File, err)
		}
	}
	for _, f := range opts.DotEnv {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("loading %s: %w", f, err)
		}
	}
	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeYAML rejects unknown keys so typos surface at startup.
func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// QuotaOffset returns the configured reference zone offset for quota days.
func (c Config) QuotaOffset() time.Duration {
	return time.Duration(c.Quota.UTCOffsetHours * float64(time.Hour))
}

// QuotaBackend returns the effective backend for usage records.
func (c Config) QuotaBackend() string {
	if c.Quota.Backend != "" {
		return c.Quota.Backend
	}
	return c.Storage.Backend
}

// WrappingKeyBytes decodes Session.WrappingKey.
func (c Config) WrappingKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(c.Session.WrappingKey))
	if err != nil {
		return nil, fmt.Errorf("session wrapping key must be hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("session wrapping key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port must be between 1 and 65535")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		add("server.tls_cert and server.tls_key must be set together")
	}
	if c.RateLimit.Window < time.Second {
		add("rate_limit.window must be at least 1s")
	}
	if c.RateLimit.MaxRequests < 1 {
		add("rate_limit.max_requests must be positive")
	}
	if c.RateLimit.SweepProbability < 0 || c.RateLimit.SweepProbability > 1 {
		add("rate_limit.sweep_probability must be within [0,1]")
	}
	if c.Token.Secret != "" && len(c.Token.Secret) < 16 {
		add("token.secret must be at least 16 characters")
	}
	if c.Token.PasswordTTL < time.Second || c.Token.DemoTTL < time.Second {
		add("token TTLs must be at least 1s")
	}
	if c.Session.RevalidateEvery <= 0 || c.Session.RefreshEvery <= 0 {
		add("session intervals must be positive")
	}
	if c.Session.Persistent {
		if c.Storage.Backend == BackendMemory {
			add("session.persistent requires a durable storage.backend")
		}
		if _, err := c.WrappingKeyBytes(); err != nil {
			add("session.wrapping_key: %v", err)
		}
	}
	if c.Quota.DailyMax < 1 {
		add("quota.daily_max must be positive")
	}
	if c.Quota.UTCOffsetHours < -12 || c.Quota.UTCOffsetHours > 14 {
		add("quota.utc_offset_hours must be within [-12,14]")
	}
	switch c.Storage.Backend {
	case BackendMemory, BackendBBolt:
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			add("storage.postgres_dsn is required for the postgres backend")
		}
	default:
		add("storage.backend %q is not one of memory, bbolt, postgres", c.Storage.Backend)
	}
	switch c.Quota.Backend {
	case "", BackendMemory, BackendBBolt, BackendPostgres:
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			add("storage.redis.addr is required for the redis quota backend")
		}
	default:
		add("quota.backend %q is not one of memory, bbolt, postgres, redis", c.Quota.Backend)
	}
	if c.Quota.Backend == BackendPostgres && c.Storage.PostgresDSN == "" {
		add("storage.postgres_dsn is required for the postgres quota backend")
	}
	for i, a := range c.Accounts {
		if a.Username == "" || a.PasswordHash == "" {
			add("accounts[%d] needs username and password_hash", i)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		add("log.format must be json or text")
	}
	return errors.Join(errs...)
}
