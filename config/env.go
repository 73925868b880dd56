package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type envSetter func(cfg *Config, v string) error

func setString(dst func(*Config) *string) envSetter {
	return func(cfg *Config, v string) error {
		*dst(cfg) = v
		return nil
	}
}

func setInt(dst func(*Config) *int) envSetter {
	return func(cfg *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(cfg) = n
		return nil
	}
}

func setFloat(dst func(*Config) *float64) envSetter {
	return func(cfg *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst(cfg) = f
		return nil
	}
}

func setBool(dst func(*Config) *bool) envSetter {
	return func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(cfg) = b
		return nil
	}
}

func setDuration(dst func(*Config) *time.Duration) envSetter {
	return func(cfg *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(cfg) = d
		return nil
	}
}

func setList(dst func(*Config) *[]string) envSetter {
	return func(cfg *Config, v string) error {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*dst(cfg) = out
		return nil
	}
}

// envVars maps variable names (without EnvPrefix) to setters.
var envVars = map[string]envSetter{
	"PORT":                    setInt(func(c *Config) *int { return &c.Server.Port }),
	"TLS_CERT":                setString(func(c *Config) *string { return &c.Server.TLSCert }),
	"TLS_KEY":                 setString(func(c *Config) *string { return &c.Server.TLSKey }),
	"INSECURE_HTTP":           setBool(func(c *Config) *bool { return &c.Server.InsecureHTTP }),
	"TRUSTED_PROXIES":         setList(func(c *Config) *[]string { return &c.Server.TrustedProxies }),
	"SHUTDOWN_TIMEOUT":        setDuration(func(c *Config) *time.Duration { return &c.Server.ShutdownTimeout }),
	"RATE_LIMIT_WINDOW":       setDuration(func(c *Config) *time.Duration { return &c.RateLimit.Window }),
	"RATE_LIMIT_MAX_REQUESTS": setInt(func(c *Config) *int { return &c.RateLimit.MaxRequests }),
	"RATE_LIMIT_SWEEP_PROB":   setFloat(func(c *Config) *float64 { return &c.RateLimit.SweepProbability }),
	"TOKEN_SECRET":            setString(func(c *Config) *string { return &c.Token.Secret }),
	"TOKEN_ISSUER":            setString(func(c *Config) *string { return &c.Token.Issuer }),
	"TOKEN_PASSWORD_TTL":      setDuration(func(c *Config) *time.Duration { return &c.Token.PasswordTTL }),
	"TOKEN_DEMO_TTL":          setDuration(func(c *Config) *time.Duration { return &c.Token.DemoTTL }),
	"TOKEN_DEMO_ENABLED":      setBool(func(c *Config) *bool { return &c.Token.DemoEnabled }),
	"SESSION_PERSISTENT":      setBool(func(c *Config) *bool { return &c.Session.Persistent }),
	"SESSION_WRAPPING_KEY":    setString(func(c *Config) *string { return &c.Session.WrappingKey }),
	"QUOTA_DAILY_MAX":         setInt(func(c *Config) *int { return &c.Quota.DailyMax }),
	"QUOTA_UTC_OFFSET_HOURS":  setFloat(func(c *Config) *float64 { return &c.Quota.UTCOffsetHours }),
	"QUOTA_BACKEND":           setString(func(c *Config) *string { return &c.Quota.Backend }),
	"STORAGE_BACKEND":         setString(func(c *Config) *string { return &c.Storage.Backend }),
	"DATA_DIR":                setString(func(c *Config) *string { return &c.Storage.DataDir }),
	"POSTGRES_DSN":            setString(func(c *Config) *string { return &c.Storage.PostgresDSN }),
	"REDIS_ADDR":              setString(func(c *Config) *string { return &c.Storage.Redis.Addr }),
	"REDIS_PASSWORD":          setString(func(c *Config) *string { return &c.Storage.Redis.Password }),
	"REDIS_DB":                setInt(func(c *Config) *int { return &c.Storage.Redis.DB }),
	"CONVERTER_URL":           setString(func(c *Config) *string { return &c.Converter.URL }),
	"CONVERTER_API_KEY":       setString(func(c *Config) *string { return &c.Converter.APIKey }),
	"CONVERTER_TIMEOUT":       setDuration(func(c *Config) *time.Duration { return &c.Converter.Timeout }),
	"AUDIT_WEBHOOK_URL":       setString(func(c *Config) *string { return &c.Audit.WebhookURL }),
	"LOG_LEVEL":               setString(func(c *Config) *string { return &c.Log.Level }),
	"LOG_FORMAT":              setString(func(c *Config) *string { return &c.Log.Format }),
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for name, set := range envVars {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		if err := set(cfg, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
	}
	return nil
}

// EnvNames lists every recognised variable, fully prefixed.
func EnvNames() []string {
	out := make([]string, 0, len(envVars))
	for name := range envVars {
		out = append(out, EnvPrefix+name)
	}
	return out
}
