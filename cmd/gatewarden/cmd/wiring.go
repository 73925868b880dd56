package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmcleod/gatewarden/anomaly"
	"github.com/jmcleod/gatewarden/api"
	"github.com/jmcleod/gatewarden/config"
	"github.com/jmcleod/gatewarden/fingerprint"
	"github.com/jmcleod/gatewarden/guard"
	"github.com/jmcleod/gatewarden/internal/util"
	"github.com/jmcleod/gatewarden/quota"
	"github.com/jmcleod/gatewarden/ratelimit"
	"github.com/jmcleod/gatewarden/session"
	"github.com/jmcleod/gatewarden/storage"
	bboltstorage "github.com/jmcleod/gatewarden/storage/bbolt"
	"github.com/jmcleod/gatewarden/storage/memory"
	"github.com/jmcleod/gatewarden/storage/postgres"
	"github.com/jmcleod/gatewarden/token"
)

// stack is everything the server assembles from a Config.
type stack struct {
	pipeline  *guard.Pipeline
	validator *session.Validator
	tracker   *quota.Tracker
	limiter   *ratelimit.Limiter
	closers   []func() error
}

func (s *stack) close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

func buildStack(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *stack, err error) {
	s := &stack{}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	codec, err := newCodec(cfg.Token, logger)
	if err != nil {
		return nil, err
	}
	repos := map[string]storage.Repository{}
	repoFor := func(backend string) (storage.Repository, error) {
		if r, ok := repos[backend]; ok {
			return r, nil
		}
		r, closeFn, err := openRepository(ctx, backend, cfg.Storage)
		if err != nil {
			return nil, err
		}
		repos[backend] = r
		s.closers = append(s.closers, closeFn)
		return r, nil
	}

	var cache session.Cache
	if cfg.Session.Persistent {
		repo, err := repoFor(cfg.Storage.Backend)
		if err != nil {
			return nil, err
		}
		key, err := cfg.WrappingKeyBytes()
		if err != nil {
			return nil, err
		}
		pc, err := session.NewPersistentCache(repo, key, nil, logger)
		util.WipeBytes(key)
		if err != nil {
			return nil, fmt.Errorf("opening session cache: %w", err)
		}
		s.closers = append(s.closers, func() error { pc.Close(); return nil })
		cache = pc
	}
	s.validator = session.NewValidator(codec,
		session.WithCache(cache),
		session.WithLogger(logger),
		session.WithSchedule(session.Schedule{
			RevalidateEvery: cfg.Session.RevalidateEvery,
			RefreshEvery:    cfg.Session.RefreshEvery,
		}),
	)

	store, err := openQuotaStore(cfg, repoFor)
	if err != nil {
		return nil, err
	}
	if c, ok := store.(interface{ Close() error }); ok {
		s.closers = append(s.closers, c.Close)
	}
	s.tracker, err = quota.New(store, quota.Config{
		DailyMax: cfg.Quota.DailyMax,
		Location: quota.FixedZone(cfg.QuotaOffset()),
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	s.limiter, err = ratelimit.New(ratelimit.Config{
		Window:           cfg.RateLimit.Window,
		MaxRequests:      cfg.RateLimit.MaxRequests,
		SweepProbability: cfg.RateLimit.SweepProbability,
	})
	if err != nil {
		return nil, err
	}

	s.pipeline, err = guard.New(guard.Components{
		Limiter:      s.limiter,
		Detector:     anomaly.New(anomaly.DefaultConfig()),
		Validator:    s.validator,
		Tracker:      s.tracker,
		Fingerprints: fingerprint.New(fingerprint.ServerProfile),
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// newCodec builds the token codec. Without a configured secret an
// ephemeral one is generated; tokens then do not survive a restart.
func newCodec(cfg config.TokenConfig, logger *slog.Logger) (*token.Codec, error) {
	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		generated, err := util.RandomBytes(32)
		if err != nil {
			return nil, err
		}
		secret = generated
		logger.Warn("no token secret configured; using an ephemeral secret, tokens will not survive a restart")
	}
	return token.New(token.Config{
		Secret:      secret,
		Issuer:      cfg.Issuer,
		PasswordTTL: cfg.PasswordTTL,
		DemoTTL:     cfg.DemoTTL,
	})
}

func openRepository(ctx context.Context, backend string, cfg config.StorageConfig) (storage.Repository, func() error, error) {
	switch backend {
	case config.BackendMemory:
		return memory.NewRepository(), func() error { return nil }, nil
	case config.BackendBBolt:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, "gatewarden.db"), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bbolt storage: %w", err)
		}
		return repo, repo.Close, nil
	case config.BackendPostgres:
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		repo, err := postgres.NewRepositoryFromDSN(cctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return repo, repo.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

func openQuotaStore(cfg config.Config, repoFor func(string) (storage.Repository, error)) (quota.Store, error) {
	switch backend := cfg.QuotaBackend(); backend {
	case config.BackendMemory:
		return quota.NewMemoryStore(), nil
	case config.BackendRedis:
		store, err := quota.NewRedisStore(quota.RedisConfig{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			Prefix:   cfg.Storage.Redis.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open redis quota store: %w", err)
		}
		return store, nil
	default:
		repo, err := repoFor(backend)
		if err != nil {
			return nil, err
		}
		return quota.NewRepositoryStore(repo), nil
	}
}

func apiOptions(cfg config.Config, logger *slog.Logger) ([]api.Option, error) {
	proxies, err := api.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, err
	}
	accounts := make([]api.Account, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		accounts = append(accounts, api.Account{Username: a.Username, DisplayName: a.DisplayName, PasswordHash: a.PasswordHash})
	}
	table, err := api.NewAccountTable(accounts)
	if err != nil {
		return nil, fmt.Errorf("loading accounts: %w", err)
	}

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithAccounts(table),
		api.WithTrustedProxies(proxies),
		api.WithDemo(cfg.Token.DemoEnabled),
		api.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		api.WithAuditWebhook(cfg.Audit.WebhookURL, "", cfg.Audit.WebhookRate, cfg.Audit.WebhookBurst),
	}
	if cfg.Converter.URL != "" {
		opts = append(opts, api.WithConverter(api.NewHTTPConverter(cfg.Converter.URL, cfg.Converter.APIKey, cfg.Converter.Timeout)))
	} else {
		logger.Warn("no converter URL configured; using the echo converter")
	}
	return opts, nil
}
