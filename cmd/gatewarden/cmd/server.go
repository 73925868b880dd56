package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmcleod/gatewarden/api"
	"github.com/jmcleod/gatewarden/config"
	"github.com/jmcleod/gatewarden/internal/util"
)

const janitorInterval = time.Minute

var serverFlags struct {
	port         int
	dataDir      string
	tlsCert      string
	tlsKey       string
	insecureHTTP bool
	storage      string
	quotaBackend string
	rateLimitMax int
	rateLimitWin time.Duration
	dailyMax     int
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the gateway server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyServerFlags(cmd.Flags(), &cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, err := newLogger(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := buildStack(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := st.close(); err != nil {
				logger.Error("closing storage", "error", err)
			}
		}()

		opts, err := apiOptions(cfg, logger)
		if err != nil {
			return err
		}
		a := api.New(st.pipeline, opts...)
		defer a.Close()

		go runJanitor(ctx, st, a, logger)

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           a.Router(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      cfg.Converter.Timeout + 30*time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if !cfg.Server.InsecureHTTP {
			server.TLSConfig, err = serverTLSConfig(cfg.Server, logger)
			if err != nil {
				return err
			}
		}

		done := make(chan error, 1)
		go func() {
			var err error
			if cfg.Server.InsecureHTTP {
				err = server.ListenAndServe()
			} else {
				err = server.ListenAndServeTLS("", "")
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		logger.Info("server started",
			"port", cfg.Server.Port,
			"tls", !cfg.Server.InsecureHTTP,
			"storage", cfg.Storage.Backend,
			"quota_backend", cfg.QuotaBackend(),
			"daily_max", cfg.Quota.DailyMax,
		)

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(sctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	f := serverCmd.Flags()
	f.IntVarP(&serverFlags.port, "port", "p", 8443, "Port to listen on")
	f.StringVar(&serverFlags.dataDir, "data-dir", "./data", "Directory for bbolt data")
	f.StringVar(&serverFlags.tlsCert, "tls-cert", "", "Path to TLS certificate file")
	f.StringVar(&serverFlags.tlsKey, "tls-key", "", "Path to TLS key file")
	f.BoolVar(&serverFlags.insecureHTTP, "insecure-http", false, "Serve plain HTTP (behind a TLS-terminating proxy)")
	f.StringVar(&serverFlags.storage, "storage", config.BackendMemory, "Storage backend: memory, bbolt or postgres")
	f.StringVar(&serverFlags.quotaBackend, "quota-backend", "", "Quota backend override: memory, bbolt, postgres or redis")
	f.IntVar(&serverFlags.rateLimitMax, "rate-limit-max", 50, "Requests allowed per client per window")
	f.DurationVar(&serverFlags.rateLimitWin, "rate-limit-window", time.Minute, "Rate limit window")
	f.IntVar(&serverFlags.dailyMax, "daily-max", 1, "Conversions per anonymous device per day")
}

// applyServerFlags overrides cfg with the flags set on the command line.
// Flags left at their defaults do not mask file or environment values.
func applyServerFlags(fs *pflag.FlagSet, cfg *config.Config) {
	if fs.Changed("port") {
		cfg.Server.Port = serverFlags.port
	}
	if fs.Changed("data-dir") {
		cfg.Storage.DataDir = serverFlags.dataDir
	}
	if fs.Changed("tls-cert") {
		cfg.Server.TLSCert = serverFlags.tlsCert
	}
	if fs.Changed("tls-key") {
		cfg.Server.TLSKey = serverFlags.tlsKey
	}
	if fs.Changed("insecure-http") {
		cfg.Server.InsecureHTTP = serverFlags.insecureHTTP
	}
	if fs.Changed("storage") {
		cfg.Storage.Backend = serverFlags.storage
	}
	if fs.Changed("quota-backend") {
		cfg.Quota.Backend = serverFlags.quotaBackend
	}
	if fs.Changed("rate-limit-max") {
		cfg.RateLimit.MaxRequests = serverFlags.rateLimitMax
	}
	if fs.Changed("rate-limit-window") {
		cfg.RateLimit.Window = serverFlags.rateLimitWin
	}
	if fs.Changed("daily-max") {
		cfg.Quota.DailyMax = serverFlags.dailyMax
	}
}

func serverTLSConfig(cfg config.ServerConfig, logger *slog.Logger) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		cert, err = tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		cert, err = util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		logger.Warn("using self-signed runtime generated certificate for TLS")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// runJanitor periodically drops expired sessions, stale rate limit
// windows, login backoff entries and usage records from past days.
func runJanitor(ctx context.Context, st *stack, a *api.API, logger *slog.Logger) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions := st.validator.SweepCache()
			windows := st.limiter.Sweep()
			a.Sweep()
			usage, err := st.tracker.Prune(ctx)
			if err != nil {
				logger.Warn("pruning usage records", "error", err)
			}
			if sessions+windows+usage > 0 {
				logger.Debug("janitor sweep", "sessions", sessions, "windows", windows, "usage_records", usage)
			}
		}
	}
}
