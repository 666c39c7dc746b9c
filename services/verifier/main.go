package verifier

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"vaultescrow/crypto"
	"vaultescrow/gateway/middleware"
	"vaultescrow/observability/logging"
	telemetry "vaultescrow/observability/otel"
	"vaultescrow/services/paygate"
)

// Main runs the verification daemon using the provided command line flags.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to verifierd config (optional)")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("VAULT_ENV"))
	logOpts := logging.Options{Service: "verifierd", Env: env, Level: logging.ParseLevel(cfg.Log.Level)}
	if cfg.Log.File != "" {
		logOpts.File = &logging.FileOptions{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		}
	} else {
		logOpts.File = logging.FileFromEnv()
	}
	logger, closeLog := logging.SetupWithOptions(logOpts)
	defer func() { _ = closeLog() }()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("verifierd", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	backend, err := NewAnthropicBackend(AnthropicConfig{
		BaseURL:   cfg.Backend.BaseURL,
		APIKey:    cfg.Backend.APIKey,
		Model:     cfg.Backend.Model,
		MaxTokens: cfg.Backend.MaxTokens,
		Timeout:   cfg.Backend.Timeout,
	}, nil)
	if err != nil {
		return err
	}
	verifier := New(backend, logger)
	if cfg.Attestation.SignerKey != "" {
		key, err := crypto.PrivateKeyFromHex(cfg.Attestation.SignerKey)
		if err != nil {
			return fmt.Errorf("load attestation key: %w", err)
		}
		verifier.SetSigner(key)
		logger.Info("verdict attestations enabled", slog.String("attestor", key.Address().Hex()))
	}

	audit, err := OpenAuditStore(cfg.Audit.Driver, cfg.Audit.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = audit.Close() }()

	var store paygate.SettlementStore
	if cfg.Payment.Enabled() && cfg.Payment.SettlementDBPath != "" {
		bolt, err := paygate.NewBoltStore(cfg.Payment.SettlementDBPath)
		if err != nil {
			return fmt.Errorf("open settlement store: %w", err)
		}
		defer func() { _ = bolt.Close() }()
		store = bolt
	}
	gate, err := paygate.New(cfg.Payment, nil, store, logger)
	if err != nil {
		return err
	}
	if gate.Enabled() {
		logger.Info("x402 payment gate enabled",
			slog.String("network", cfg.Payment.Network()),
			slog.String("payTo", cfg.Payment.PayTo))
	} else {
		logger.Warn("no receiving address set, x402 payment disabled")
	}

	server, err := NewServer(ServerConfig{
		Verifier:       verifier,
		Gate:           gate,
		Audit:          audit,
		ServiceName:    cfg.ServiceName,
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit: middleware.RateLimit{
			RatePerSecond: cfg.RateLimit.RatePerSecond,
			Burst:         cfg.RateLimit.Burst,
		},
		RequestTimeout: cfg.Backend.RequestTimeout,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(server, "verifierd"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Backend.RequestTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("verifierd listening", slog.String("addr", cfg.ListenAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	})
	return g.Wait()
}
