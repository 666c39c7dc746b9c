package vaultd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"vaultescrow/config"
	"vaultescrow/core/events"
	"vaultescrow/core/state"
	gatewayauth "vaultescrow/gateway/auth"
	"vaultescrow/gateway/middleware"
	"vaultescrow/native/escrow"
	"vaultescrow/observability"
	"vaultescrow/observability/logging"
	telemetry "vaultescrow/observability/otel"
	"vaultescrow/storage"
)

// PassphraseFunc resolves the operator keystore passphrase, consulting envVar
// first.
type PassphraseFunc func(envVar string) (string, error)

// Main runs the ledger daemon using the provided command line flags.
func Main(passphrase PassphraseFunc) error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "vaultd.toml", "path to vaultd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("VAULT_ENV"))
	logOpts := logging.Options{Service: "vaultd", Env: env, Level: logging.ParseLevel(cfg.Log.Level)}
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

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("vaultd", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	pass, err := passphrase(cfg.KeystorePassphraseEnv)
	if err != nil {
		return err
	}
	operator, created, err := cfg.OperatorKey(pass)
	if err != nil {
		return fmt.Errorf("unlock operator keystore: %w", err)
	}
	if created {
		logger.Info("created operator keystore", slog.String("path", cfg.OperatorKeystorePath))
	}
	settings, err := cfg.LedgerSettings(operator.Address())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(cfg.LedgerDBPath())
	if err != nil {
		return fmt.Errorf("open ledger db: %w", err)
	}
	defer db.Close()

	feed := events.NewFeed(cfg.Indexer.StreamBuffer)
	if err := os.MkdirAll(filepath.Dir(cfg.Indexer.Path), 0o755); err != nil {
		return fmt.Errorf("create indexer dir: %w", err)
	}
	indexer, err := OpenIndexer(cfg.Indexer.Path, feed, logger)
	if err != nil {
		return fmt.Errorf("open event index: %w", err)
	}
	defer func() { _ = indexer.Close() }()

	ledger := escrow.NewLedger(state.NewManager(db))
	ledger.SetEmitter(indexer)
	if settings.MinimumFee != nil {
		ledger.SetMinimumFee(settings.MinimumFee)
	}
	ledger.SetFeeTreasury(settings.FeeTreasury)
	ledger.SetDecryptor(settings.Decryptor)
	ledger.SetAttestor(settings.Attestor, settings.AttestorMinConfidence)
	ledger.SetLedgerID(settings.ID)
	if count, err := ledger.EscrowCount(); err == nil {
		observability.Ledger().SetEscrowCount(count)
	}

	var persistence gatewayauth.NoncePersistence
	if cfg.Auth.PersistNonces {
		nonces, err := gatewayauth.NewLevelDBNoncePersistence(cfg.NonceDBPath())
		if err != nil {
			return err
		}
		defer func() { _ = nonces.Close() }()
		persistence = nonces
	}
	signer := gatewayauth.NewAuthenticator(cfg.SignatureSkew(), cfg.NonceTTL(), cfg.Auth.NonceCapacity, nil, persistence)
	if err := signer.HydrateNonces(context.Background(), time.Now().Add(-signer.NonceWindow())); err != nil {
		return err
	}

	var operatorAuth *middleware.Authenticator
	if cfg.Auth.Operator.Enabled {
		secret := strings.TrimSpace(os.Getenv(cfg.Auth.Operator.HMACSecretEnv))
		if secret == "" {
			return fmt.Errorf("operator auth enabled but %s is empty", cfg.Auth.Operator.HMACSecretEnv)
		}
		operatorAuth = middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    true,
			HMACSecret: secret,
			Issuer:     cfg.Auth.Operator.Issuer,
			Audience:   cfg.Auth.Operator.Audience,
		}, logger)
	}

	server, err := NewServer(ServerConfig{
		Ledger:         ledger,
		Signer:         signer,
		Operator:       operatorAuth,
		Indexer:        indexer,
		Feed:           feed,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(server, "vaultd"),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("ledger ready",
		slog.String("ledgerId", settings.ID),
		slog.String("operator", operator.Address().Hex()),
		slog.String("feeTreasury", settings.FeeTreasury.Hex()),
		slog.String("decryptor", settings.Decryptor.Hex()),
		slog.String("minimumFee", ledger.MinimumFee().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("vaultd listening", slog.String("addr", cfg.ListenAddress))
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
