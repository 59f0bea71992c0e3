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
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/heartreel/heartreel/accounts"
	"github.com/heartreel/heartreel/api"
	"github.com/heartreel/heartreel/internal/config"
	"github.com/heartreel/heartreel/internal/util"
	"github.com/heartreel/heartreel/site"
	"github.com/heartreel/heartreel/storage"
	bboltstorage "github.com/heartreel/heartreel/storage/bbolt"
	"github.com/heartreel/heartreel/storage/memory"
	"github.com/heartreel/heartreel/storage/postgres"
	"github.com/heartreel/heartreel/storage/sqlite"
)

var serverFlags struct {
	addr        string
	dataDir     string
	storage     string
	postgresDSN string
	tlsCert     string
	tlsKey      string
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the heartreel backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadServer(configPath)
		if err != nil {
			return err
		}
		applyServerFlags(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return runServer(cmd, cfg)
	},
}

func applyServerFlags(cmd *cobra.Command, cfg *config.Server) {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr = serverFlags.addr
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = serverFlags.dataDir
	}
	if flags.Changed("storage") {
		cfg.Storage = serverFlags.storage
	}
	if flags.Changed("postgres-dsn") {
		cfg.PostgresDSN = serverFlags.postgresDSN
	}
	if flags.Changed("tls-cert") {
		cfg.TLSCert = serverFlags.tlsCert
	}
	if flags.Changed("tls-key") {
		cfg.TLSKey = serverFlags.tlsKey
	}
}

// openRepository opens the configured storage backend. The returned close
// func releases it.
func openRepository(ctx context.Context, cfg config.Server) (storage.Repository, func(), error) {
	if cfg.Storage != config.StorageMemory && cfg.Storage != config.StoragePostgres {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	switch cfg.Storage {
	case config.StorageMemory:
		return memory.NewRepository(), func() {}, nil
	case config.StorageSQLite:
		repo, err := sqlite.Open(filepath.Join(cfg.DataDir, "heartreel.sqlite"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite storage: %w", err)
		}
		return repo, func() { repo.Close() }, nil
	case config.StoragePostgres:
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return repo, repo.Close, nil
	default:
		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, "heartreel.db"), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bbolt storage: %w", err)
		}
		return repo, func() { repo.Close() }, nil
	}
}

func tokenSecret(cfg config.Server, logger *slog.Logger) ([]byte, error) {
	if cfg.TokenSecret != "" {
		return []byte(cfg.TokenSecret), nil
	}
	logger.Warn("no token_secret configured; sessions will not survive a restart")
	return util.RandomBytes(32)
}

func newMailer(cfg config.Server, logger *slog.Logger) accounts.Mailer {
	if cfg.ResendAPIKey == "" {
		return accounts.NewLogMailer(logger)
	}
	return accounts.NewResendMailer(cfg.ResendAPIKey, cfg.MailFrom, logger)
}

func runServer(cmd *cobra.Command, cfg config.Server) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()

	kdf, err := util.Argon2idProfile(cfg.KDFProfile)
	if err != nil {
		return err
	}
	accts := accounts.NewService(repo,
		accounts.WithMailer(newMailer(cfg, logger)),
		accounts.WithLogger(logger),
		accounts.WithKDFParams(kdf),
		accounts.WithResetURL(cfg.ResetURL),
	)
	sites := site.NewStore(repo, site.WithKDFParams(kdf))

	secret, err := tokenSecret(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to generate token secret: %w", err)
	}
	tokens, err := accounts.NewTokenIssuer(secret, cfg.TokenTTL)
	if err != nil {
		return err
	}
	sessions := accounts.NewPersistentSessionStore(repo, cfg.SessionIdleTimeout, logger)
	defer sessions.Close()

	proxies, err := api.WithTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return err
	}
	opts := []api.Option{api.WithLogger(logger), api.WithSessionStore(sessions), proxies}
	if cfg.AlertWebhookURL != "" {
		webhook := api.NewAlertWebhook(cfg.AlertWebhookURL, cfg.AlertWebhookAuth, logger)
		defer webhook.Close()
		opts = append(opts, api.WithAlertFunc(webhook.Notify))
	}
	a := api.New(accts, sites, tokens, opts...)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(api.SecurityHeaders)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	r.Mount("/api/v1", a.Router())

	var tlsConfig *tls.Config
	if cfg.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go func() {
		ticker := time.NewTicker(cfg.RateLimitSweep)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				a.SweepRateLimits()
			}
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM.
	done := make(chan error, 1)
	go func() {
		var err error
		if tlsConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	out := cmd.OutOrStdout()
	printBanner(out)
	fmt.Fprintf(out, "Starting server on %s (storage: %s)...\n", cfg.Addr, cfg.Storage)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVar(&serverFlags.addr, "addr", ":8080", "Address to listen on")
	serverCmd.Flags().StringVar(&serverFlags.dataDir, "data-dir", "./data", "Directory for persistent data")
	serverCmd.Flags().StringVar(&serverFlags.storage, "storage", config.StorageBbolt, "Storage backend: bbolt, sqlite, postgres or memory")
	serverCmd.Flags().StringVar(&serverFlags.postgresDSN, "postgres-dsn", "", "PostgreSQL connection string")
	serverCmd.Flags().StringVar(&serverFlags.tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&serverFlags.tlsKey, "tls-key", "", "Path to TLS key file")
}
