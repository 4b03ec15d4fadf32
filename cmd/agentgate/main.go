package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentgate/agentgate/pkg/adapter/bundled"
	"github.com/agentgate/agentgate/pkg/api"
	"github.com/agentgate/agentgate/pkg/audit"
	"github.com/agentgate/agentgate/pkg/auth"
	"github.com/agentgate/agentgate/pkg/config"
	"github.com/agentgate/agentgate/pkg/gateway"
	"github.com/agentgate/agentgate/pkg/jobs"
	"github.com/agentgate/agentgate/pkg/kms"
	"github.com/agentgate/agentgate/pkg/oauth"
	"github.com/agentgate/agentgate/pkg/observability"
	"github.com/agentgate/agentgate/pkg/registry"
	"github.com/agentgate/agentgate/pkg/store"
	"github.com/agentgate/agentgate/pkg/vault"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := "serve"
	if len(args) > 1 {
		cmd = args[1]
	}

	switch cmd {
	case "serve", "server":
		if err := serve(); err != nil {
			fmt.Fprintf(stderr, "agentgate: %v\n", err)
			return 1
		}
		return 0
	case "health":
		return healthCmd(stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "agentgate %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", cmd)
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: agentgate [command]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve     Run the gateway (default)")
	fmt.Fprintln(w, "  health    Check a running gateway's /health endpoint")
	fmt.Fprintln(w, "  version   Print the version")
}

func healthCmd(stdout, stderr io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://localhost:" + port + "/health")
	if err != nil {
		fmt.Fprintf(stderr, "unhealthy: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "unhealthy: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "ok")
	return 0
}

func serve() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "agentgate",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Insecure:       cfg.Environment == "development",
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	db, err := store.Open(cfg.DatabaseURL, cfg.IsPostgres())
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	auditor := audit.NewLogger(db)
	adapters := store.NewAdapterStore(db)
	transactions := store.NewTransactionStore(db)
	businesses := store.NewBusinessStore(db)
	profiles := store.NewProfileStore(db)
	jobStore := store.NewJobStore(db)
	keys := store.NewAPIKeyStore(db)
	users := store.NewUserStore(db)
	oauthState := store.NewOAuthStateStore(db)
	sqlIdem := store.NewSQLIdempotencyStore(db)

	provider, err := kmsProvider(ctx, cfg)
	if err != nil {
		return err
	}
	v := vault.New(db, provider, cfg.KMSKeyID, auditor)

	type migrator interface {
		Migrate(ctx context.Context) error
	}
	for _, m := range []migrator{
		auditor, v, adapters, transactions, businesses,
		profiles, jobStore, keys, users, oauthState, sqlIdem,
	} {
		if err := m.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	idem, err := idempotencyStore(cfg, sqlIdem, logger)
	if err != nil {
		return err
	}

	oauthSvc := oauth.NewService(v, auditor, http.DefaultClient, logger)

	reg := registry.New(cfg.RuntimeDir, cfg.BundledDir, adapters, logger)
	if err := bundled.Materialize(cfg.BundledDir); err != nil {
		return fmt.Errorf("materialize bundled adapters: %w", err)
	}
	if err := reg.RestoreFromDB(ctx); err != nil {
		return fmt.Errorf("registry restore: %w", err)
	}
	sources, err := bundled.Sources()
	if err != nil {
		return err
	}
	if err := reg.SeedBundled(ctx, sources); err != nil {
		return fmt.Errorf("registry seed: %w", err)
	}
	if err := reg.LoadDynamicDir(ctx); err != nil {
		logger.Warn("dynamic adapter load failed", "error", err)
	}
	if cfg.RegistrySyncInterval > 0 {
		reg.StartSync(ctx, cfg.RegistrySyncInterval)
	}

	if n, err := jobStore.RecoverStale(ctx); err != nil {
		return fmt.Errorf("job recovery: %w", err)
	} else if n > 0 {
		logger.Info("recovered stale generation jobs", "count", n)
	}

	worker := jobs.NewWorker(jobStore, adapters, profiles, reg, nil, jobs.Options{
		Interval:   cfg.WorkerInterval,
		Provider:   cfg.GeneratorProvider,
		Model:      cfg.GeneratorModel,
		DailyLimit: cfg.GenerationDailyLimit,
	}, logger)
	worker.Start(ctx)
	defer worker.Stop()

	gw := gateway.NewService(reg, v, oauthSvc, auditor, transactions, businesses, profiles,
		http.DefaultClient, cfg.AdapterTimeout, logger)
	gate := gateway.NewPolicyGate(cfg.ExecutePolicy, cfg.SessionSecret)
	sessions := auth.NewSessions(cfg.SessionSecret, users)

	server := api.NewServer(api.Deps{
		Config:      cfg,
		Version:     version,
		DB:          db,
		Gateway:     gw,
		Gate:        gate,
		Registry:    reg,
		Vault:       v,
		OAuth:       oauthSvc,
		Auditor:     auditor,
		Worker:      worker,
		Adapters:    adapters,
		Businesses:  businesses,
		Jobs:        jobStore,
		APIKeys:     keys,
		Users:       users,
		OAuthState:  oauthState,
		Idempotency: idem,
		Auth:        auth.NewAuthenticator(keys, sessions, cfg.AdminAPIKey, cfg.AdminEmails),
		Sessions:    sessions,
		Limiter:     auth.NewRateLimiter(float64(cfg.RateLimitRPS), cfg.RateLimitBurst),
		Logger:      logger,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           obs.HTTPMiddleware(server.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "port", cfg.Port, "environment", cfg.Environment)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	// Flush the WAL so a post-shutdown file copy is a clean backup.
	if err := store.Checkpoint(shutdownCtx, db); err != nil {
		logger.Warn("wal checkpoint failed", "error", err)
	}
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Environment == "development" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func kmsProvider(ctx context.Context, cfg *config.Config) (kms.Provider, error) {
	if cfg.KMSKeyID != "" {
		return kms.NewAWSProvider(ctx, cfg.KMSKeyID)
	}
	if cfg.KMSSecret == "" {
		slog.Warn("KMS_SECRET not set, using an ephemeral local key")
	}
	return kms.NewLocalProvider(cfg.KMSSecret), nil
}

// idempotencyStore prefers Redis when configured so replays survive
// across instances; otherwise the SQL cache serves a single node.
func idempotencyStore(cfg *config.Config, sqlStore *store.SQLIdempotencyStore, logger *slog.Logger) (store.IdempotencyStore, error) {
	if cfg.RedisURL == "" {
		return sqlStore, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	logger.Info("idempotency cache on redis", "addr", opts.Addr)
	return store.NewRedisIdempotencyStore(redis.NewClient(opts)), nil
}
