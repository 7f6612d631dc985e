package main

import (
	"context"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehrsync/ehrsync/internal/config"
	"github.com/ehrsync/ehrsync/internal/platform/audit"
	"github.com/ehrsync/ehrsync/internal/platform/db"
	"github.com/ehrsync/ehrsync/internal/platform/locks"
	"github.com/ehrsync/ehrsync/internal/platform/middleware"
	"github.com/ehrsync/ehrsync/internal/platform/secrets"
	"github.com/ehrsync/ehrsync/internal/sync/adapter"
	"github.com/ehrsync/ehrsync/internal/sync/conflict"
	"github.com/ehrsync/ehrsync/internal/sync/orchestrator"
	"github.com/ehrsync/ehrsync/internal/sync/provider"
	"github.com/ehrsync/ehrsync/internal/sync/queue"
	"github.com/ehrsync/ehrsync/internal/sync/record"
	"github.com/ehrsync/ehrsync/internal/sync/webhook"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sync-server",
		Short: "EHR sync orchestration engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sync engine and its API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			sandbox, _ := cmd.Flags().GetBool("sandbox")
			return runServer(sandbox)
		},
	}
	cmd.Flags().Bool("sandbox", false, "Run on in-memory stores with mock vendor adapters")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a headless worker pool against the shared queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// stores bundles the persistence layer so the commands can swap the whole
// set between Postgres and in-memory sandbox implementations.
type stores struct {
	queue     queue.Queue
	records   record.Store
	conflicts conflict.Store
	webhooks  webhook.Store
	conns     []*provider.Connection
	registry  *adapter.Registry
	db        *pgxpool.Pool
	provStore *provider.PGStore
}

// app holds the wired subsystems shared by the serve and worker commands.
type app struct {
	st          stores
	codec       *secrets.Codec
	connPool    *provider.Pool
	dispatcher  *webhook.Dispatcher
	conflictSvc *conflict.Service
	orch        *orchestrator.Orchestrator
	auditor     audit.Emitter
	closeLocker func() error
}

func buildApp(ctx context.Context, cfg *config.Config, sandbox bool, logger zerolog.Logger) (*app, error) {
	codec, err := buildCodec(cfg, sandbox, logger)
	if err != nil {
		return nil, fmt.Errorf("credential codec: %w", err)
	}

	jobPolicy := queue.RetryPolicy{
		MaxAttempts: cfg.JobMaxAttempts,
		BackoffBase: time.Duration(cfg.JobBackoffBaseMs) * time.Millisecond,
		BackoffCap:  time.Duration(cfg.JobBackoffCapSec) * time.Second,
	}

	var st stores
	if sandbox {
		st, err = sandboxStores(jobPolicy, codec)
	} else {
		st, err = pgStores(ctx, cfg, jobPolicy)
	}
	if err != nil {
		return nil, err
	}

	auditor := audit.NewLogEmitter(logger)

	var locker locks.Locker
	closeLocker := func() error { return nil }
	if cfg.RedisURL != "" {
		redisLocker, err := locks.NewRedisLocker(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		if err := redisLocker.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis unreachable: %w", err)
		}
		locker = redisLocker
		closeLocker = redisLocker.Close
	} else {
		locker = locks.NewLocalLocker()
	}

	httpClient := &http.Client{Timeout: cfg.AdapterTimeout()}
	adapters := &orchestrator.RegistrySource{
		Registry: st.registry,
		Codec:    codec,
		Client:   httpClient,
	}

	// The health probe builds a fresh adapter per check so credential
	// rotation is picked up without a restart.
	probe := func(probeCtx context.Context, conn *provider.Connection) error {
		ad, err := adapters.For(probeCtx, conn)
		if err == nil {
			err = ad.HealthCheck(probeCtx)
		}
		if st.provStore != nil {
			if dbErr := st.provStore.SetHealth(probeCtx, conn.ID, err == nil, time.Now()); dbErr != nil {
				logger.Warn().Err(dbErr).Msg("persist connection health")
			}
		}
		return err
	}
	connPool := provider.NewPool(st.conns, probe, time.Minute, logger)

	resolver := conflict.NewEngine(cfg.AuthorityMap())
	resolver.AmbiguityWindow = cfg.AmbiguityWindow()

	dispatcher := webhook.NewDispatcher(st.webhooks, webhook.RetryPolicy{
		BackoffBase:        time.Duration(cfg.WebhookBackoffBaseMs) * time.Millisecond,
		BackoffCap:         time.Duration(cfg.WebhookBackoffCapSec) * time.Second,
		DefaultMaxAttempts: cfg.WebhookMaxAttempts,
	}, httpClient, auditor, time.Duration(cfg.WebhookPollMs)*time.Millisecond, logger)

	conflictSvc := conflict.NewService(st.conflicts, st.records, auditor, dispatcher, logger)

	orch := orchestrator.New(st.queue, connPool, adapters, st.records, resolver,
		conflictSvc, dispatcher, locker, auditor, orchestrator.Options{
			WorkerCount:    cfg.WorkerCount,
			PollInterval:   time.Duration(cfg.WorkerPollMs) * time.Millisecond,
			LeaseDuration:  cfg.LeaseDuration(),
			AdapterTimeout: cfg.AdapterTimeout(),
			Parallelism:    cfg.TransformParallelism,
		}, logger)

	return &app{
		st:          st,
		codec:       codec,
		connPool:    connPool,
		dispatcher:  dispatcher,
		conflictSvc: conflictSvc,
		orch:        orch,
		auditor:     auditor,
		closeLocker: closeLocker,
	}, nil
}

func (a *app) start(ctx context.Context) {
	a.connPool.Start(ctx)
	a.dispatcher.Start(ctx)
	a.orch.Start(ctx)
}

// stop drains in-flight work. Callers cancel the run context first.
func (a *app) stop() {
	a.orch.Wait()
	a.dispatcher.Close()
	a.connPool.Close()
	_ = a.closeLocker()
	if a.st.db != nil {
		a.st.db.Close()
	}
}

func runServer(sandbox bool) error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(sandbox); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, sandbox, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to wire engine")
	}
	logger.Info().Bool("sandbox", sandbox).Int("connections", len(a.st.conns)).Msg("engine ready")

	// The scheduler runs only in the serve process; its poll marks are
	// process-local and a worker fleet must not double-enqueue.
	scheduler := orchestrator.NewScheduler(a.st.queue, a.connPool,
		time.Duration(cfg.PollIntervalSec)*time.Second, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	e.Use(middleware.RequestTimeout(30 * time.Second))

	apiV1 := e.Group("/api/v1")
	orchestrator.NewHandler(a.st.queue, a.connPool, a.conflictSvc, a.codec, a.auditor).RegisterRoutes(apiV1)
	conflict.NewHandler(a.conflictSvc).RegisterRoutes(apiV1.Group("/sync"))
	webhook.NewHandler(a.st.webhooks).RegisterRoutes(apiV1.Group("/sync"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if a.st.db != nil {
		e.GET("/health/db", db.HealthHandler(a.st.db))
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	a.start(runCtx)
	scheduler.Start(runCtx)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}

	// Stop intake first, then let in-flight jobs drain.
	scheduler.Close()
	cancelRun()
	a.stop()

	logger.Info().Msg("server stopped")
	return nil
}

func runWorker() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(false); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, false, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to wire engine")
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	a.start(runCtx)
	logger.Info().Int("workers", cfg.WorkerCount).Msg("worker pool running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	cancelRun()
	a.stop()

	logger.Info().Msg("worker stopped")
	return nil
}

// buildCodec returns the credential codec. Sandbox mode without a configured
// key gets an ephemeral one; everything encrypted with it dies with the
// process, which is fine for throwaway environments.
func buildCodec(cfg *config.Config, sandbox bool, logger zerolog.Logger) (*secrets.Codec, error) {
	if cfg.CredentialKey != "" {
		return secrets.NewCodecFromHex(cfg.CredentialKey)
	}
	if !sandbox {
		return nil, fmt.Errorf("CREDENTIAL_ENCRYPTION_KEY is not set")
	}

	key := make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate sandbox key: %w", err)
	}
	logger.Warn().Str("key", hex.EncodeToString(key)).Msg("sandbox: generated ephemeral credential key")
	return secrets.NewCodec(key)
}

func pgStores(ctx context.Context, cfg *config.Config, policy queue.RetryPolicy) (stores, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return stores{}, fmt.Errorf("connect to database: %w", err)
	}

	provStore := provider.NewPGStore(pool)
	conns, err := provStore.List(ctx)
	if err != nil {
		return stores{}, fmt.Errorf("load connections: %w", err)
	}

	return stores{
		queue:     queue.NewPGQueue(pool, policy),
		records:   record.NewPGStore(pool),
		conflicts: conflict.NewPGStore(pool),
		webhooks:  webhook.NewPGStore(pool),
		conns:     conns,
		registry:  adapter.DefaultRegistry(),
		db:        pool,
		provStore: provStore,
	}, nil
}

// sandboxStores wires everything in memory: one mock connection per vendor,
// seeded with a few patients so the polling loop has something to sync.
func sandboxStores(policy queue.RetryPolicy, codec *secrets.Codec) (stores, error) {
	registry := adapter.NewRegistry()
	var conns []*provider.Connection

	for i, prov := range []provider.Type{provider.Epic, provider.Cerner} {
		mock := adapter.NewMockAdapter(prov)
		for j := 1; j <= 3; j++ {
			mock.Seed("Patient", map[string]any{
				"id":        fmt.Sprintf("%s-%d", prov, j),
				"meta":      map[string]any{"versionId": "1", "lastUpdated": "2026-01-01T00:00:00Z"},
				"name":      []any{map[string]any{"family": fmt.Sprintf("Sandbox%d", j), "given": []any{"Pat"}}},
				"birthDate": "1980-01-15",
				"gender":    "other",
			})
		}
		registry.Register(prov, func(conn *provider.Connection, creds secrets.Credentials, client *http.Client) (adapter.Adapter, error) {
			return mock, nil
		})

		blob, err := codec.EncryptCredentials(&secrets.Credentials{
			ClientID:      fmt.Sprintf("sandbox-%s", prov),
			WebhookSecret: fmt.Sprintf("sandbox-secret-%d", i+1),
		})
		if err != nil {
			return stores{}, fmt.Errorf("encrypt sandbox credentials: %w", err)
		}

		conns = append(conns, &provider.Connection{
			ID:                   uuid.New(),
			Provider:             prov,
			BaseURL:              fmt.Sprintf("https://sandbox.%s.local/fhir", prov),
			EncryptedCredentials: blob,
			RateLimitRPS:         50,
			RateLimitBurst:       10,
			Capabilities:         []string{"Patient", "Observation", "MedicationOrder"},
			Healthy:              true,
			CreatedAt:            time.Now().UTC(),
		})
	}

	return stores{
		queue:     queue.NewMemoryQueue(policy),
		records:   record.NewMemoryStore(),
		conflicts: conflict.NewMemoryStore(),
		webhooks:  webhook.NewMemoryStore(),
		conns:     conns,
		registry:  registry,
	}, nil
}
