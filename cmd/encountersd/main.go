// Package main is the entry point for the encounters daemon.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/encounters/encounter"
	"github.com/pitabwire/encounters/internal/config"
	"github.com/pitabwire/encounters/internal/definition"
	"github.com/pitabwire/encounters/internal/idempotency"
	"github.com/pitabwire/encounters/internal/observability"
	"github.com/pitabwire/encounters/internal/transport"
	"github.com/pitabwire/encounters/internal/validators"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	checkOnly := flag.Bool("check", false, "validate definitions and exit")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Step 4: Register validators.
	validatorReg := encounter.NewValidatorRegistry()
	if err := validators.NewBuilder(nil).Register(ctx, validatorReg, cfg.Validators); err != nil {
		logger.Error("validator registration failed", zap.Error(err))
		return 1
	}

	// Step 5: Load and validate definitions. -check stops here.
	loader := definition.NewLoader()
	defValidator := definition.NewValidator(validatorReg.Has)
	if *checkOnly {
		return checkDefinitions(loader, defValidator, cfg.Definitions.Directories, logger)
	}

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "encountersd", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.InitMetrics(prometheus.DefaultRegisterer)
	}

	// Step 6: Open the encounter store.
	store, storeCheck, closeStore, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer closeStore()

	// Step 7: Publish the initial definition set.
	registry := definition.NewRegistry(nil)
	pubOpts := []definition.PublisherOption{
		definition.WithUsageChecker(store),
		definition.WithPublisherLogger(logger),
	}
	if metrics != nil {
		pubOpts = append(pubOpts, definition.WithReloadRecorder(metrics))
	}
	publisher := definition.NewPublisher(loader, defValidator, registry, cfg.Definitions.Directories, pubOpts...)
	if err := publisher.Reload(ctx); err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}

	// Step 8: Optional distributed lock.
	svcOpts := []encounter.Option{
		encounter.WithLogger(logger),
		encounter.WithTracer(observability.Tracer()),
	}
	if metrics != nil {
		svcOpts = append(svcOpts, encounter.WithRecorder(metrics))
	}

	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return registry.Len() > 0 },
		Store:             storeCheck,
	}

	if cfg.Lock.Driver == config.LockRedis {
		client, err := buildRedis(ctx, "lock", cfg.Lock.AddrEnv, cfg.Lock.DB)
		if err != nil {
			logger.Error("lock initialization failed", zap.Error(err))
			return 1
		}
		defer func() { _ = client.Close() }()

		svcOpts = append(svcOpts, encounter.WithLocker(encounter.NewRedisLocker(client, cfg.Lock.Prefix), cfg.Lock.TTL))
		readiness.Lock = observability.CheckFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}

	svc := encounter.NewService(registry, store, validatorReg, svcOpts...)

	idemStore, idemCheck, closeIdem, err := buildIdempotency(ctx, cfg.Idempotency)
	if err != nil {
		logger.Error("idempotency initialization failed", zap.Error(err))
		return 1
	}
	defer closeIdem()
	readiness.Idempotency = idemCheck

	// Step 9: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if cfg.Definitions.HotReload {
		watcher := definition.NewWatcher(publisher, cfg.Definitions.Directories, logger)
		watcher.SetDebounce(cfg.Definitions.Debounce)
		if err := watcher.Start(bgCtx); err != nil {
			logger.Error("definition watcher failed to start", zap.Error(err))
			return 1
		}
	}

	// Step 10: Build the HTTP server.
	router := transport.NewRouter(transport.Dependencies{
		Config:      cfg,
		Service:     svc,
		Definitions: registry,
		Validator:   defValidator,
		Metrics:     metrics,
		Readiness:   readiness,
		Idempotency: idemStore,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.String("lock", cfg.Lock.Driver),
		zap.Int("definitions", registry.Len()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// checkDefinitions loads and validates every definition file, reporting each
// problem, and returns the process exit code.
func checkDefinitions(loader *definition.Loader, validator *definition.Validator, dirs []string, logger *zap.Logger) int {
	defs, err := loader.LoadAll(dirs)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	verrs := validator.Validate(defs)
	for _, ve := range verrs {
		logger.Error("definition validation error",
			zap.String("path", ve.Path),
			zap.String("code", ve.Code),
			zap.String("message", ve.Message),
		)
	}
	if len(verrs) > 0 {
		return 1
	}
	logger.Info("definitions valid", zap.Int("definitions", len(defs)))
	return 0
}

// buildStore creates the encounter store based on config. The returned
// closer is never nil.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (encounter.Store, observability.HealthChecker, func(), error) {
	switch cfg.Driver {
	case config.StoreMemory, "":
		logger.Info("using in-memory encounter store")
		return encounter.NewMemoryStore(), nil, func() {}, nil

	case config.StorePostgres:
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("store: ping: %w", err)
		}

		store := encounter.NewPgStore(pool)
		if cfg.Migrate {
			if err := store.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, nil, fmt.Errorf("store: migrate: %w", err)
			}
		}
		logger.Info("using postgres encounter store")
		return store, observability.CheckFunc(store.Ping), pool.Close, nil

	case config.StoreSqlite:
		sqlCfg := encounter.DefaultSqliteConfig()
		if cfg.BusyTimeout > 0 {
			sqlCfg.BusyTimeout = cfg.BusyTimeout
		}
		if cfg.MaxOpenConns > 0 {
			sqlCfg.MaxOpenConns = cfg.MaxOpenConns
		}
		store, err := encounter.OpenSqliteStore(ctx, cfg.SqlitePath, sqlCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("store: %w", err)
		}
		logger.Info("using sqlite encounter store", zap.String("path", cfg.SqlitePath))
		return store, observability.CheckFunc(store.Ping), func() { _ = store.Close() }, nil

	default:
		return nil, nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildRedis connects to the Redis server whose address is held in addrEnv.
// purpose prefixes errors.
func buildRedis(ctx context.Context, purpose, addrEnv string, db int) (*redis.Client, error) {
	addr := os.Getenv(addrEnv)
	if addr == "" {
		return nil, fmt.Errorf("%s: %s environment variable not set", purpose, addrEnv)
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%s: ping: %w", purpose, err)
	}
	return client, nil
}

// buildIdempotency returns the replay store, or nil when deduplication is
// disabled. The health checker is nil unless the store is remote. The closer
// is always safe to call.
func buildIdempotency(ctx context.Context, cfg config.IdempotencyConfig) (idempotency.Store, observability.HealthChecker, func(), error) {
	if !cfg.Enabled {
		return nil, nil, func() {}, nil
	}
	switch cfg.Driver {
	case config.IdempotencyMemory:
		return idempotency.NewMemoryStore(), nil, func() {}, nil
	case config.IdempotencyRedis:
		client, err := buildRedis(ctx, "idempotency", cfg.AddrEnv, cfg.DB)
		if err != nil {
			return nil, nil, nil, err
		}
		check := observability.CheckFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		return idempotency.NewRedisStore(client), check, func() { _ = client.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported idempotency driver: %q", cfg.Driver)
	}
}
