package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/docflow/internal/config"
	"github.com/pitabwire/docflow/internal/definition"
	"github.com/pitabwire/docflow/internal/events"
	"github.com/pitabwire/docflow/internal/feedback"
	"github.com/pitabwire/docflow/internal/idempotency"
	"github.com/pitabwire/docflow/internal/observability"
	"github.com/pitabwire/docflow/internal/role"
	"github.com/pitabwire/docflow/internal/store"
	"github.com/pitabwire/docflow/internal/transport"
	"github.com/pitabwire/docflow/internal/workflow"
)

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, appName, version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Roles and definitions. An invalid definition set refuses to serve.
	aliases, err := role.LoadAliases(cfg.Roles.AliasFile)
	if err != nil {
		return err
	}
	gate := role.NewGate(aliases)
	validator := definition.NewValidator(gate)

	defs, err := definition.LoadAndValidate(cfg.Definitions.Directories, validator)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return err
	}
	registry := definition.NewRegistry(defs)
	metrics.SetDefinitionsLoaded(float64(registry.Len()))

	if cfg.Definitions.HotReload {
		watcher, err := definition.NewWatcher(cfg.Definitions.Directories, registry, validator, logger,
			definition.WithDebounce(cfg.Definitions.ReloadDebounce),
			definition.WithReloadHook(func(workflows int, err error) {
				if err != nil {
					metrics.RecordDefinitionReload("error")
					return
				}
				metrics.RecordDefinitionReload("ok")
				metrics.SetDefinitionsLoaded(float64(workflows))
			}),
		)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = watcher.Close() }()
	}

	dir, err := buildDirectory(cfg.Roles)
	if err != nil {
		return err
	}
	go syncDirectoryOnHangup(ctx, dir, logger)
	resolver := role.NewResolver(dir, cfg.Roles.CacheTTL, metrics)

	// Persistence.
	st, content, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	idem, idemCloser, err := buildIdempotencyStore(cfg.Idempotency, logger)
	if err != nil {
		return err
	}
	if idemCloser != nil {
		defer idemCloser()
	}

	// Events.
	managerOpts := []workflow.Option{workflow.WithLogger(logger)}
	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return registry.Len() > 0 },
		Store:             st,
	}
	if idem != nil {
		readiness.IdempotencyStore = idem
	}
	if cfg.Events.Enabled {
		conn, err := events.Connect(cfg.Events.URL(), appName, logger)
		if err != nil {
			return err
		}
		pub := events.NewPublisher(conn, cfg.Events.SubjectPrefix,
			events.WithObserver(metrics),
			events.WithLogger(logger))
		defer func() { _ = pub.Close() }()
		managerOpts = append(managerOpts, workflow.WithPublisher(pub))
		readiness.EventBus = pub
	}

	manager := workflow.NewManager(registry, st, gate, managerOpts...)
	svc := workflow.NewService(manager, st, content, resolver,
		workflow.WithMetrics(metrics),
		workflow.WithServiceLogger(logger),
		workflow.WithSensitiveFields(cfg.Observability.RedactKeys...))

	var jwks *transport.JWKSClient
	if cfg.Identity.JWKSURL != "" {
		jwks = transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Service:      svc,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Logger:       logger,
		Metrics:      metrics,
		Readiness:    readiness,
		Idempotency:  idem,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("workflows", registry.Len()),
		zap.String("store", cfg.Store.Driver),
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
		if err != nil {
			logger.Error("server error", zap.Error(err))
			return err
		}
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// buildDirectory returns the actor directory. Without a directory file
// every actor is unknown and therefore forbidden.
func buildDirectory(cfg config.RolesConfig) (*role.StaticDirectory, error) {
	if cfg.DirectoryFile == "" {
		return role.NewMapDirectory(nil), nil
	}
	return role.NewStaticDirectory(cfg.DirectoryFile)
}

// syncDirectoryOnHangup reloads the directory file on SIGHUP. Cached roles
// expire on their own TTL.
func syncDirectoryOnHangup(ctx context.Context, dir *role.StaticDirectory, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := dir.Sync(); err != nil {
				logger.Error("directory reload failed", zap.Error(err))
				continue
			}
			logger.Info("directory reloaded")
		}
	}
}

// buildStore creates the workflow store and the content store for the
// configured driver.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, feedback.ContentStore, error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory workflow store")
		return store.NewMemoryStore(), store.NewMemoryContentStore(), nil
	case "postgres":
		dsn := cfg.DSN()
		if dsn == "" {
			return nil, nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MinConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("store: ping: %w", err)
		}

		pg := store.NewPgStore(pool)
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		return pg, store.NewPgContentStore(pool), nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// idempotencyBackend is an idempotency store that can report its health.
type idempotencyBackend interface {
	idempotency.Store
	observability.HealthChecker
}

// buildIdempotencyStore returns nil when idempotency is disabled.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (idempotencyBackend, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		return idempotency.NewRedisStore(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}
