package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/issuehound/internal/aggregate"
	"github.com/kiranshivaraju/issuehound/internal/api"
	mw "github.com/kiranshivaraju/issuehound/internal/api/middleware"
	"github.com/kiranshivaraju/issuehound/internal/api/response"
	"github.com/kiranshivaraju/issuehound/internal/cache"
	"github.com/kiranshivaraju/issuehound/internal/config"
	"github.com/kiranshivaraju/issuehound/internal/eventstore"
	"github.com/kiranshivaraju/issuehound/internal/ingest"
	"github.com/kiranshivaraju/issuehound/internal/metrics"
	"github.com/kiranshivaraju/issuehound/internal/query"
	"github.com/kiranshivaraju/issuehound/internal/ratelimit"
	"github.com/kiranshivaraju/issuehound/internal/store"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion and query HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
}

func run(ctx context.Context) error {
	// 1. Load config, failing fast when invalid
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "rate_limit_backend", cfg.RateLimit.Backend)

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Server.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache when configured
	var c cache.Cache
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer redisCache.Close()

		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		c = redisCache
		slog.Info("redis connected")
	}

	// 5. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	clock := quartz.NewReal()
	g, gctx := errgroup.WithContext(ctx)

	// 6. Rate limiter
	limiter, err := newLimiter(cfg.RateLimit, c, clock)
	if err != nil {
		return err
	}
	if ml, ok := limiter.(*ratelimit.MemoryLimiter); ok {
		g.Go(func() error {
			ml.Run(gctx)
			return nil
		})
	}

	// 7. Pipeline
	pgStore := store.NewPostgresStore(pool)
	writer := eventstore.NewPostgresWriter(pool, cfg.Ingest.WriteMaxRetries,
		eventstore.WithWriteObserver(m.EventStoreWriteObserver()))
	reader := eventstore.NewPostgresReader(pool)
	aggregator := aggregate.NewAggregator(pgStore)
	gateway := ingest.NewGateway(writer, aggregator, limiter, clock, m, cfg.Ingest.MaxBatch)
	engine := query.NewEngine(pgStore, reader, c, clock, cfg.Query.StatsCacheTTL)

	reconciler := aggregate.NewReconciler(reader, aggregator, clock, m, aggregate.ReconcilerConfig{
		Interval:  cfg.Reconcile.Interval,
		Grace:     cfg.Reconcile.Grace,
		BatchSize: cfg.Reconcile.BatchSize,
	})
	g.Go(func() error {
		reconciler.Run(gctx)
		return nil
	})

	// 8. Build router with dependencies
	router := api.NewRouter(api.Dependencies{
		Auth:               mw.NewAuth(pgStore, clock),
		Ingester:           gateway,
		Querier:            engine,
		MaxBatch:           cfg.Ingest.MaxBatch,
		Metrics:            m,
		Gatherer:           reg,
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
		HealthHandler:      healthHandler(pgStore, c),
	})

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Wait for shutdown signal or server error
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}

// newLimiter picks the rate limit backend. The Redis backend shares counters
// across replicas; the memory backend is per process.
func newLimiter(cfg config.RateLimitConfig, c cache.Cache, clock quartz.Clock) (ratelimit.Limiter, error) {
	switch cfg.Backend {
	case config.RateLimitBackendRedis:
		if c == nil {
			return nil, errors.New("redis rate limit backend requires REDIS_URL")
		}
		return ratelimit.NewRedisLimiter(c, cfg.Ceiling(), cfg.Window, clock), nil
	case config.RateLimitBackendMemory:
		return ratelimit.NewMemoryLimiter(cfg.Ceiling(), cfg.Window, clock), nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", cfg.Backend)
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and, when configured, cache connectivity.
func healthHandler(db pinger, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "disabled",
		}

		if err := db.Ping(r.Context()); err != nil {
			slog.Warn("health check: database unreachable", "error", err)
			checks["database"] = "degraded"
		}
		if c != nil {
			checks["cache"] = "ok"
			if err := c.Ping(r.Context()); err != nil {
				slog.Warn("health check: cache unreachable", "error", err)
				checks["cache"] = "degraded"
			}
		}

		if checks["database"] == "degraded" || checks["cache"] == "degraded" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
