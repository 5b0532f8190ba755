// Package main is the entrypoint for the inferq API server and scheduler.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kiranshivaraju/inferq/internal/api"
	"github.com/kiranshivaraju/inferq/internal/api/handler"
	mw "github.com/kiranshivaraju/inferq/internal/api/middleware"
	"github.com/kiranshivaraju/inferq/internal/api/response"
	"github.com/kiranshivaraju/inferq/internal/backend"
	"github.com/kiranshivaraju/inferq/internal/cache"
	"github.com/kiranshivaraju/inferq/internal/config"
	"github.com/kiranshivaraju/inferq/internal/jobs"
	"github.com/kiranshivaraju/inferq/internal/scheduler"
	"github.com/kiranshivaraju/inferq/internal/store"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using process environment")
	}

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast when invalid
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"backend", cfg.Backend.Provider,
		"default_model", cfg.Backend.Ollama.DefaultModel,
		"env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create inference backend
	be, err := backend.NewBackend(cfg.Backend)
	if err != nil {
		return fmt.Errorf("create backend: %w", err)
	}
	slog.Info("inference backend initialized", "backend", be.Name())

	// 6. Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := scheduler.NewMetrics(registry)

	// 7. Store, job service, scheduler
	pgStore := store.NewPostgresStore(pool)

	created, err := bootstrapAdminKey(ctx, pgStore, cfg.Server.BootstrapAdminKey)
	if err != nil {
		return fmt.Errorf("bootstrap admin key: %w", err)
	}
	if created {
		slog.Info("bootstrap admin key created")
	}

	jobService := jobs.NewService(pgStore, redisCache, jobs.Config{
		DefaultMaxWaitSeconds: cfg.Scheduler.DefaultMaxWaitSeconds,
		AllowedModels:         cfg.Scheduler.AllowedModels,
	}, metrics)

	worker := scheduler.NewWorker(pgStore, be, redisCache, scheduler.WorkerConfig{
		DefaultModel:    cfg.Backend.Ollama.DefaultModel,
		PollInterval:    cfg.Scheduler.PollInterval,
		FlushInterval:   cfg.Scheduler.FlushInterval,
		GenerateTimeout: cfg.Backend.GenerateTimeout,
	}, scheduler.WithMetrics(metrics))

	reaper := scheduler.NewReaper(pgStore, redisCache, cfg.Scheduler.StaleAfter, scheduler.WithMetrics(metrics))
	if err := reaper.Start(cfg.Scheduler.ReaperSchedule); err != nil {
		return fmt.Errorf("start reaper: %w", err)
	}
	defer reaper.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := worker.Run(ctx); err != nil {
			slog.Error("worker exited", "error", err)
		}
	}()

	// 8. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.RateLimit.RequestsPerMinute),

		HealthHandler:  healthHandler(pgStore, redisCache),
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),

		SubmitJob:     handler.NewSubmitJobHandler(jobService),
		GetJob:        handler.NewGetJobHandler(jobService),
		StreamJob:     handler.NewStreamJobHandler(jobService),
		CancelJob:     handler.NewCancelJobHandler(jobService),
		Queue:         handler.NewQueueHandler(jobService),
		ModelSwitches: handler.NewModelSwitchesHandler(jobService),

		CreateKey: handler.NewCreateKeyHandler(pgStore),
		ListKeys:  handler.NewListKeysHandler(pgStore),
		RevokeKey: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	var serveErr error
	select {
	case err, ok := <-errCh:
		if ok {
			serveErr = fmt.Errorf("server error: %w", err)
		}
		stop()
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout. The worker records its in-flight job
	// as failed before returning.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("server shutdown: %w", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		slog.Warn("worker did not stop before shutdown timeout")
	}

	if serveErr != nil {
		return serveErr
	}
	slog.Info("server stopped gracefully")
	return nil
}

// bootstrapKeyName names the admin key created from INFERQ_BOOTSTRAP_ADMIN_KEY.
const bootstrapKeyName = "bootstrap-admin"

type bootstrapKeyStore interface {
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

// bootstrapAdminKey stores raw as an admin key when the key table is empty,
// so a fresh deployment can reach the admin endpoints. Revoked keys count as
// existing, so a revoked bootstrap key is not recreated on restart.
func bootstrapAdminKey(ctx context.Context, ks bootstrapKeyStore, raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	keys, err := ks.ListAPIKeys(ctx)
	if err != nil {
		return false, fmt.Errorf("list keys: %w", err)
	}
	if len(keys) > 0 {
		return false, nil
	}
	key, err := handler.NewAPIKey(bootstrapKeyName, raw, []string{models.ScopeAdmin})
	if err != nil {
		return false, err
	}
	if err := ks.CreateAPIKey(ctx, key); err != nil {
		return false, fmt.Errorf("create key: %w", err)
	}
	return true, nil
}

// pinger is satisfied by both the store and the cache.
type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(db, c pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
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
