// Package main is the entrypoint for the comfyrun gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/comfyrun/internal/api"
	"github.com/kiranshivaraju/comfyrun/internal/api/handler"
	mw "github.com/kiranshivaraju/comfyrun/internal/api/middleware"
	"github.com/kiranshivaraju/comfyrun/internal/cache"
	"github.com/kiranshivaraju/comfyrun/internal/config"
	"github.com/kiranshivaraju/comfyrun/internal/observability"
	"github.com/kiranshivaraju/comfyrun/internal/store"
	"github.com/kiranshivaraju/comfyrun/internal/tracker"
	"github.com/kiranshivaraju/comfyrun/pkg/comfy"
)

const shutdownTimeout = 30 * time.Second

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := run(level); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(level *slog.LevelVar) error {
	// 1. Load config; fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level.Set(cfg.LogLevel)
	slog.Info("config loaded", "comfy_addr", cfg.Comfy.Addr, "log_level", cfg.LogLevel)

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

	// 5. Metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	// 6. Backend client; the supervisor opens and keeps its event stream
	supervisor := tracker.NewSupervisor(tracker.WithSupervisorLogger(slog.Default()))
	client := comfy.New(cfg.Comfy.Addr, comfyOptions(cfg.Comfy, metrics, supervisor)...)
	defer client.Close()

	// 7. Service and router
	svc := tracker.NewService(client, store.NewPostgresStore(pool), redisCache,
		tracker.WithLogger(slog.Default()),
		tracker.WithStatusTTL(cfg.Redis.JobStatusTTL),
	)
	router := api.NewRouter(dependencies(svc, redisCache, metrics, cfg.RateLimit.PerMinute))

	apiSrv := newServer(cfg.Server.Port, router)
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metricsHandler)
	metricsSrv := newServer(cfg.Metrics.Port, metricsMux)

	// 8. Serve until a signal arrives or a component fails
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return supervisor.Run(gctx, client) })
	g.Go(func() error { return serve(gctx, apiSrv, "api") })
	g.Go(func() error { return serve(gctx, metricsSrv, "metrics") })

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}

func comfyOptions(cfg config.ComfyConfig, m comfy.MetricsRecorder, sup *tracker.Supervisor) []comfy.Option {
	opts := []comfy.Option{
		comfy.WithLogger(slog.Default()),
		comfy.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		comfy.WithDebug(cfg.Debug),
		comfy.WithMetrics(m),
		comfy.WithConnectionStateHook(sup.ConnectionState),
	}
	// An https:// address already selects TLS; the flag only forces it on.
	if cfg.Secure {
		opts = append(opts, comfy.WithSecure(true))
	}
	if cfg.FailPendingOnDisconnect {
		opts = append(opts, comfy.WithFailPendingOnDisconnect())
	}
	return opts
}

func dependencies(svc handler.JobService, c cache.Cache, m mw.HTTPRecorder, perMinute int) api.Dependencies {
	return api.Dependencies{
		RateLimit: mw.NewRateLimit(c, perMinute),
		Metrics:   m,

		HealthHandler:      handler.NewHealthHandler(svc),
		SubmitHandler:      handler.NewSubmitHandler(svc),
		ListJobsHandler:    handler.NewListJobsHandler(svc),
		GetJobHandler:      handler.NewGetJobHandler(svc),
		CancelJobHandler:   handler.NewCancelJobHandler(svc),
		ClearQueueHandler:  handler.NewClearQueueHandler(svc),
		DeleteQueueHandler: handler.NewDeleteQueueItemsHandler(svc),
		SystemStatsHandler: handler.NewSystemStatsHandler(svc),
	}
}

func newServer(port int, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// serve runs srv until ctx is done, then drains it within shutdownTimeout.
func serve(ctx context.Context, srv *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "server", name, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("%s server error: %w", name, err)
		}
		return nil
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...", "server", name)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s server shutdown: %w", name, err)
	}
	return nil
}
