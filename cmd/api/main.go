package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/hsematch/scheduling/internal/api/router"
	"github.com/hsematch/scheduling/internal/app/bootstrap"
	"github.com/hsematch/scheduling/internal/availability"
	appconfig "github.com/hsematch/scheduling/internal/config"
	httpmiddleware "github.com/hsematch/scheduling/internal/http/middleware"
	"github.com/hsematch/scheduling/internal/observability/metrics"
	sweepworker "github.com/hsematch/scheduling/internal/worker/sweep"
	"github.com/hsematch/scheduling/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting scheduling API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"slot_store", cfg.SlotStore,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slotStore, err := bootstrap.BuildSlotStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build slot store", "error", err)
		os.Exit(1)
	}
	defer slotStore.Close()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	schedulingMetrics := metrics.NewSchedulingMetrics(registry)

	cache := bootstrap.BuildCache(redisClient, cfg, logger)
	svc := bootstrap.BuildService(cfg, slotStore.Store, cache, schedulingMetrics, logger)

	handler := buildHandler(cfg, svc, slotStore, redisClient, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), logger)

	if cfg.SweepInterval > 0 {
		worker := sweepworker.New(svc, logger).WithInterval(cfg.SweepInterval)
		go worker.Run(ctx)
		logger.Info("sweep worker started", "interval", cfg.SweepInterval)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

func buildHandler(cfg *appconfig.Config, svc *availability.Service, slotStore *bootstrap.SlotStore, redisClient *redis.Client, metricsHandler http.Handler, logger *logging.Logger) http.Handler {
	checks := map[string]router.Pinger{}
	if slotStore != nil && slotStore.Pool != nil {
		checks["postgres"] = slotStore.Pool
	}
	if redisClient != nil {
		checks["redis"] = router.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	var limiter *httpmiddleware.RateLimiter
	if cfg.BookingRatePerMinute > 0 {
		limiter = httpmiddleware.NewRateLimiter(cfg.BookingRatePerMinute, cfg.BookingRateBurst)
	}

	return router.New(&router.Config{
		Logger:             logger,
		Availability:       availability.NewHandler(svc, logger),
		ProviderAuthSecret: cfg.ProviderJWTSecret,
		AdminAuthSecret:    cfg.AdminJWTSecret,
		ClientAuthSecret:   cfg.ClientJWTSecret,
		MetricsHandler:     metricsHandler,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		BookingLimiter:     limiter,
		HealthChecks:       checks,
	})
}
