package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/cryptoquery/internal/app"
	"github.com/Kocoro-lab/cryptoquery/internal/auth"
	"github.com/Kocoro-lab/cryptoquery/internal/circuitbreaker"
	"github.com/Kocoro-lab/cryptoquery/internal/config"
	"github.com/Kocoro-lab/cryptoquery/internal/health"
	"github.com/Kocoro-lab/cryptoquery/internal/httpapi"
	"github.com/Kocoro-lab/cryptoquery/internal/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, v, err := config.Load("")
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing initialization failed", zap.Error(err))
	}

	circuitbreaker.StartMetricsCollection(ctx, 15*time.Second)

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build query service", zap.Error(err))
	}

	// Admin listener: metrics and health probes.
	hm := health.NewManager(logger)
	if err := a.RegisterHealth(hm); err != nil {
		logger.Warn("Health checker registration incomplete", zap.Error(err))
	}
	_ = hm.Start(ctx)
	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", promhttp.Handler())
	health.NewHTTPHandler(hm, logger).RegisterRoutes(adminMux)
	adminServer := &http.Server{
		Addr:         cfg.Server.AdminAddr,
		Handler:      adminMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Admin HTTP server listening", zap.String("addr", cfg.Server.AdminAddr))
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Admin HTTP server failed", zap.Error(err))
		}
	}()

	var authMw *auth.Middleware
	if cfg.Auth.Enabled {
		authMw = auth.NewMiddleware(app.JWTManager(cfg.Auth), false)
	} else {
		logger.Warn("API authentication disabled")
	}
	limiter := httpapi.NewRateLimiter(cfg.RateLimit.Enabled, cfg.RateLimit.RPS, cfg.RateLimit.Burst, logger)
	api := httpapi.NewServer(a.Pipeline, httpapi.Options{
		Auth:           authMw,
		Limiter:        limiter,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, logger)

	if config.Watch(v, logger, func(c *config.Config) {
		a.Reload(c)
		limiter.Update(c.RateLimit.Enabled, c.RateLimit.RPS, c.RateLimit.Burst)
	}) {
		logger.Info("Watching configuration file", zap.String("file", v.ConfigFileUsed()))
	}

	apiServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		logger.Info("Query API listening", zap.String("addr", cfg.Server.Addr))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Query API server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Query API shutdown incomplete", zap.Error(err))
	}
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Background runs still in flight", zap.Error(err))
	}
	_ = hm.Stop()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin server shutdown incomplete", zap.Error(err))
	}
	if err := a.Close(); err != nil {
		logger.Warn("Closing stores failed", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown failed", zap.Error(err))
	}
	logger.Info("Stopped")
}
