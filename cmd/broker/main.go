package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"sharedws/internal/broker"
	"sharedws/internal/config"
	"sharedws/internal/logger"
)

func main() {
	// Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// Setup structured logging
	appLogger, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	slog.SetDefault(appLogger)

	// Response cache, memory unless redis is asked for
	opts := broker.OptionsFromConfig(cfg)
	opts.Logger = appLogger
	if cfg.CacheBackend == "redis" {
		redisCache, err := broker.NewRedisCache(cfg.RedisAddr(), cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			appLogger.Error("redis_cache_unavailable", "error", err.Error())
			os.Exit(1)
		}
		defer redisCache.Close()
		opts.Cache = redisCache
	}

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	b := broker.New(opts)
	server := broker.NewServer(b, cfg.CORSOrigins, appLogger)
	if cfg.JWTSecret != "" {
		server.RequireAuth(broker.NewTokenValidator(cfg.JWTSecret))
	}

	appLogger.Info("starting_broker",
		"broker_id", b.ID(),
		"addr", cfg.BrokerAddr(),
		"upstream_url", cfg.UpstreamURL,
		"cache", cfg.CacheBackend,
		"env", cfg.GoEnv,
		"auth", cfg.JWTSecret != "",
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(cfg.BrokerAddr()); err != nil {
			errChan <- fmt.Errorf("broker server: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-sigChan:
		appLogger.Info("received_shutdown_signal")
	case err := <-errChan:
		appLogger.Error("server_error", "error", err.Error())
		b.Close()
		os.Exit(1)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("server_shutdown_failed", "error", err.Error())
	}
	b.Close()
	appLogger.Info("broker_stopped_gracefully")
}
