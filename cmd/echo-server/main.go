package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"sharedws/internal/config"
	"sharedws/internal/echoserver"
	"sharedws/internal/logger"
)

// demo upstream for local development: ping, echo, time, broadcast, void
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	slog.SetDefault(appLogger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	echo := echoserver.New(appLogger)
	addr := fmt.Sprintf("%s:%d", cfg.BrokerHost, cfg.EchoPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           echo.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	appLogger.Info("starting_echo_server", "addr", addr, "echo_ttl", echo.EchoTTL)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-sigChan:
		appLogger.Info("received_shutdown_signal")
	case err := <-errChan:
		appLogger.Error("server_error", "error", err.Error())
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	echo.DropAll()
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("server_shutdown_failed", "error", err.Error())
	}
	appLogger.Info("server_stopped_gracefully")
}
