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
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// a missing .env file is fine
	_ = godotenv.Load()

	cfg := LoadConfig()
	logger := NewLogger(os.Stderr, cfg.LogLevel, cfg.AppEnv)
	cfg.Validate(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := NewServer(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Warn("close server", "error", err)
		}
	}()

	stats := srv.jobs.Sweep()
	logger.Info("startup sweep", "expired", stats.Expired, "evicted", stats.Evicted, "kept", stats.Kept)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	logger.Info("server started",
		"addr", httpServer.Addr,
		"jobsDir", srv.jobs.Root(),
		"maxProcesses", cfg.MaxConcurrentProcesses,
		"maxConversions", cfg.MaxConcurrentConversions,
		"rateLimitPerMinute", cfg.MaxRequestsPerMinute,
		"redis", srv.redis != nil,
	)
	return serveUntilDone(ctx, httpServer, logger)
}
