// Command agent runs the ORE mining agent until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ore-agent/internal/config"
	"ore-agent/internal/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the agent YAML config")
	dryRun := flag.Bool("dry-run", false, "Sign transactions without sending them")
	flag.Parse()

	if _, err := os.Stat(*configPath); errors.Is(err, os.ErrNotExist) {
		*configPath = ""
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *dryRun {
		cfg.Wallet.DryRun = true
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	done := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Warn("shutdown requested", "signal", sig.String())
		a.scheduler.Stop()
		cancel()

		// A second signal or a stuck shutdown forces exit.
		select {
		case sig := <-sigCh:
			logger.Error("forced exit", "signal", sig.String())
			os.Exit(1)
		case <-time.After(shutdownTimeout):
			logger.Error("graceful shutdown timed out", "timeout", shutdownTimeout)
			os.Exit(1)
		case <-done:
		}
	}()

	runErr := a.run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	a.shutdown(shutdownCtx)
	shutdownCancel()
	close(done)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("agent stopped with error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
