package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"registrar/internal/app"
	"registrar/internal/platform/config"
	"registrar/internal/platform/logger"
	"registrar/pkg/platform/retry"
)

// main loads configuration, wires the registrar and runs it until SIGINT or
// SIGTERM. Startup failures and an unreachable watcher exit with status 1.
func main() {
	configPath := flag.String("config", os.Getenv("REGISTRAR_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registrar, err := app.Setup(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err, "fatal", retry.IsFatal(err))
		os.Exit(1)
	}

	runErr := registrar.Run(ctx)
	if err := registrar.Close(); err != nil {
		log.Warn("shutdown incomplete", "error", err)
	}
	if runErr != nil {
		log.Error("registrar stopped", "error", runErr, "fatal", retry.IsFatal(runErr))
		os.Exit(1)
	}
	log.Info("registrar stopped")
}
