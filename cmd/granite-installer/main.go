package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/graniteproject/installer/internal/config"
	"github.com/graniteproject/installer/internal/installer"
	"github.com/graniteproject/installer/internal/logging"
	"github.com/graniteproject/installer/internal/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	const service = "granite-installer"
	logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := telemetry.InitTracer(ctx, service)
	shutdownMetrics, instruments := telemetry.InitMetrics(ctx, service)
	defer func() {
		ctxFlush, cancelFlush := context.WithCancel(context.Background())
		defer cancelFlush()
		telemetry.Flush(ctxFlush, shutdownTrace)
		telemetry.Flush(ctxFlush, shutdownMetrics)
	}()

	settings := config.FromEnv()
	if err := settings.Validate(); err != nil {
		slog.Error("invalid settings", "error", err)
		return 2
	}

	in, err := installer.New(settings, instruments)
	if err != nil {
		slog.Error("installer init failed", "error", err)
		return 1
	}

	return in.Install(ctx)
}
