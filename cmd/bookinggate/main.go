// Package main is the entry point of the booking gateway process. It wires
// the event bus, correlated requests, rate limiting and circuit breaking
// behind the operational HTTP endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	_ "go.uber.org/automaxprocs"

	"github.com/drblury/bookinggate/internal/runtime/config"
	loggingpkg "github.com/drblury/bookinggate/internal/runtime/logging"
	_ "github.com/drblury/bookinggate/transport/transports"
)

// go build -ldflags "-X main.Version=x.y.z"
var Version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("bookinggate", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to the config file (yaml, json or toml)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	zapLog, err := loggingpkg.NewZapLogger(cfg.Log.ZapOptions())
	if err != nil {
		return fmt.Errorf("failed to initialize zap logger: %w", err)
	}
	defer func() { _ = zapLog.Sync() }()

	logger := loggingpkg.NewZapServiceLogger(zapLog).With(loggingpkg.LogFields{
		"service": cfg.ServiceName,
		"version": Version,
	})
	logger.Info("Booking gateway starting", loggingpkg.LogFields{
		"transport":  cfg.GetPubSubSystem(),
		"rate_store": cfg.RateLimit.Store,
		"ops":        cfg.Ops.Address,
	})
	logger.Debug("Effective configuration", loggingpkg.LogFields{"config": cfg.String()})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srvErr := make(chan error, 1)
	go func() { srvErr <- a.server.ListenAndServe() }()
	a.scheduler.Start()
	logger.Info("Booking gateway ready", nil)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down gracefully", nil)
	case err := <-srvErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("ops server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Ops.ShutdownTimeout)
	defer cancel()
	if err := a.shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", err, nil)
		runErr = errors.Join(runErr, err)
	}
	return runErr
}
