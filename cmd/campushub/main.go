package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"campushub/internal/app"
	"campushub/internal/config"
	"campushub/internal/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "campushub: %v\n", err)
		os.Exit(1)
	}
}

// run loads configuration (file > env > defaults), serves until SIGINT or
// SIGTERM and then shuts down gracefully.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	if err := application.Start(ctx); err != nil {
		shutdown(application, logger)
		return fmt.Errorf("failed to start: %w", err)
	}

	select {
	case err := <-application.Err():
		shutdown(application, logger)
		return fmt.Errorf("application error: %w", err)
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	}

	return shutdown(application, logger)
}

func shutdown(application *app.Application, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := application.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete")
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}
