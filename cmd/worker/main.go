package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/hszk-dev/vidrelay/internal/app"
	"github.com/hszk-dev/vidrelay/internal/config"
	"github.com/hszk-dev/vidrelay/internal/domain/repository"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if !cfg.RabbitMQ.Enabled {
		return errors.New("worker requires RABBITMQ_ENABLED=true")
	}

	relay, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := relay.Close(); err != nil {
			logger.Warn("failed to close clients", slog.String("error", err.Error()))
		}
	}()

	// Setup signal handling for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// WaitGroup to track in-flight prefetches
	var wg sync.WaitGroup

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting worker, consuming prefetch requests")
		err := relay.Queue.ConsumePrefetch(ctx, func(req repository.PrefetchRequest) error {
			wg.Add(1)
			defer wg.Done()

			logger.Info("processing prefetch",
				slog.String("request_id", req.ID.String()),
				slog.String("url", req.URL),
				slog.Int("retry_count", req.RetryCount),
			)

			if err := relay.Prefetch.ProcessRequest(ctx, req); err != nil {
				logger.Error("prefetch failed, will retry",
					slog.String("request_id", req.ID.String()),
					slog.Int("retry_count", req.RetryCount),
					slog.String("error", err.Error()),
				)
				return err
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("consumer error: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down worker", slog.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	// Stop consuming new messages; in-flight fetches run on detached contexts.
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all in-flight prefetches completed")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout exceeded, some prefetches may not have completed")
	}

	logger.Info("worker stopped")
	return nil
}
