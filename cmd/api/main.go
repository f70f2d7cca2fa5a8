package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hszk-dev/vidrelay/internal/api/handler"
	"github.com/hszk-dev/vidrelay/internal/api/middleware"
	"github.com/hszk-dev/vidrelay/internal/app"
	"github.com/hszk-dev/vidrelay/internal/config"
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

	relay, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := relay.Close(); err != nil {
			logger.Warn("failed to close clients", slog.String("error", err.Error()))
		}
	}()

	if err := relay.Sweeper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start retention sweeper: %w", err)
	}

	r := setupRouter(logger, relay)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			slog.Int("port", cfg.Server.Port),
			slog.String("cache_root", cfg.Cache.RootDir),
			slog.Duration("ttl", cfg.Cache.TTL()),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down server", slog.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	if err := relay.Sweeper.Stop(shutdownCtx); err != nil {
		logger.Warn("retention sweeper did not stop in time", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
	return nil
}

func setupRouter(logger *slog.Logger, a *app.App) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))

	r.Get("/health", handler.NewHealthHandler(a.HealthChecks).Health)
	r.Handle("/metrics", promhttp.Handler())

	relayHandler := handler.NewRelayHandler(handler.RelayDependencies{
		Relay:    a.Relay,
		Store:    a.Store,
		Prefetch: a.Prefetch,
		Share:    a.Share,
		Sweeper:  a.Sweeper,
		FetchLog: a.FetchLog,
	})
	r.Route("/v1", relayHandler.Routes)

	return r
}
