package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/maauso/videogen-api/internal/bootstrap"
	"github.com/maauso/videogen-api/internal/config"
)

func newServeCmd() *cobra.Command {
	var withWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API.

With the in-process queue (no REDIS_URL) the workers always run inside the
server. With Redis, pass --workers to also consume the queue here.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), withWorkers)
		},
	}
	cmd.Flags().BoolVar(&withWorkers, "workers", false, "also consume the Redis queue in this process")
	return cmd
}

func runServe(ctx context.Context, withWorkers bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting video generation API",
		slog.Int("port", cfg.Port),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
		slog.String("temp_dir", cfg.TempDir),
		slog.Bool("s3_enabled", cfg.S3Enabled()),
		slog.Bool("database_enabled", cfg.DatabaseEnabled()),
		slog.Bool("redis_enabled", cfg.RedisEnabled()),
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}
	defer deps.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      deps.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // Interactive status checks may finalize a video
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 2)
	workerDone := make(chan struct{})
	if deps.InProcessQueue() || withWorkers {
		go func() {
			defer close(workerDone)
			logger.Info("workers started", slog.Int("concurrency", cfg.WorkerConcurrency))
			if err := deps.RunWorkers(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("workers failed: %w", err)
			}
		}()
	} else {
		close(workerDone)
	}

	go func() {
		logger.Info("HTTP server listening",
			slog.String("addr", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		logger.Warn("workers did not stop before the shutdown deadline")
	}

	logger.Info("server stopped gracefully")
	return nil
}
