package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"commitnews/api/internal/app"
	"commitnews/api/internal/cache"
	"commitnews/api/internal/config"
	"commitnews/api/internal/github"
	"commitnews/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("commitnews api stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DatabaseConns)
	if err != nil {
		return err
	}
	defer db.Close()

	migrations, err := store.Migrations(cfg.MigrationsDir)
	if err != nil {
		return err
	}
	if err := store.ApplyMigrations(ctx, db, migrations); err != nil {
		return err
	}

	var commitCache github.CommitCache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := cache.NewRedisStore(cfg.RedisURL, cfg.CommitCacheTTL)
		if err != nil {
			return err
		}
		defer redisStore.Close()
		commitCache = redisStore
		logger.Info("commit detail cache enabled")
	}

	source, err := app.NewCommitSource(cfg, commitCache)
	if err != nil {
		return err
	}
	service := app.New(cfg, store.NewPostgresStore(db), source, logger)
	if redisStore, ok := commitCache.(*cache.RedisStore); ok {
		service.UseCache(redisStore)
	}

	if cfg.RepositoriesFile != "" {
		seeds, err := config.LoadSeeds(cfg.RepositoriesFile)
		if err != nil {
			return err
		}
		if err := service.Bootstrap(ctx, seeds); err != nil {
			logger.Warn("bootstrap failed, will retry on next restart", "error", err)
		}
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	// a feed request ends within one FeedTimeout
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.FeedTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("commitnews api listening", "addr", cfg.Addr, "source", cfg.CommitSource)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case <-sigCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	return nil
}
