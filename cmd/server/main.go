package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"snapshare/internal/server/api"
	"snapshare/internal/server/config"
	"snapshare/internal/server/database"
	"snapshare/internal/server/service"
	"snapshare/internal/server/session"
	"snapshare/internal/server/storage"
	"snapshare/internal/server/web"
)

func main() {
	// Load config
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"port", cfg.Port,
		"storage_backend", cfg.StorageBackend,
		"session_backend", cfg.SessionBackend,
		"max_upload_size", cfg.MaxUploadSize,
		"session_ttl", cfg.SessionTTL,
	)

	// Connect to database
	ctx := context.Background()
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Run migrations
	applied, err := db.RunMigrations(ctx)
	if err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("database migrations complete", "applied", len(applied))

	// Initialize storage
	store, err := storage.NewFromConfig(ctx, cfg)
	if err != nil {
		slog.Error("failed to create image store", "error", err)
		os.Exit(1)
	}
	if err := store.Init(ctx); err != nil {
		slog.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	slog.Info("image storage initialized", "backend", cfg.StorageBackend)

	// Initialize session store
	sessions, sweeper, closeSessions, err := newSessionStore(ctx, cfg, db)
	if err != nil {
		slog.Error("failed to initialize session store", "error", err)
		os.Exit(1)
	}
	defer closeSessions()
	slog.Info("session store initialized", "backend", cfg.SessionBackend)

	// Initialize repositories and services
	users := database.NewUserRepository(db)
	images := database.NewImageRepository(db)
	authSvc := service.NewAuthService(users, 0)
	imageSvc := service.NewImageService(images, store, cfg)

	// Start cleanup service
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	cleanup := storage.NewCleanupService(sweeper, images, store, cfg.CleanupInterval)
	cleanup.Start(cleanupCtx)

	// Setup HTTP router
	renderer, err := web.NewRenderer()
	if err != nil {
		slog.Error("failed to load templates", "error", err)
		os.Exit(1)
	}
	handler := api.NewHandler(authSvc, imageSvc, db, cfg)
	e := api.SetupRouter(handler, cfg, sessions, renderer)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "base_url", cfg.BaseURL)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server stopped", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop cleanup service
	cleanupCancel()
	cleanup.Wait()

	slog.Info("server exited cleanly")
}

// newSessionStore picks the session backend. The returned sweeper is nil for
// redis, which expires keys on its own.
func newSessionStore(ctx context.Context, cfg *config.Config, db *database.DB) (session.Store, storage.SessionSweeper, func(), error) {
	noop := func() {}

	switch cfg.SessionBackend {
	case config.SessionBackendRedis:
		client, err := session.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, noop, err
		}
		closeFn := func() {
			if err := client.Close(); err != nil {
				slog.Error("failed to close redis client", "error", err)
			}
		}
		return session.NewRedisStore(client), nil, closeFn, nil
	case config.SessionBackendMemory:
		store := session.NewMemoryStore()
		return store, store, noop, nil
	default:
		store := database.NewSessionStore(db)
		return store, store, noop, nil
	}
}
