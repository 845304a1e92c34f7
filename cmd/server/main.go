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

	"github.com/redis/go-redis/v9"

	"stash/internal/server/api"
	"stash/internal/server/auth"
	"stash/internal/server/config"
	"stash/internal/server/database"
	"stash/internal/server/service"
	"stash/internal/server/storage"
)

// revokedTokenCacheSize bounds the in-process revocation list used when no
// Redis is configured.
const revokedTokenCacheSize = 100_000

func main() {
	// Structured logging
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// Load config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.LogLevel)
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"store_backend", cfg.StoreBackend,
		"max_file_size", cfg.MaxFileSize,
		"max_files_per_request", cfg.MaxFilesPerRequest,
		"allowed_mime_types", cfg.AllowedMimeTypes,
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
	if err := db.RunMigrations(); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("database migrations complete")

	// Initialize storage
	backend, blobs, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize storage", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	store := storage.NewRetryingStore(backend, cfg.StoreMaxRetries, cfg.StoreTimeout)

	// Token revocation
	revoker, closeRevoker, err := openRevoker(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize token revocation", "error", err)
		os.Exit(1)
	}
	defer closeRevoker()

	// Initialize repositories and services
	repo := database.NewRepository(db)
	users := database.NewUserRepository(db)
	tokens := auth.NewTokenManager([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.TokenTTL)

	files := service.NewFileService(repo, store, cfg)
	shares := service.NewShareService(repo, store, cfg)
	accounts := service.NewAccountService(users, tokens, revoker)

	// Start cleanup service
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	cleanup := storage.NewCleanupService(repo, store, cfg.ReconcileInterval, cfg.OrphanGracePeriod)
	cleanup.Start(cleanupCtx)

	// Setup HTTP router
	handler := api.NewHandler(files, shares, accounts, db, blobs)
	e, limiters := api.SetupRouter(handler, cfg)

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
	for _, l := range limiters {
		l.Stop()
	}

	// Stop cleanup service
	cleanupCancel()
	cleanup.Wait()

	slog.Info("server exited cleanly")
}

// openStore builds the configured backend. The filesystem store also serves
// its own signed URLs, so it is returned as a BlobServer too.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, api.BlobServer, error) {
	switch cfg.StoreBackend {
	case config.BackendS3:
		s3, err := storage.NewS3Store(storage.S3Options{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return nil, nil, err
		}
		bucketCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		defer cancel()
		if err := s3.EnsureBucket(bucketCtx); err != nil {
			return nil, nil, err
		}
		slog.Info("object storage initialized", "endpoint", cfg.S3Endpoint, "bucket", cfg.S3Bucket)
		return s3, nil, nil

	default:
		fs := storage.NewFileSystemStore(cfg.StoragePath, []byte(cfg.BlobSigningKey), cfg.BaseURL)
		if err := fs.EnsureDir(); err != nil {
			return nil, nil, err
		}
		slog.Info("file storage initialized", "path", cfg.StoragePath)
		return fs, fs, nil
	}
}

func openRevoker(ctx context.Context, cfg *config.Config) (auth.Revoker, func(), error) {
	if cfg.RedisURL == "" {
		slog.Warn("REDIS_URL not set, revoked tokens are kept in memory and lost on restart")
		return auth.NewMemoryRevoker(revokedTokenCacheSize, cfg.TokenTTL), func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Info("token revocation backed by redis", "addr", opts.Addr)

	return auth.NewRedisRevoker(client), func() { client.Close() }, nil
}
