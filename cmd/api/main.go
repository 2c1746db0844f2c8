package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cmms/api/internal/app"
	"cmms/api/internal/config"
	"cmms/api/internal/export"
	"cmms/api/internal/history"
	"cmms/api/internal/logging"
	"cmms/api/internal/search"
	"cmms/api/internal/session"
	"cmms/api/internal/storage"
	"cmms/api/internal/store"
	"cmms/api/internal/templates"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}

	blob, err := openBlob(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var forms session.Store
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("using redis for form sessions")
		redisStore, err := session.NewRedisStore(cfg.RedisURL, cfg.FormSessionTTL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		forms = redisStore
	} else {
		logger.Info("using process memory for form sessions")
		forms = session.NewMemoryStore(cfg.FormSessionTTL)
	}

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
	}
	searchService := search.NewService(meili, search.NewPg(db), logger)

	if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
		return fmt.Errorf("failed to create history dir: %w", err)
	}

	tpls := templates.NewStore(blob, cfg.ServiceTimeout)
	service, err := app.New(cfg, logger, app.Dependencies{
		Store:     store.NewPostgresStore(db),
		Templates: tpls,
		Forms:     forms,
		Generator: export.NewGenerator(tpls, blob, cfg.ServiceTimeout, logger),
		History:   history.New(cfg.HistoryDir),
		Search:    searchService,
		Blob:      blob,
	})
	if err != nil {
		return err
	}
	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn("bootstrap error (will retry on next restart)", zap.Error(err))
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// PDF rendering runs inside the request.
		WriteTimeout: cfg.ServiceTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("CMMS API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}

func openBlob(ctx context.Context, cfg config.Config, logger *zap.Logger) (storage.Blob, error) {
	if strings.TrimSpace(cfg.MinIOEndpoint) == "" {
		logger.Info("using local directory storage", zap.String("dir", cfg.StorageDir))
		dir, err := storage.NewDir(cfg.StorageDir)
		if err != nil {
			return nil, fmt.Errorf("storage dir: %w", err)
		}
		return dir, nil
	}
	logger.Info("using minio storage", zap.String("endpoint", cfg.MinIOEndpoint), zap.String("bucket", cfg.MinIOBucket))
	client, err := storage.NewMinIO(ctx, cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOBucket, cfg.MinIOUseSSL)
	if err != nil {
		return nil, fmt.Errorf("minio connection failed: %w", err)
	}
	return client, nil
}
