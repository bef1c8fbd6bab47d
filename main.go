package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"go-flipqueue/api"
	"go-flipqueue/blob"
	"go-flipqueue/config"
	"go-flipqueue/ingest"
	"go-flipqueue/query"
	"go-flipqueue/queue"
	"go-flipqueue/taskstore"
	"go-flipqueue/transform"
	"go-flipqueue/worker"
)

type backends struct {
	tasks  taskstore.Store
	blobs  blob.Store
	queue  queue.Producer
	source queue.Source
	close  func()
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Failed to load .env file: %v", err)
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Env,
		}); err != nil {
			logger.Fatal("sentry init failed", zap.Error(err))
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	be, err := openBackends(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize backends", zap.String("backend", cfg.Backend), zap.Error(err))
	}
	defer be.close()

	ingestSvc := ingest.NewService(be.blobs, be.tasks, be.queue, cfg.Upload.MaxBytes, logger.Named("ingest"))
	querySvc := query.NewService(be.tasks, be.blobs)
	w := worker.New(be.tasks, be.blobs, transform.NewRotate180(), cfg.Worker.TransformTimeout, logger.Named("worker"))

	var wg sync.WaitGroup
	// Consumer names are stable per host so a restart picks up its own
	// pending entries instead of leaving them to reclaim.
	w.Start(ctx, be.source, cfg.Queue.ConsumerName, cfg.WorkerCount, &wg)

	server := api.NewServer(cfg.ServerAddr, ingestSvc, querySvc, cfg.Upload.MaxBytes, logger.Named("api"))

	go func() {
		logger.Info("starting server", zap.String("addr", cfg.ServerAddr), zap.Int("workers", cfg.WorkerCount))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()
	wg.Wait()
	logger.Info("all workers stopped")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Env == "development" {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level
	return zcfg.Build()
}

func openBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backends, error) {
	if cfg.Backend == config.BackendMemory {
		logger.Warn("using in-memory backends, state is lost on restart")
		q := queue.NewMemory(cfg.Queue.BlockTimeout)
		return &backends{
			tasks:  taskstore.NewMemory(),
			blobs:  blob.NewMemory(cfg.Blob.Bucket),
			queue:  q,
			source: q,
			close:  q.Close,
		}, nil
	}

	if err := taskstore.Migrate(ctx, cfg.Store.DatabaseURL, cfg.Store.Table); err != nil {
		return nil, err
	}
	dbPool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := dbPool.Ping(ctx); err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	stream := queue.NewRedisStream(rdb, cfg.Queue, logger.Named("queue"))
	if err := stream.EnsureGroup(ctx); err != nil {
		dbPool.Close()
		_ = rdb.Close()
		return nil, err
	}
	// Consumers left behind by scaled-down or renamed hosts.
	if _, err := stream.PruneConsumers(ctx, 24*time.Hour); err != nil {
		logger.Warn("failed to prune idle consumers", zap.Error(err))
	}

	blobs, err := blob.NewS3(ctx, cfg.Blob)
	if err != nil {
		dbPool.Close()
		_ = rdb.Close()
		return nil, err
	}

	return &backends{
		tasks:  taskstore.NewPostgres(dbPool, cfg.Store.Table),
		blobs:  blobs,
		queue:  stream,
		source: stream,
		close: func() {
			_ = rdb.Close()
			dbPool.Close()
		},
	}, nil
}
