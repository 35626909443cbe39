package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/job-pipeline/internal/bootstrap"
	"github.com/cuongbtq/job-pipeline/internal/config"
	"github.com/cuongbtq/job-pipeline/internal/domain"
	"github.com/cuongbtq/job-pipeline/internal/limiter"
	"github.com/cuongbtq/job-pipeline/internal/pipeline"
	"github.com/cuongbtq/job-pipeline/internal/progress"
	"github.com/cuongbtq/job-pipeline/internal/schema"
	"github.com/cuongbtq/job-pipeline/internal/worker"
	workerstorage "github.com/cuongbtq/job-pipeline/internal/worker/storage"
	"github.com/cuongbtq/job-pipeline/shared/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	bootstrap.LoadEnv()

	configPath := flag.String("config",
		bootstrap.ConfigPath("WORKER_SERVICE_CONFIG_PATH", "configs/worker-service/config.yaml"),
		"Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbClient, err := bootstrap.NewPostgreSQL(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()
	defer func() {
		appLogger.Info("PostgreSQL pool stats at shutdown", dbClient.StatsAttrs()...)
	}()

	if cfg.Database.AutoMigrate {
		if err := dbClient.Migrate(ctx, schema.Apply); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	redisClient, err := bootstrap.NewRedis(ctx, &cfg.Redis, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}
	defer redisClient.Close()

	rabbitClient, err := bootstrap.NewRabbitMQ(ctx, &cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	jobLimiter, err := limiter.New(cfg.Limiter.Global, cfg.Limiter.PerOwner)
	if err != nil {
		return fmt.Errorf("failed to create limiter: %w", err)
	}

	store := workerstorage.NewStorage(dbClient.GetDB(), appLogger.Logger)
	executor := pipeline.NewExecutor(&pipeline.Dependencies{
		Logger:      appLogger.Logger,
		Jobs:        store,
		Checkpoints: store,
		Progress:    progress.NewRedisCache(redisClient.GetClient(), cfg.Redis.ProgressTTL, appLogger.Logger),
		Loader:      progressStoreLoader(redisClient),
	}, bootstrap.PipelineConfig(&cfg.Pipeline))

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:      appLogger.Logger,
		Source:      rabbitClient,
		Executor:    executor,
		Limiter:     jobLimiter,
		Retry:       bootstrap.RetryPolicy(&cfg.Retry),
		Concurrency: cfg.Worker.Concurrency,
		ConsumerTag: cfg.RabbitMQ.Consumer.Tag,
		Prefetch:    cfg.RabbitMQ.Consumer.PrefetchCount,
		JobTimeout:  cfg.Worker.JobTimeout,
	})

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	done := make(chan error, 1)
	go func() {
		done <- workerInstance.Start(workerCtx)
	}()

	appLogger.Info("Worker service started successfully")

	var brokerErr error
	select {
	case err := <-done:
		if err != nil {
			appLogger.Error("Worker error",
				slog.Any("error", err),
			)
		}
		return err
	case <-ctx.Done():
		appLogger.Info("Received signal, shutting down gracefully")
	case amqpErr, ok := <-rabbitClient.NotifyClose():
		brokerErr = errors.New("RabbitMQ channel closed")
		if ok && amqpErr != nil {
			brokerErr = fmt.Errorf("RabbitMQ channel closed: %w", amqpErr)
		}
		appLogger.Error("Lost RabbitMQ channel, stopping worker",
			slog.Any("error", brokerErr),
		)
	}
	cancelWorker()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) && brokerErr == nil {
			return err
		}
		appLogger.Info("Worker stopped")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit",
			slog.Int("in_flight", workerInstance.InFlight()),
		)
	}

	return brokerErr
}

// progressStoreLoader checks that the progress store is reachable before a
// job starts reporting to it
func progressStoreLoader(rc *redis.Client) pipeline.DependencyLoader {
	return pipeline.DependencyLoaderFunc(func(ctx context.Context, job *domain.Job) error {
		if err := rc.HealthCheck(ctx); err != nil {
			return domain.NewRetryableError(fmt.Errorf("progress store unavailable: %w", err))
		}
		return nil
	})
}
