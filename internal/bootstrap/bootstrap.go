// Package bootstrap turns configuration into the clients and policies both
// services start from
package bootstrap

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/cuongbtq/job-pipeline/internal/config"
	"github.com/cuongbtq/job-pipeline/internal/pipeline"
	"github.com/cuongbtq/job-pipeline/shared/logger"
	"github.com/cuongbtq/job-pipeline/shared/postgresql"
	"github.com/cuongbtq/job-pipeline/shared/rabbitmq"
	"github.com/cuongbtq/job-pipeline/shared/redis"
)

// LoadEnv reads a .env file when one exists
func LoadEnv() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}
}

// ConfigPath returns the config path from envVar, falling back to fallback
func ConfigPath(envVar, fallback string) string {
	if p := os.Getenv(envVar); p != "" {
		return p
	}
	return fallback
}

// NewLogger initializes and configures the application logger
func NewLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// NewPostgreSQL initializes the PostgreSQL database client
func NewPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(ctx, &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectRetries:  cfg.ConnectRetries,
		RetryInterval:   cfg.RetryInterval,
	}, logger)
}

// NewRabbitMQ initializes the RabbitMQ client
func NewRabbitMQ(ctx context.Context, cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(ctx, &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, logger)
}

// NewRedis initializes the Redis client backing the progress cache
func NewRedis(ctx context.Context, cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	return redis.NewClient(ctx, &redis.Config{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.PoolSize,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: cfg.MinRetryBackoff,
		MaxRetryBackoff: cfg.MaxRetryBackoff,
	}, logger)
}

// PipelineConfig overlays the configured step timings on the defaults
func PipelineConfig(cfg *config.PipelineConfig) pipeline.Config {
	out := pipeline.DefaultConfig()
	if cfg.DependencyDelay > 0 {
		out.DependencyDelay = cfg.DependencyDelay
	}
	if cfg.PrepareDelay > 0 {
		out.PrepareDelay = cfg.PrepareDelay
	}
	if cfg.MainWorkMin > 0 {
		out.MainWorkMin = cfg.MainWorkMin
	}
	if cfg.MainWorkMax > 0 {
		out.MainWorkMax = cfg.MainWorkMax
	}
	if cfg.PostProcessDelay > 0 {
		out.PostProcessDelay = cfg.PostProcessDelay
	}
	if cfg.OutputURLTemplate != "" {
		out.OutputURLTemplate = cfg.OutputURLTemplate
	}
	return out
}

// RetryPolicy builds the automatic retry policy
func RetryPolicy(cfg *config.RetryConfig) *pipeline.RetryPolicy {
	return &pipeline.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     pipeline.ExponentialBackoff(cfg.InitialBackoff, cfg.MaxBackoff, cfg.Multiplier),
	}
}
