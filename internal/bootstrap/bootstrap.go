// Package bootstrap connects the infrastructure selected by configuration
// and hands it to the broker and worker binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/farhan-ahmed1/llmhub/internal/backend"
	"github.com/farhan-ahmed1/llmhub/internal/config"
	"github.com/farhan-ahmed1/llmhub/internal/logger"
	"github.com/farhan-ahmed1/llmhub/internal/pipeline"
	"github.com/farhan-ahmed1/llmhub/internal/queue"
	"github.com/farhan-ahmed1/llmhub/internal/storage"
)

// Deps holds the connected infrastructure
type Deps struct {
	Store   storage.Store
	Queue   queue.Queue
	Backend backend.Backend

	// Inflight is nil unless single-flight submission is enabled
	Inflight pipeline.Inflight

	// Redis is nil when no component needs it
	Redis *redis.Client

	closers []func() error
}

// Connect opens every connection cfg asks for. On error, anything already
// opened is closed again.
func Connect(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *Deps, err error) {
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithComponent("bootstrap")

	d := &Deps{}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	if needsRedis(cfg) {
		d.Redis, err = connectRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, d.Redis.Close)
		log.Info("Connected to Redis", logger.Fields{"addr": cfg.Redis.RedisAddr()})
	}

	switch cfg.StorageBackend {
	case config.StoragePostgres:
		pool, err := connectPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		d.Store = storage.NewPostgresStore(pool)
		log.Info("Connected to Postgres", logger.Fields{"max_conns": cfg.Postgres.MaxConns})
	case config.StorageRedis:
		d.Store = storage.NewRedisStore(d.Redis, cfg.Broker.RetentionPeriod)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
	d.closers = append(d.closers, d.Store.Close)

	switch cfg.Queue.Backend {
	case config.QueueRedis:
		d.Queue, err = queue.NewRedisQueue(d.Redis, queue.RedisQueueConfig{
			Namespace:         cfg.Queue.Name,
			PollInterval:      cfg.Queue.PollInterval,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		})
		if err != nil {
			return nil, err
		}
	case config.QueueAMQP:
		conn, err := amqp091.Dial(cfg.Queue.AMQPURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		d.closers = append(d.closers, conn.Close)

		d.Queue, err = queue.NewAMQPQueue(conn, queue.AMQPQueueConfig{
			Name:        cfg.Queue.Name,
			Prefetch:    cfg.Worker.Concurrency,
			DelayLevels: queue.BackoffLevels(cfg.Worker.RetryBaseDelay, cfg.Worker.RetryMaxDelay),
		})
		if err != nil {
			return nil, err
		}
		log.Info("Connected to RabbitMQ", logger.Fields{"queue": cfg.Queue.Name})
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
	d.closers = append(d.closers, d.Queue.Close)

	d.Backend, err = backend.New(cfg.Backend)
	if err != nil {
		return nil, err
	}

	if cfg.Pipeline.SingleFlight {
		d.Inflight = pipeline.NewRedisInflight(d.Redis, cfg.Queue.Name, cfg.Pipeline.SingleFlightTTL)
	}

	return d, nil
}

// Close releases connections in reverse order of opening
func (d *Deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

func needsRedis(cfg *config.Config) bool {
	return cfg.StorageBackend == config.StorageRedis ||
		cfg.Queue.Backend == config.QueueRedis ||
		cfg.Pipeline.SingleFlight
}

func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr(), err)
	}
	return client, nil
}

func connectPostgres(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	if cfg.AutoMigrate {
		if err := storage.Migrate(cfg.DSN); err != nil {
			return nil, err
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return pool, nil
}
