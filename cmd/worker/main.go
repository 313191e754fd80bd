package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/farhan-ahmed1/llmhub/internal/bootstrap"
	"github.com/farhan-ahmed1/llmhub/internal/config"
	"github.com/farhan-ahmed1/llmhub/internal/logger"
	"github.com/farhan-ahmed1/llmhub/internal/monitoring"
	"github.com/farhan-ahmed1/llmhub/internal/task"
	"github.com/farhan-ahmed1/llmhub/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", logger.Fields{"error": err.Error()})
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format, "worker")
	log := logger.GetDefault()
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("Worker exited", logger.Fields{"error": err.Error()})
	}
	log.Info("Worker stopped")
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap.Connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.Close()

	metrics := monitoring.NewMetrics(deps.Queue, nil)

	prefix := cfg.Worker.ID
	if prefix == "" {
		prefix, _ = os.Hostname()
	}

	pool := worker.NewPool(deps.Queue, deps.Store, deps.Backend, worker.PoolConfig{
		Concurrency:     cfg.Worker.Concurrency,
		IDPrefix:        prefix,
		ShutdownTimeout: cfg.Worker.ShutdownTimeout,
		Worker: worker.Config{
			Timeout: cfg.Backend.Timeout,
			Retry: task.RetryPolicy{
				MaxRetries: cfg.Worker.MaxRetries,
				BaseDelay:  cfg.Worker.RetryBaseDelay,
				MaxDelay:   cfg.Worker.RetryMaxDelay,
			},
			Claims:  deps.Inflight,
			Metrics: metrics,
			Logger:  log,
		},
	})

	if err := pool.Start(); err != nil {
		return err
	}
	log.Info("Worker pool started", logger.Fields{
		"concurrency": cfg.Worker.Concurrency,
		"backend":     cfg.Backend.Kind,
	})

	g, gctx := errgroup.WithContext(ctx)

	// Exit non-zero if the queue connection drops and takes the workers
	// with it, so the supervisor restarts the process
	g.Go(func() error {
		select {
		case <-pool.Done():
			return pool.Err()
		case <-gctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		metrics.Run(gctx, 5*time.Second, log)
		return nil
	})

	if cfg.Worker.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.Worker.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("Serving metrics", logger.Fields{"address": cfg.Worker.MetricsAddr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down workers", logger.Fields{"stats": pool.GetStats()})

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
		defer cancel()
		return pool.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
