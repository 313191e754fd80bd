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
	"github.com/farhan-ahmed1/llmhub/internal/broker"
	"github.com/farhan-ahmed1/llmhub/internal/config"
	"github.com/farhan-ahmed1/llmhub/internal/logger"
	"github.com/farhan-ahmed1/llmhub/internal/monitoring"
	"github.com/farhan-ahmed1/llmhub/internal/pipeline"
	"github.com/farhan-ahmed1/llmhub/internal/preprocess"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", logger.Fields{"error": err.Error()})
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format, "broker")
	log := logger.GetDefault()
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("Broker exited", logger.Fields{"error": err.Error()})
	}
	log.Info("Broker stopped")
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

	orch, err := pipeline.New(pipeline.Config{
		Store:           deps.Store,
		Queue:           deps.Queue,
		Catalog:         pipeline.NewCatalog(deps.Backend, cfg.Pipeline.ModelCacheTTL, cfg.Backend.ListTimeout),
		Inflight:        deps.Inflight,
		DefaultModelTag: cfg.ModelTag(),
		Metrics:         metrics,
		Logger:          log,
	})
	if err != nil {
		return err
	}

	b := broker.NewBroker(broker.Config{
		Addr:          cfg.Broker.ListenAddr,
		ReadTimeout:   cfg.Broker.ReadTimeout,
		WriteTimeout:  cfg.Broker.WriteTimeout,
		Orchestrator:  orch,
		Store:         deps.Store,
		Queue:         deps.Queue,
		Preprocessors: preprocess.Default(nil, cfg.Broker.FetchTimeout),
		Metrics:       metrics,
		Logger:        log,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		metrics.Run(gctx, 5*time.Second, log)
		return nil
	})

	g.Go(func() error {
		if err := b.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		<-b.Ready()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return b.Stop(shutdownCtx)
	})

	return g.Wait()
}
