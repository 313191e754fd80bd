package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/farhan-ahmed1/llmhub/internal/backend"
	"github.com/farhan-ahmed1/llmhub/internal/logger"
	"github.com/farhan-ahmed1/llmhub/internal/queue"
	"github.com/farhan-ahmed1/llmhub/internal/storage"
)

// ErrWorkersExited means every worker stopped without a shutdown request,
// typically because the queue connection closed underneath them
var ErrWorkersExited = errors.New("all workers exited unexpectedly")

// Pool runs a fixed number of workers against one queue
type Pool struct {
	logger *logger.Logger

	mu      sync.RWMutex
	workers []*Worker
	started bool

	// done closes once every started worker has exited
	done     chan struct{}
	exitErr  error
	stopping atomic.Bool

	ctx        context.Context
	cancelFunc context.CancelFunc

	// Configuration
	concurrency     int
	shutdownTimeout time.Duration
}

// PoolConfig holds configuration for the worker pool
type PoolConfig struct {
	// Concurrency is the number of parallel workers
	Concurrency int

	// IDPrefix names workers <prefix>-1, <prefix>-2, ...
	IDPrefix        string
	ShutdownTimeout time.Duration

	// Worker is the template for every worker; its ID is ignored
	Worker Config
}

// NewPool creates a new worker pool
func NewPool(q queue.Queue, store storage.Store, gen backend.Backend, cfg PoolConfig) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.IDPrefix == "" {
		cfg.IDPrefix = "worker"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	log := cfg.Worker.Logger
	if log == nil {
		log = logger.GetDefault()
	}
	if log == nil {
		log = logger.New("info", "text", "pool")
	}
	cfg.Worker.Logger = log

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		logger:          log.WithComponent("pool"),
		concurrency:     cfg.Concurrency,
		shutdownTimeout: cfg.ShutdownTimeout,
		ctx:             ctx,
		cancelFunc:      cancel,
		done:            make(chan struct{}),
	}

	for i := 1; i <= cfg.Concurrency; i++ {
		wcfg := cfg.Worker
		wcfg.ID = fmt.Sprintf("%s-%d", cfg.IDPrefix, i)
		p.workers = append(p.workers, NewWorker(q, store, gen, wcfg))
	}
	return p
}

// Start launches every worker
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("pool already started")
	}

	p.logger.Info("Starting worker pool", logger.Fields{
		"concurrency": p.concurrency,
	})

	started := 0
	for _, w := range p.workers {
		if err := w.Start(p.ctx); err != nil {
			p.logger.Error("Failed to start worker", logger.Fields{
				"worker_id": w.ID(),
				"error":     err.Error(),
			})
			continue
		}
		started++
	}

	if started == 0 {
		return fmt.Errorf("failed to start any workers")
	}
	p.started = true

	go p.watch()
	return nil
}

// watch closes done when the last worker exits and records whether that
// happened without Shutdown
func (p *Pool) watch() {
	for _, w := range p.workers {
		w.Wait()
	}

	if !p.stopping.Load() {
		p.logger.Error("All workers exited without shutdown", logger.Fields{
			"workers": len(p.workers),
		})
		p.mu.Lock()
		p.exitErr = ErrWorkersExited
		p.mu.Unlock()
	}
	close(p.done)
}

// Done is closed once every worker has exited, whether through Shutdown
// or because the queue went away
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Err returns ErrWorkersExited when the workers stopped on their own, nil
// otherwise
func (p *Pool) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

// GetWorkerCount returns the number of running workers
func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := 0
	for _, w := range p.workers {
		if w.IsRunning() {
			n++
		}
	}
	return n
}

// Shutdown stops taking new descriptors and waits for in-flight
// generations. When ctx ends first, in-flight calls are aborted and their
// descriptors returned to the queue before Shutdown returns ctx.Err().
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopping.Store(true)

	p.mu.RLock()
	workers := append([]*Worker(nil), p.workers...)
	p.mu.RUnlock()

	p.logger.Info("Shutting down worker pool", logger.Fields{
		"workers": len(workers),
	})

	for _, w := range workers {
		w.signalStop()
	}

	done := make(chan struct{})
	go func() {
		for _, w := range workers {
			w.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		p.cancelFunc()
		p.logger.Info("All workers shut down gracefully")
		return nil
	case <-ctx.Done():
	}

	p.logger.Warn("Shutdown timeout exceeded, aborting in-flight generations")
	p.cancelFunc()

	select {
	case <-done:
	case <-time.After(p.shutdownTimeout):
		p.logger.Error("Workers did not exit after abort")
	}
	return ctx.Err()
}

// GetStats returns pool statistics
func (p *Pool) GetStats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var processed, failed, retried int64
	running := 0
	for _, w := range p.workers {
		a, b, c := w.Stats()
		processed += a
		failed += b
		retried += c
		if w.IsRunning() {
			running++
		}
	}

	return map[string]interface{}{
		"total_workers":   len(p.workers),
		"running_workers": running,
		"tasks_processed": processed,
		"tasks_failed":    failed,
		"tasks_retried":   retried,
	}
}
