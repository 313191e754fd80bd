package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/farhan-ahmed1/llmhub/internal/backend"
	"github.com/farhan-ahmed1/llmhub/internal/generation"
	"github.com/farhan-ahmed1/llmhub/internal/logger"
	"github.com/farhan-ahmed1/llmhub/internal/monitoring"
	"github.com/farhan-ahmed1/llmhub/internal/queue"
	"github.com/farhan-ahmed1/llmhub/internal/storage"
	"github.com/farhan-ahmed1/llmhub/internal/task"
)

const (
	defaultTimeout      = 10 * time.Minute
	defaultStoreTimeout = 30 * time.Second
	dequeueErrorBackoff = time.Second
)

// ClaimReleaser drops a single-flight claim once a result is terminal
type ClaimReleaser interface {
	Release(ctx context.Context, key generation.CacheKey, id uuid.UUID) error
}

// Worker dequeues generation descriptors and drives each result to a
// terminal state
type Worker struct {
	id      string
	queue   queue.Queue
	store   storage.Store
	backend backend.Backend
	retry   task.RetryPolicy
	claims  ClaimReleaser
	metrics *monitoring.Metrics
	logger  *logger.Logger

	timeout      time.Duration
	storeTimeout time.Duration
	now          func() time.Time

	// Graceful shutdown
	shutdownChan chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
	mu           sync.RWMutex
	running      bool

	// Stats
	tasksProcessed atomic.Int64
	tasksFailed    atomic.Int64
	tasksRetried   atomic.Int64
}

// Config holds worker configuration
type Config struct {
	ID string

	// Timeout bounds each backend call
	Timeout time.Duration

	// StoreTimeout bounds result writes, which outlive shutdown
	StoreTimeout time.Duration

	Retry task.RetryPolicy

	// Claims is set when submissions use single-flight
	Claims ClaimReleaser

	Metrics *monitoring.Metrics
	Logger  *logger.Logger
}

// NewWorker creates a new worker instance
func NewWorker(q queue.Queue, store storage.Store, gen backend.Backend, cfg Config) *Worker {
	if cfg.ID == "" {
		cfg.ID = fmt.Sprintf("worker-%d", time.Now().UnixNano())
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.Retry.MaxRetries < 1 {
		cfg.Retry = task.DefaultRetryPolicy()
	}

	log := cfg.Logger
	if log == nil {
		log = logger.GetDefault()
	}
	if log == nil {
		log = logger.New("info", "text", "worker")
	}

	return &Worker{
		id:           cfg.ID,
		queue:        q,
		store:        store,
		backend:      gen,
		retry:        cfg.Retry,
		claims:       cfg.Claims,
		metrics:      cfg.Metrics,
		logger:       log.WithComponent("worker").With(logger.Fields{"worker_id": cfg.ID}),
		timeout:      cfg.Timeout,
		storeTimeout: cfg.StoreTimeout,
		now:          time.Now,
		shutdownChan: make(chan struct{}),
	}
}

// Start begins the worker loop. Cancelling ctx aborts in-flight work;
// Stop lets it finish.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker %s is already running", w.id)
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("Starting worker")
	w.metrics.RegisterWorker()

	w.wg.Add(1)
	go w.run(ctx)

	return nil
}

// run is the main worker loop
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		w.metrics.UnregisterWorker()
	}()

	// pollCtx ends on Stop; ctx ends on abort
	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()
	go func() {
		select {
		case <-w.shutdownChan:
			cancelPoll()
		case <-pollCtx.Done():
		}
	}()

	for {
		d, err := w.queue.Dequeue(pollCtx)
		if err != nil {
			if pollCtx.Err() != nil {
				w.logger.Info("Worker loop stopped")
				return
			}
			if errors.Is(err, queue.ErrClosed) {
				w.logger.Error("Queue closed, worker exiting", logger.Fields{
					"error": err.Error(),
				})
				return
			}

			w.logger.Warn("Failed to dequeue", logger.Fields{
				"error": err.Error(),
			})
			select {
			case <-pollCtx.Done():
				return
			case <-time.After(dequeueErrorBackoff):
			}
			continue
		}

		w.process(ctx, d)
	}
}

// process runs one attempt for d and settles the delivery
func (w *Worker) process(ctx context.Context, d *task.Descriptor) {
	w.metrics.MarkWorkerBusy()
	defer w.metrics.MarkWorkerIdle()

	attempt := d.Attempt + 1
	fields := logger.Fields{
		"task_id":   d.ID,
		"result_id": d.ResultID.String(),
		"model":     d.Model,
		"attempt":   attempt,
	}

	// Early redelivery of a delayed descriptor
	if now := w.now(); !d.Ready(now) {
		w.requeue(ctx, d, d.NotBefore.Sub(now), fields)
		return
	}

	// A redelivered descriptor whose result another delivery already settled
	if skip := w.alreadySettled(ctx, d, fields); skip {
		return
	}

	w.logger.Info("Processing generation", fields)

	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	start := w.now()
	response, err := w.generate(callCtx, d)
	elapsed := w.now().Sub(start)
	cancel()

	if err != nil && ctx.Err() != nil {
		w.metrics.RecordAttempt(d.Model, monitoring.AttemptInterrupted, elapsed)
		w.logger.Warn("Generation interrupted by shutdown, returning descriptor", fields)
		w.settle(ctx, d, func(c context.Context) error { return w.queue.Nack(c, d) }, "nack", fields)
		return
	}

	outcome := w.retry.Decide(attempt, response, err)
	w.apply(ctx, d, attempt, outcome, elapsed, fields)
}

// generate calls the backend, converting a panic into an unexpected error
func (w *Worker) generate(ctx context.Context, d *task.Descriptor) (response string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during generation: %v", r)
		}
	}()
	return w.backend.Generate(ctx, d.Model, d.Prompt)
}

// alreadySettled acks d when its result is gone or terminal
func (w *Worker) alreadySettled(ctx context.Context, d *task.Descriptor, fields logger.Fields) bool {
	r, err := w.store.Get(ctx, d.ResultID)
	switch {
	case errors.Is(err, generation.ErrNotFound):
		w.logger.Error("Result for descriptor does not exist", fields)
		w.deadLetter(ctx, d, "result not found", fields)
		w.ack(ctx, d, fields)
		return true
	case err != nil:
		// Let the terminal write surface a persistent storage problem
		w.logger.Warn("Failed to read result before generation", logger.Fields{
			"result_id": d.ResultID.String(),
			"error":     err.Error(),
		})
		return false
	case r.Status.IsTerminal():
		w.logger.Info("Result already settled, skipping redelivery", logger.Fields{
			"result_id": d.ResultID.String(),
			"status":    string(r.Status),
		})
		w.ack(ctx, d, fields)
		return true
	}
	return false
}

// apply carries out the retry decision for one attempt
func (w *Worker) apply(ctx context.Context, d *task.Descriptor, attempt int, out task.Outcome, elapsed time.Duration, fields logger.Fields) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.storeTimeout)
	defer cancel()

	switch out.Kind {
	case task.OutcomeSucceed:
		w.metrics.RecordAttempt(d.Model, monitoring.AttemptSuccess, elapsed)
		w.recordAttempt(writeCtx, d, attempt, "", fields)

		if err := w.store.Complete(writeCtx, d.ResultID, out.Response); err != nil {
			w.terminalWriteFailed(writeCtx, d, "complete", err, fields)
		} else {
			w.tasksProcessed.Add(1)
			w.logger.Info("Generation completed", logger.Fields{
				"result_id": d.ResultID.String(),
				"attempt":   attempt,
				"duration":  elapsed.String(),
			})
		}
		w.release(writeCtx, d)
		w.ack(writeCtx, d, fields)

	case task.OutcomeRetryAfter:
		w.metrics.RecordAttempt(d.Model, monitoring.AttemptRetry, elapsed)
		w.tasksRetried.Add(1)
		w.recordAttempt(writeCtx, d, attempt, out.Reason, fields)

		next := d.Next(attempt, out.Delay, w.now())
		if err := w.queue.EnqueueAfter(writeCtx, next, out.Delay); err != nil {
			// Without a successor the only way forward is redelivery of d
			w.logger.Error("Failed to schedule retry, returning descriptor", logger.Fields{
				"result_id": d.ResultID.String(),
				"error":     err.Error(),
			})
			w.settle(writeCtx, d, func(c context.Context) error { return w.queue.Nack(c, d) }, "nack", fields)
			return
		}

		w.logger.Warn("Backend unavailable, retry scheduled", logger.Fields{
			"result_id": d.ResultID.String(),
			"attempt":   attempt,
			"delay":     out.Delay.String(),
			"error":     out.Reason,
		})
		w.ack(writeCtx, d, fields)

	case task.OutcomeFail:
		w.metrics.RecordAttempt(d.Model, monitoring.AttemptFailed, elapsed)
		w.tasksFailed.Add(1)
		w.recordAttempt(writeCtx, d, attempt, out.Reason, fields)

		if err := w.store.Fail(writeCtx, d.ResultID, out.Reason); err != nil {
			w.terminalWriteFailed(writeCtx, d, "fail", err, fields)
		}

		switch {
		case out.Unexpected:
			w.logger.Error("Generation failed unexpectedly", logger.Fields{
				"result_id": d.ResultID.String(),
				"attempt":   attempt,
				"error":     out.Reason,
			})
			w.deadLetter(writeCtx, d, "unexpected failure: "+out.Reason, fields)
		case out.Exhausted:
			w.logger.Error("Generation failed after retries", logger.Fields{
				"result_id": d.ResultID.String(),
				"attempts":  attempt,
				"error":     out.Reason,
			})
			w.deadLetter(writeCtx, d, fmt.Sprintf("exceeded max retries (%d): %s", w.retry.MaxRetries, out.Reason), fields)
		default:
			w.logger.Warn("Generation rejected by backend", logger.Fields{
				"result_id": d.ResultID.String(),
				"error":     out.Reason,
			})
		}

		w.release(writeCtx, d)
		w.ack(writeCtx, d, fields)
	}
}

// terminalWriteFailed reports a result that could not be settled
func (w *Worker) terminalWriteFailed(ctx context.Context, d *task.Descriptor, op string, err error, fields logger.Fields) {
	if errors.Is(err, generation.ErrAlreadyTerminal) {
		w.logger.Warn("Result settled by another delivery", logger.Fields{
			"result_id": d.ResultID.String(),
			"op":        op,
		})
		return
	}

	w.logger.Error("Failed to write terminal state", logger.Fields{
		"result_id": d.ResultID.String(),
		"op":        op,
		"error":     err.Error(),
	})
	w.deadLetter(ctx, d, fmt.Sprintf("store %s failed: %v", op, err), fields)
}

func (w *Worker) recordAttempt(ctx context.Context, d *task.Descriptor, attempt int, errText string, fields logger.Fields) {
	if err := w.store.RecordAttempt(ctx, d.ResultID, attempt, errText); err != nil {
		w.logger.Warn("Failed to record attempt", logger.Fields{
			"result_id": d.ResultID.String(),
			"attempt":   attempt,
			"error":     err.Error(),
		})
	}
}

func (w *Worker) requeue(ctx context.Context, d *task.Descriptor, delay time.Duration, fields logger.Fields) {
	next := d.Next(d.Attempt, delay, w.now())
	if err := w.queue.EnqueueAfter(ctx, next, delay); err != nil {
		w.logger.Error("Failed to requeue early delivery", fields)
		w.settle(ctx, d, func(c context.Context) error { return w.queue.Nack(c, d) }, "nack", fields)
		return
	}
	w.ack(ctx, d, fields)
}

func (w *Worker) deadLetter(ctx context.Context, d *task.Descriptor, reason string, fields logger.Fields) {
	w.settle(ctx, d, func(c context.Context) error { return w.queue.DeadLetter(c, d, reason) }, "dead-letter", fields)
}

func (w *Worker) ack(ctx context.Context, d *task.Descriptor, fields logger.Fields) {
	w.settle(ctx, d, func(c context.Context) error { return w.queue.Ack(c, d) }, "ack", fields)
}

// settle runs a queue operation that must happen even during shutdown
func (w *Worker) settle(ctx context.Context, d *task.Descriptor, op func(context.Context) error, name string, fields logger.Fields) {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.storeTimeout)
	defer cancel()

	if err := op(opCtx); err != nil {
		w.logger.Error("Queue operation failed", logger.Fields{
			"op":      name,
			"task_id": d.ID,
			"error":   err.Error(),
		})
	}
}

func (w *Worker) release(ctx context.Context, d *task.Descriptor) {
	if w.claims == nil {
		return
	}
	if err := w.claims.Release(ctx, d.CacheKey, d.ResultID); err != nil {
		w.logger.Warn("Failed to release single-flight claim", logger.Fields{
			"result_id": d.ResultID.String(),
			"error":     err.Error(),
		})
	}
}

// Stop stops taking new descriptors and waits for the current one
func (w *Worker) Stop() error {
	w.mu.RLock()
	running := w.running
	w.mu.RUnlock()
	if !running {
		return fmt.Errorf("worker %s is not running", w.id)
	}

	w.logger.Info("Stopping worker")
	w.signalStop()
	w.wg.Wait()
	w.logger.Info("Worker stopped")
	return nil
}

func (w *Worker) signalStop() {
	w.stopOnce.Do(func() { close(w.shutdownChan) })
}

// Wait blocks until the worker loop has exited
func (w *Worker) Wait() {
	w.wg.Wait()
}

// IsRunning returns whether the worker is currently running
func (w *Worker) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Stats returns worker statistics
func (w *Worker) Stats() (processed, failed, retried int64) {
	return w.tasksProcessed.Load(), w.tasksFailed.Load(), w.tasksRetried.Load()
}

// ID returns the worker's unique identifier
func (w *Worker) ID() string {
	return w.id
}
