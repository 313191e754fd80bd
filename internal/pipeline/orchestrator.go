// Package pipeline is the synchronous entry point of the generation
// pipeline: it answers from the result cache or records a pending result
// and hands it to the task queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/farhan-ahmed1/llmhub/internal/generation"
	"github.com/farhan-ahmed1/llmhub/internal/logger"
	"github.com/farhan-ahmed1/llmhub/internal/monitoring"
	"github.com/farhan-ahmed1/llmhub/internal/queue"
	"github.com/farhan-ahmed1/llmhub/internal/storage"
	"github.com/farhan-ahmed1/llmhub/internal/task"
)

// ownerLookups bounds how long a joining submission waits for the
// claiming submission's record to appear
const ownerLookups = 5

// Config holds orchestrator dependencies
type Config struct {
	Store   storage.Store
	Queue   queue.Queue
	Catalog *Catalog

	// Inflight enables single-flight submissions when set
	Inflight Inflight

	// DefaultModelTag is appended to model names without a tag; empty
	// leaves names untouched
	DefaultModelTag string

	Metrics *monitoring.Metrics
	Logger  *logger.Logger
}

// Orchestrator accepts generation requests
type Orchestrator struct {
	store      storage.Store
	queue      queue.Queue
	catalog    *Catalog
	inflight   Inflight
	defaultTag string
	metrics    *monitoring.Metrics
	logger     *logger.Logger
	now        func() time.Time
}

// New creates an orchestrator
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("catalog cannot be nil")
	}

	log := cfg.Logger
	if log == nil {
		log = logger.GetDefault()
	}
	if log == nil {
		log = logger.New("info", "text", "pipeline")
	}

	return &Orchestrator{
		store:      cfg.Store,
		queue:      cfg.Queue,
		catalog:    cfg.Catalog,
		inflight:   cfg.Inflight,
		defaultTag: cfg.DefaultModelTag,
		metrics:    cfg.Metrics,
		logger:     log.WithComponent("pipeline"),
		now:        time.Now,
	}, nil
}

// NormalizeModel appends the default tag to a model name without one
func (o *Orchestrator) NormalizeModel(model string) string {
	model = strings.TrimSpace(model)
	if model == "" || o.defaultTag == "" || strings.Contains(model, ":") {
		return model
	}
	return model + ":" + o.defaultTag
}

// Submit answers from the cache or enqueues a new generation.
//
// A cache hit is a pure read. Otherwise the model must be advertised by
// the backend before anything is written. The returned result is either
// completed (cache hit) or pending.
func (o *Orchestrator) Submit(ctx context.Context, model, prompt string, bypassCache bool) (*generation.Result, error) {
	model = o.NormalizeModel(model)
	if model == "" {
		o.metrics.RecordSubmission(monitoring.SubmissionRejected)
		return nil, fmt.Errorf("%w: model cannot be empty", generation.ErrInvalidInput)
	}
	if prompt == "" {
		o.metrics.RecordSubmission(monitoring.SubmissionRejected)
		return nil, fmt.Errorf("%w: prompt cannot be empty", generation.ErrInvalidInput)
	}

	key, err := generation.ComputeCacheKey(model, prompt)
	if err != nil {
		o.metrics.RecordSubmission(monitoring.SubmissionRejected)
		return nil, err
	}

	if !bypassCache {
		cached, err := o.store.GetCachedCompleted(ctx, key)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			o.metrics.RecordSubmission(monitoring.SubmissionCacheHit)
			o.logger.Debug("Cache hit", logger.Fields{
				"result_id": cached.ID.String(),
				"model":     model,
			})
			return cached, nil
		}
	}

	found, err := o.catalog.Has(ctx, model)
	if err != nil {
		return nil, err
	}
	if !found {
		o.metrics.RecordSubmission(monitoring.SubmissionRejected)
		return nil, fmt.Errorf("%w: %s", generation.ErrModelNotFound, model)
	}

	if !bypassCache && o.inflight != nil {
		return o.submitSingleFlight(ctx, model, prompt, key)
	}

	r, err := o.store.CreatePending(ctx, model, prompt)
	if err != nil {
		return nil, err
	}
	if err := o.enqueue(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// submitSingleFlight joins an in-flight result for key when there is one
func (o *Orchestrator) submitSingleFlight(ctx context.Context, model, prompt string, key generation.CacheKey) (*generation.Result, error) {
	r, err := generation.NewPending(model, prompt, o.now())
	if err != nil {
		return nil, err
	}

	owner, claimed, err := o.inflight.Claim(ctx, key, r.ID)
	if err != nil {
		o.logger.Warn("Single-flight claim failed, submitting without it", logger.Fields{
			"cache_key": key.String(),
			"error":     err.Error(),
		})
	}

	if err == nil && !claimed {
		existing, err := o.awaitOwner(ctx, owner)
		switch {
		case err == nil && existing.Status == generation.StatusPending:
			o.metrics.RecordSubmission(monitoring.SubmissionDeduplicated)
			o.logger.Debug("Joined in-flight generation", logger.Fields{
				"result_id": existing.ID.String(),
			})
			return existing, nil
		case err == nil && existing.Status == generation.StatusCompleted:
			o.metrics.RecordSubmission(monitoring.SubmissionCacheHit)
			return existing, nil
		case err != nil && !errors.Is(err, generation.ErrNotFound):
			return nil, err
		}

		// The owner failed or vanished without releasing its claim
		if err := o.inflight.Release(ctx, key, owner); err != nil {
			o.logger.Warn("Failed to release stale claim", logger.Fields{
				"cache_key": key.String(),
				"error":     err.Error(),
			})
		}
		if _, claimed, err = o.inflight.Claim(ctx, key, r.ID); err != nil || !claimed {
			o.logger.Debug("Submitting without single-flight claim", logger.Fields{
				"cache_key": key.String(),
			})
		}
	}

	if err := o.store.Insert(ctx, r); err != nil {
		o.release(key, r.ID)
		return nil, err
	}
	if err := o.enqueue(ctx, r); err != nil {
		o.release(key, r.ID)
		return nil, err
	}
	return r, nil
}

// awaitOwner reads the result that owns a claim. The owner inserts its
// record right after claiming, so a brief miss is expected.
func (o *Orchestrator) awaitOwner(ctx context.Context, owner uuid.UUID) (*generation.Result, error) {
	backoff := 5 * time.Millisecond
	for i := 0; ; i++ {
		r, err := o.store.Get(ctx, owner)
		if err == nil || !errors.Is(err, generation.ErrNotFound) || i == ownerLookups-1 {
			return r, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// enqueue hands r to the queue. A pending result that could not be
// enqueued would never complete, so it is failed on the way out.
func (o *Orchestrator) enqueue(ctx context.Context, r *generation.Result) error {
	err := o.queue.Enqueue(ctx, task.NewDescriptor(r))
	if err == nil {
		o.metrics.RecordSubmission(monitoring.SubmissionEnqueued)
		o.logger.Info("Generation enqueued", logger.Fields{
			"result_id": r.ID.String(),
			"model":     r.Model,
		})
		return nil
	}

	o.logger.Error("Failed to enqueue generation", logger.Fields{
		"result_id": r.ID.String(),
		"error":     err.Error(),
	})

	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if ferr := o.store.Fail(failCtx, r.ID, "enqueue failed: "+err.Error()); ferr != nil {
		o.logger.Error("Failed to mark unqueued result as failed", logger.Fields{
			"result_id": r.ID.String(),
			"error":     ferr.Error(),
		})
	}
	return fmt.Errorf("enqueue generation: %w", err)
}

func (o *Orchestrator) release(key generation.CacheKey, id uuid.UUID) {
	if o.inflight == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.inflight.Release(ctx, key, id); err != nil {
		o.logger.Warn("Failed to release claim", logger.Fields{
			"cache_key": key.String(),
			"error":     err.Error(),
		})
	}
}

// Fetch returns the result with id
func (o *Orchestrator) Fetch(ctx context.Context, id uuid.UUID) (*generation.Result, error) {
	return o.store.Get(ctx, id)
}

// ListModels returns the models the backend advertises
func (o *Orchestrator) ListModels(ctx context.Context) ([]string, error) {
	return o.catalog.Models(ctx)
}
