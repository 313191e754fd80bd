package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farhan-ahmed1/llmhub/internal/generation"
	"github.com/farhan-ahmed1/llmhub/internal/logger"
	"github.com/farhan-ahmed1/llmhub/internal/pipeline"
	"github.com/farhan-ahmed1/llmhub/internal/queue"
	"github.com/farhan-ahmed1/llmhub/internal/storage"
	"github.com/farhan-ahmed1/llmhub/internal/task"
)

// system is an orchestrator and a running pool sharing one miniredis
type system struct {
	orch    *pipeline.Orchestrator
	store   *storage.RedisStore
	queue   *queue.RedisQueue
	backend *scriptedBackend
	mr      *miniredis.Miniredis
}

func startSystem(t *testing.T, b *scriptedBackend, singleFlight bool) *system {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := storage.NewRedisStore(client, 0)
	q, err := queue.NewRedisQueue(client, queue.RedisQueueConfig{
		Namespace:    "e2e",
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	var inflight *pipeline.RedisInflight
	pcfg := pipeline.Config{
		Store:           store,
		Queue:           q,
		Catalog:         pipeline.NewCatalog(b, time.Minute, time.Second),
		DefaultModelTag: "latest",
		Logger:          logger.Nop(),
	}
	wcfg := Config{
		Timeout: time.Second,
		Retry:   task.RetryPolicy{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
		Logger:  logger.Nop(),
	}
	if singleFlight {
		inflight = pipeline.NewRedisInflight(client, "e2e", time.Minute)
		pcfg.Inflight = inflight
		wcfg.Claims = inflight
	}

	orch, err := pipeline.New(pcfg)
	require.NoError(t, err)

	pool := NewPool(q, store, b, PoolConfig{Concurrency: 2, IDPrefix: "e2e", Worker: wcfg})
	require.NoError(t, pool.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	return &system{orch: orch, store: store, queue: q, backend: b, mr: mr}
}

func (s *system) waitTerminal(t *testing.T, id uuid.UUID) *generation.Result {
	t.Helper()
	var r *generation.Result
	require.Eventually(t, func() bool {
		got, err := s.store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		r = got
		return got.Status.IsTerminal()
	}, 3*time.Second, 10*time.Millisecond)
	return r
}

func TestEndToEndCompletesAndCaches(t *testing.T) {
	sys := startSystem(t, &scriptedBackend{steps: []func(context.Context) (string, error){
		respond("Rayleigh scattering"),
	}}, false)
	ctx := context.Background()

	pending, err := sys.orch.Submit(ctx, "llama3", "why is the sky blue?", false)
	require.NoError(t, err)
	assert.Equal(t, generation.StatusPending, pending.Status)

	done := sys.waitTerminal(t, pending.ID)
	assert.Equal(t, generation.StatusCompleted, done.Status)
	require.NotNil(t, done.Response)
	assert.Equal(t, "Rayleigh scattering", *done.Response)
	assert.Equal(t, 1, done.Attempts)

	cached, err := sys.orch.Submit(ctx, "llama3:latest", "why is the sky blue?", false)
	require.NoError(t, err)
	assert.Equal(t, pending.ID, cached.ID)
	assert.Equal(t, generation.StatusCompleted, cached.Status)
	assert.Equal(t, 1, sys.backend.Calls())

	require.Eventually(t, func() bool {
		stats, err := sys.queue.Stats(ctx)
		return err == nil && stats.Pending() == 0 && stats.InFlight == 0 && stats.Enqueued == 1
	}, time.Second, 10*time.Millisecond)
}

func TestEndToEndRetriesTransientFailures(t *testing.T) {
	sys := startSystem(t, &scriptedBackend{steps: []func(context.Context) (string, error){
		fail(errUnavailable),
		fail(errUnavailable),
		respond("third time lucky"),
	}}, false)

	pending, err := sys.orch.Submit(context.Background(), "llama3", "flaky", false)
	require.NoError(t, err)

	done := sys.waitTerminal(t, pending.ID)
	assert.Equal(t, generation.StatusCompleted, done.Status)
	assert.Equal(t, 3, done.Attempts)
	assert.Len(t, done.ErrorTrail, 2)
	assert.Equal(t, 3, sys.backend.Calls())
}

func TestEndToEndExhaustsRetries(t *testing.T) {
	sys := startSystem(t, &scriptedBackend{steps: []func(context.Context) (string, error){
		fail(errUnavailable),
	}}, false)
	ctx := context.Background()

	pending, err := sys.orch.Submit(ctx, "llama3", "never works", false)
	require.NoError(t, err)

	done := sys.waitTerminal(t, pending.ID)
	assert.Equal(t, generation.StatusFailed, done.Status)
	assert.Nil(t, done.Response)
	assert.Contains(t, done.Error, "server busy")
	assert.Equal(t, 3, sys.backend.Calls())

	require.Eventually(t, func() bool {
		entries, err := sys.queue.DeadLetters(ctx, 10)
		return err == nil && len(entries) == 1
	}, time.Second, 10*time.Millisecond)

	// Failed results are not served from the cache
	again, err := sys.orch.Submit(ctx, "llama3", "never works", false)
	require.NoError(t, err)
	assert.NotEqual(t, pending.ID, again.ID)
}

func TestEndToEndSingleFlight(t *testing.T) {
	release := make(chan struct{})
	sys := startSystem(t, &scriptedBackend{steps: []func(context.Context) (string, error){
		func(ctx context.Context) (string, error) {
			select {
			case <-release:
				return "shared answer", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}}, true)
	ctx := context.Background()

	const n = 5
	ids := make([]uuid.UUID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := sys.orch.Submit(ctx, "llama3", "popular question", false)
			if assert.NoError(t, err) {
				ids[i] = r.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}

	close(release)
	done := sys.waitTerminal(t, ids[0])
	assert.Equal(t, generation.StatusCompleted, done.Status)
	assert.Equal(t, 1, sys.backend.Calls())

	// The worker drops the claim once the result is terminal
	key, err := generation.ComputeCacheKey("llama3:latest", "popular question")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return !sys.mr.Exists("e2e:inflight:" + key.String())
	}, time.Second, 10*time.Millisecond)
}
