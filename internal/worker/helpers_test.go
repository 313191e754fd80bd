package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/farhan-ahmed1/llmhub/internal/generation"
	"github.com/farhan-ahmed1/llmhub/internal/logger"
	"github.com/farhan-ahmed1/llmhub/internal/queue"
	"github.com/farhan-ahmed1/llmhub/internal/storage"
	"github.com/farhan-ahmed1/llmhub/internal/task"
)

// delayed is one EnqueueAfter call
type delayed struct {
	d     *task.Descriptor
	delay time.Duration
}

// mockQueue records what the worker does with each delivery
type mockQueue struct {
	mu          sync.Mutex
	pending     []*task.Descriptor
	enqueued    []delayed
	acked       []string
	nacked      []string
	deadLetters map[string]string
	enqueueErr  error
}

func newMockQueue() *mockQueue {
	return &mockQueue{deadLetters: make(map[string]string)}
}

func (m *mockQueue) Enqueue(ctx context.Context, d *task.Descriptor) error {
	return m.EnqueueAfter(ctx, d, 0)
}

func (m *mockQueue) EnqueueAfter(ctx context.Context, d *task.Descriptor, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueueErr != nil {
		return m.enqueueErr
	}
	m.enqueued = append(m.enqueued, delayed{d: d, delay: delay})
	return nil
}

func (m *mockQueue) Dequeue(ctx context.Context) (*task.Descriptor, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (m *mockQueue) Ack(ctx context.Context, d *task.Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, d.ID)
	return nil
}

func (m *mockQueue) Nack(ctx context.Context, d *task.Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nacked = append(m.nacked, d.ID)
	return nil
}

func (m *mockQueue) DeadLetter(ctx context.Context, d *task.Descriptor, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters[d.ID] = reason
	return nil
}

func (m *mockQueue) Stats(ctx context.Context) (queue.Stats, error) { return queue.Stats{}, nil }
func (m *mockQueue) Health(ctx context.Context) error              { return nil }
func (m *mockQueue) Close() error                                  { return nil }

// lastEnqueued returns the most recent successor descriptor
func (m *mockQueue) lastEnqueued(t *testing.T) delayed {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.enqueued, "expected a scheduled retry")
	return m.enqueued[len(m.enqueued)-1]
}

// scriptedBackend returns queued results in order, then the last one forever
type scriptedBackend struct {
	mu    sync.Mutex
	steps []func(ctx context.Context) (string, error)
	calls int
}

func (b *scriptedBackend) ListModels(ctx context.Context) ([]string, error) {
	return []string{"llama3:latest"}, nil
}

func (b *scriptedBackend) Generate(ctx context.Context, model, prompt string) (string, error) {
	b.mu.Lock()
	i := b.calls
	if i >= len(b.steps) {
		i = len(b.steps) - 1
	}
	step := b.steps[i]
	b.calls++
	b.mu.Unlock()
	return step(ctx)
}

func (b *scriptedBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func respond(text string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return text, nil }
}

func fail(err error) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return "", err }
}

func blockUntilDone(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", &generation.BackendError{Kind: generation.ErrBackendUnavailable, Message: "generate", Err: ctx.Err()}
}

var (
	errUnavailable = &generation.BackendError{Kind: generation.ErrBackendUnavailable, StatusCode: 503, Message: "server busy"}
	errRejected    = &generation.BackendError{Kind: generation.ErrBackend, StatusCode: 400, Message: "bad request"}
)

// failingStore fails terminal writes
type failingStore struct {
	storage.Store
}

func (failingStore) Complete(ctx context.Context, id uuid.UUID, response string) error {
	return generation.StorageError("complete", errors.New("disk full"))
}

// recordingClaims remembers released claims
type recordingClaims struct {
	mu       sync.Mutex
	released []uuid.UUID
}

func (c *recordingClaims) Release(ctx context.Context, key generation.CacheKey, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = append(c.released, id)
	return nil
}

func setupStore(t *testing.T) (*storage.RedisStore, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return storage.NewRedisStore(client, 0), client
}

// newPendingDescriptor stores a pending result and returns its first descriptor
func newPendingDescriptor(t *testing.T, store storage.Store, prompt string) *task.Descriptor {
	t.Helper()
	r, err := store.CreatePending(context.Background(), "llama3:latest", prompt)
	require.NoError(t, err)
	d := task.NewDescriptor(r)
	d.Receipt = "r-" + d.ID
	return d
}

func testPolicy() task.RetryPolicy {
	return task.RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute}
}

func newTestWorker(q queue.Queue, store storage.Store, b *scriptedBackend, mutate func(*Config)) *Worker {
	cfg := Config{
		ID:      "test-worker",
		Timeout: time.Second,
		Retry:   testPolicy(),
		Logger:  logger.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewWorker(q, store, b, cfg)
}

// readyCopy returns d as a fresh delivery that is due now
func readyCopy(d *task.Descriptor) *task.Descriptor {
	c := *d
	c.NotBefore = time.Time{}
	c.Receipt = "r-" + c.ID
	return &c
}

func descriptorFor(r *generation.Result) *task.Descriptor {
	d := task.NewDescriptor(r)
	d.Receipt = "r-" + d.ID
	return d
}
