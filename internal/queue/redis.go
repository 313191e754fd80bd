package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/farhan-ahmed1/llmhub/internal/task"
)

const (
	defaultPollInterval      = 100 * time.Millisecond
	defaultVisibilityTimeout = 15 * time.Minute

	// descriptors moved per promotion pass
	moveBatchSize = 100
)

// claimScript pops the next ready id and leases it until ARGV[1]
var claimScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
return id
`)

// moveDueScript moves ids scored at or before ARGV[1] from a sorted set to a list
var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return #ids
`)

// ackScript drops the lease if it still belongs to this delivery and always
// forgets the descriptor body so a stale redelivery is skipped
var ackScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if score and tonumber(score) == tonumber(ARGV[2]) then
  redis.call('ZREM', KEYS[1], ARGV[1])
end
redis.call('DEL', KEYS[2])
return 1
`)

// nackScript returns a leased id to the head of the ready list
var nackScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if score and tonumber(score) == tonumber(ARGV[2]) then
  redis.call('ZREM', KEYS[1], ARGV[1])
  redis.call('LPUSH', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

// RedisQueueConfig tunes a RedisQueue
type RedisQueueConfig struct {
	// Namespace prefixes every key, e.g. "llmhub"
	Namespace         string
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
}

// RedisQueue implements Queue using Redis.
//
// Descriptor bodies live under <ns>:task:<id>. Ready ids sit in a list;
// delayed ids and leased ids sit in sorted sets scored by the time they
// become due, which lets Dequeue promote retries and reclaim abandoned
// deliveries without a separate sweeper.
type RedisQueue struct {
	client            *redis.Client
	pollInterval      time.Duration
	visibilityTimeout time.Duration
	now               func() time.Time
	closed            atomic.Bool

	readyKey      string
	delayedKey    string
	processingKey string
	dlqKey        string
	taskKeyPrefix string
	statsKey      string
}

// NewRedisQueue creates a Redis-backed queue on an existing client
func NewRedisQueue(client *redis.Client, cfg RedisQueueConfig) (*RedisQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "llmhub"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = defaultVisibilityTimeout
	}

	ns := cfg.Namespace
	return &RedisQueue{
		client:            client,
		pollInterval:      cfg.PollInterval,
		visibilityTimeout: cfg.VisibilityTimeout,
		now:               time.Now,
		readyKey:          ns + ":queue:ready",
		delayedKey:        ns + ":queue:delayed",
		processingKey:     ns + ":queue:processing",
		dlqKey:            ns + ":dlq",
		taskKeyPrefix:     ns + ":task:",
		statsKey:          ns + ":stats",
	}, nil
}

func (rq *RedisQueue) taskKey(id string) string {
	return rq.taskKeyPrefix + id
}

// Enqueue adds a descriptor to the ready list
func (rq *RedisQueue) Enqueue(ctx context.Context, d *task.Descriptor) error {
	return rq.EnqueueAfter(ctx, d, 0)
}

// EnqueueAfter stores the descriptor and makes it visible after delay
func (rq *RedisQueue) EnqueueAfter(ctx context.Context, d *task.Descriptor, delay time.Duration) error {
	if d == nil {
		return ErrNilDescript
	}
	if rq.closed.Load() {
		return ErrClosed
	}

	// Serialize descriptor to JSON
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal descriptor: %w", err)
	}

	_, err = rq.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, rq.taskKey(d.ID), data, 0)
		if delay > 0 {
			pipe.ZAdd(ctx, rq.delayedKey, redis.Z{
				Score:  float64(rq.now().Add(delay).UnixMilli()),
				Member: d.ID,
			})
		} else {
			pipe.RPush(ctx, rq.readyKey, d.ID)
		}
		pipe.HIncrBy(ctx, rq.statsKey, "enqueued", 1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue descriptor: %w", err)
	}
	return nil
}

// Dequeue polls until a descriptor is available or ctx ends
func (rq *RedisQueue) Dequeue(ctx context.Context) (*task.Descriptor, error) {
	ticker := time.NewTicker(rq.pollInterval)
	defer ticker.Stop()

	for {
		if rq.closed.Load() {
			return nil, ErrClosed
		}

		d, err := rq.tryDequeue(ctx)
		if err != nil || d != nil {
			return d, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// tryDequeue makes one non-blocking attempt; nil, nil means empty
func (rq *RedisQueue) tryDequeue(ctx context.Context) (*task.Descriptor, error) {
	now := rq.now()
	if err := rq.moveDue(ctx, rq.delayedKey, now); err != nil {
		return nil, err
	}
	if err := rq.moveDue(ctx, rq.processingKey, now); err != nil {
		return nil, err
	}

	for {
		deadline := rq.now().Add(rq.visibilityTimeout).UnixMilli()

		id, err := claimScript.Run(ctx, rq.client, []string{rq.readyKey, rq.processingKey}, deadline).Text()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("failed to dequeue descriptor: %w", err)
		}

		data, err := rq.client.Get(ctx, rq.taskKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			// Already acked through an earlier delivery
			rq.client.ZRem(ctx, rq.processingKey, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve descriptor: %w", err)
		}

		var d task.Descriptor
		if err := json.Unmarshal(data, &d); err != nil {
			// Delete corrupted descriptor data
			rq.client.ZRem(ctx, rq.processingKey, id)
			rq.client.Del(ctx, rq.taskKey(id))
			continue
		}

		d.Receipt = strconv.FormatInt(deadline, 10)
		return &d, nil
	}
}

// moveDue promotes due ids from a sorted set back to the ready list
func (rq *RedisQueue) moveDue(ctx context.Context, from string, now time.Time) error {
	moved, err := moveDueScript.Run(ctx, rq.client, []string{from, rq.readyKey}, now.UnixMilli(), moveBatchSize).Int64()
	if err != nil {
		return fmt.Errorf("failed to promote due descriptors: %w", err)
	}
	if moved > 0 && from == rq.processingKey {
		rq.client.HIncrBy(ctx, rq.statsKey, "redelivered", moved)
	}
	return nil
}

// Ack acknowledges a delivery
func (rq *RedisQueue) Ack(ctx context.Context, d *task.Descriptor) error {
	if d == nil {
		return ErrNilDescript
	}
	if d.Receipt == "" {
		return ErrNoReceipt
	}

	keys := []string{rq.processingKey, rq.taskKey(d.ID)}
	if err := ackScript.Run(ctx, rq.client, keys, d.ID, d.Receipt).Err(); err != nil {
		return fmt.Errorf("failed to ack descriptor: %w", err)
	}
	return nil
}

// Nack puts a delivery back at the head of the ready list
func (rq *RedisQueue) Nack(ctx context.Context, d *task.Descriptor) error {
	if d == nil {
		return ErrNilDescript
	}
	if d.Receipt == "" {
		return ErrNoReceipt
	}

	keys := []string{rq.processingKey, rq.readyKey}
	if err := nackScript.Run(ctx, rq.client, keys, d.ID, d.Receipt).Err(); err != nil {
		return fmt.Errorf("failed to nack descriptor: %w", err)
	}
	return nil
}

// DeadLetter moves a descriptor to the dead letter list
func (rq *RedisQueue) DeadLetter(ctx context.Context, d *task.Descriptor, reason string) error {
	if d == nil {
		return ErrNilDescript
	}

	entry, err := json.Marshal(DeadLetterEntry{
		Descriptor: d,
		Reason:     reason,
		MovedAt:    rq.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	if err := rq.client.RPush(ctx, rq.dlqKey, entry).Err(); err != nil {
		return fmt.Errorf("failed to dead-letter descriptor: %w", err)
	}
	rq.client.HIncrBy(ctx, rq.statsKey, "dead_lettered", 1)
	return nil
}

// DeadLetters returns up to limit dead-lettered entries, oldest first
func (rq *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetterEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	raw, err := rq.client.LRange(ctx, rq.dlqKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}

	entries := make([]DeadLetterEntry, 0, len(raw))
	for _, item := range raw {
		var e DeadLetterEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			// Skip corrupted entries
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Stats reports queue depths
func (rq *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := rq.client.Pipeline()
	ready := pipe.LLen(ctx, rq.readyKey)
	delayed := pipe.ZCard(ctx, rq.delayedKey)
	inFlight := pipe.ZCard(ctx, rq.processingKey)
	dead := pipe.LLen(ctx, rq.dlqKey)
	counters := pipe.HMGet(ctx, rq.statsKey, "enqueued", "redelivered", "dead_lettered")

	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("failed to get queue stats: %w", err)
	}

	totals := make([]int64, 3)
	for i, v := range counters.Val() {
		str, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return Stats{}, fmt.Errorf("invalid queue counter %q: %w", str, err)
		}
		totals[i] = n
	}

	return Stats{
		Ready:        ready.Val(),
		Delayed:      delayed.Val(),
		InFlight:     inFlight.Val(),
		DeadLetters:  dead.Val(),
		Enqueued:     totals[0],
		Redelivered:  totals[1],
		DeadLettered: totals[2],
	}, nil
}

// Health checks if the queue is healthy
func (rq *RedisQueue) Health(ctx context.Context) error {
	if rq.closed.Load() {
		return ErrClosed
	}
	return rq.client.Ping(ctx).Err()
}

// Close stops further use of the queue. The client is owned by the caller.
func (rq *RedisQueue) Close() error {
	rq.closed.Store(true)
	return nil
}
