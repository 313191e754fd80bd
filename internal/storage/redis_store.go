package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/farhan-ahmed1/llmhub/internal/generation"
)

const (
	// Redis key prefixes for storage
	resultKeyPrefix     = "llmhub:result:"
	cacheIndexKeyPrefix = "llmhub:cache:"

	// optimistic transaction attempts before giving up
	maxTxRetries = 5
)

// RedisStore implements Store using Redis.
//
// Each result is a JSON document. Completed results are indexed per cache key
// in a sorted set scored by completion time so that the newest completion
// wins a cache lookup.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
	now       func() time.Time
}

// NewRedisStore creates a Redis-backed store. A retention of zero keeps
// results forever.
func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{
		client:    client,
		retention: retention,
		now:       time.Now,
	}
}

func resultKey(id uuid.UUID) string {
	return resultKeyPrefix + id.String()
}

func cacheIndexKey(key generation.CacheKey) string {
	return cacheIndexKeyPrefix + key.String()
}

// CreatePending inserts a new pending result
func (rs *RedisStore) CreatePending(ctx context.Context, model, prompt string) (*generation.Result, error) {
	r, err := generation.NewPending(model, prompt, rs.now())
	if err != nil {
		return nil, err
	}
	if err := rs.Insert(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Insert persists a caller-built pending result
func (rs *RedisStore) Insert(ctx context.Context, r *generation.Result) error {
	if r == nil || r.ID == uuid.Nil {
		return fmt.Errorf("%w: result must have an id", generation.ErrInvalidInput)
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	ok, err := rs.client.SetNX(ctx, resultKey(r.ID), data, rs.retention).Result()
	if err != nil {
		return generation.StorageError("insert", err)
	}
	if !ok {
		return generation.StorageError("insert", ErrDuplicate)
	}
	return nil
}

// Get retrieves a result by id
func (rs *RedisStore) Get(ctx context.Context, id uuid.UUID) (*generation.Result, error) {
	data, err := rs.client.Get(ctx, resultKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("result %s: %w", id, generation.ErrNotFound)
	}
	if err != nil {
		return nil, generation.StorageError("get", err)
	}

	return decodeResult(data)
}

// GetCachedCompleted returns the newest completed result for key
func (rs *RedisStore) GetCachedCompleted(ctx context.Context, key generation.CacheKey) (*generation.Result, error) {
	indexKey := cacheIndexKey(key)

	ids, err := rs.client.ZRevRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, generation.StorageError("cache lookup", err)
	}

	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			rs.client.ZRem(ctx, indexKey, raw)
			continue
		}

		r, err := rs.Get(ctx, id)
		if errors.Is(err, generation.ErrNotFound) {
			// Result expired under retention, drop the dangling index entry
			rs.client.ZRem(ctx, indexKey, raw)
			continue
		}
		if err != nil {
			return nil, err
		}
		if r.Status == generation.StatusCompleted && r.CacheKey == key {
			return r, nil
		}
	}

	return nil, nil
}

// Complete marks a result completed with response
func (rs *RedisStore) Complete(ctx context.Context, id uuid.UUID, response string) error {
	return rs.update(ctx, "complete", id, func(r *generation.Result) (bool, error) {
		if r.Status == generation.StatusFailed {
			return false, fmt.Errorf("complete %s: %w", id, generation.ErrAlreadyTerminal)
		}
		r.MarkCompleted(response, rs.now())
		return true, nil
	})
}

// Fail marks a result failed with errText
func (rs *RedisStore) Fail(ctx context.Context, id uuid.UUID, errText string) error {
	return rs.update(ctx, "fail", id, func(r *generation.Result) (bool, error) {
		if r.Status == generation.StatusCompleted {
			return false, fmt.Errorf("fail %s: %w", id, generation.ErrAlreadyTerminal)
		}
		r.MarkFailed(errText, rs.now())
		return true, nil
	})
}

// RecordAttempt appends errText to the error trail of a pending result
func (rs *RedisStore) RecordAttempt(ctx context.Context, id uuid.UUID, attempt int, errText string) error {
	return rs.update(ctx, "record attempt", id, func(r *generation.Result) (bool, error) {
		if r.Status.IsTerminal() {
			return false, nil
		}
		r.RecordAttempt(attempt, errText)
		return true, nil
	})
}

// update applies mutate to the stored result inside a WATCH transaction
func (rs *RedisStore) update(ctx context.Context, op string, id uuid.UUID, mutate func(*generation.Result) (bool, error)) error {
	key := resultKey(id)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return generation.StorageError(op, fmt.Errorf("result %s: %w", id, generation.ErrNotFound))
		}
		if err != nil {
			return generation.StorageError(op, err)
		}

		r, err := decodeResult(data)
		if err != nil {
			return err
		}

		changed, err := mutate(r)
		if err != nil || !changed {
			return err
		}

		updated, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			if r.Status == generation.StatusCompleted {
				indexKey := cacheIndexKey(r.CacheKey)
				pipe.ZAdd(ctx, indexKey, redis.Z{
					Score:  float64(r.CompletedAt.UnixMicro()),
					Member: id.String(),
				})
				if rs.retention > 0 {
					pipe.Expire(ctx, indexKey, rs.retention)
				}
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := rs.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, generation.ErrStorage) && !errors.Is(err, generation.ErrAlreadyTerminal) {
			return generation.StorageError(op, err)
		}
		return err
	}

	return generation.StorageError(op, fmt.Errorf("result %s: too much contention", id))
}

// Ping checks the Redis connection
func (rs *RedisStore) Ping(ctx context.Context) error {
	if err := rs.client.Ping(ctx).Err(); err != nil {
		return generation.StorageError("ping", err)
	}
	return nil
}

// Close is a no-op; the client belongs to the caller
func (rs *RedisStore) Close() error {
	return nil
}

func decodeResult(data []byte) (*generation.Result, error) {
	var r generation.Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, generation.StorageError("decode", err)
	}
	return &r, nil
}
