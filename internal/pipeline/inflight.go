package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/farhan-ahmed1/llmhub/internal/generation"
)

// Inflight tracks which pending result currently owns a cache key
type Inflight interface {
	// Claim registers id as the owner of key. When another result already
	// owns it, that owner is returned with claimed false.
	Claim(ctx context.Context, key generation.CacheKey, id uuid.UUID) (owner uuid.UUID, claimed bool, err error)

	// Release drops the claim if id still owns key
	Release(ctx context.Context, key generation.CacheKey, id uuid.UUID) error
}

// releaseScript deletes KEYS[1] only while it holds ARGV[1]
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

const maxClaimTries = 3

// RedisInflight keeps claims as expiring Redis keys
type RedisInflight struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisInflight creates claims under <namespace>:inflight:<key> that
// expire after ttl even if never released
func NewRedisInflight(client *redis.Client, namespace string, ttl time.Duration) *RedisInflight {
	if namespace == "" {
		namespace = "llmhub"
	}
	return &RedisInflight{
		client: client,
		prefix: namespace + ":inflight:",
		ttl:    ttl,
	}
}

func (r *RedisInflight) key(k generation.CacheKey) string {
	return r.prefix + k.String()
}

// Claim implements Inflight
func (r *RedisInflight) Claim(ctx context.Context, key generation.CacheKey, id uuid.UUID) (uuid.UUID, bool, error) {
	for i := 0; i < maxClaimTries; i++ {
		ok, err := r.client.SetNX(ctx, r.key(key), id.String(), r.ttl).Result()
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("claim cache key: %w", err)
		}
		if ok {
			return id, true, nil
		}

		raw, err := r.client.Get(ctx, r.key(key)).Result()
		if errors.Is(err, redis.Nil) {
			// Released between SETNX and GET
			continue
		}
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("read cache key owner: %w", err)
		}

		owner, err := uuid.Parse(raw)
		if err != nil {
			// Unreadable claim, take it over
			r.client.Del(ctx, r.key(key))
			continue
		}
		return owner, false, nil
	}
	return uuid.Nil, false, fmt.Errorf("claim cache key: contention on %s", key)
}

// Release implements Inflight
func (r *RedisInflight) Release(ctx context.Context, key generation.CacheKey, id uuid.UUID) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key(key)}, id.String()).Err(); err != nil {
		return fmt.Errorf("release cache key: %w", err)
	}
	return nil
}
