package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/farhan-ahmed1/llmhub/internal/generation"
)

// setupTestRedis creates a test Redis server using miniredis
func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })

	return NewRedisStore(client, 0), mr
}

// TestRedisStoreContract runs the shared store behaviour against miniredis
func TestRedisStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) (Store, func(time.Duration)) {
		store, _ := setupTestRedis(t)

		clock := time.Now()
		store.now = func() time.Time { return clock }
		return store, func(d time.Duration) { clock = clock.Add(d) }
	})
}

// TestNewRedisStore tests creating a new Redis store
func TestNewRedisStore(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})

	store := NewRedisStore(client, time.Hour)
	if store == nil {
		t.Fatal("Expected store to be created")
	}
	if store.client == nil {
		t.Error("Expected client to be set")
	}
	if store.retention != time.Hour {
		t.Errorf("Expected retention 1h, got %v", store.retention)
	}
}

// TestRedisStoreKeys verifies the key layout written by Complete
func TestRedisStoreKeys(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()

	r, err := store.CreatePending(ctx, "llama3:latest", "hello")
	if err != nil {
		t.Fatalf("Failed to create pending result: %v", err)
	}

	if !mr.Exists(resultKeyPrefix + r.ID.String()) {
		t.Error("Result was not saved to Redis")
	}
	if mr.Exists(cacheIndexKeyPrefix + r.CacheKey.String()) {
		t.Error("Pending result must not be indexed for cache lookups")
	}

	if err := store.Complete(ctx, r.ID, "hi"); err != nil {
		t.Fatalf("Failed to complete result: %v", err)
	}

	members, err := mr.ZMembers(cacheIndexKeyPrefix + r.CacheKey.String())
	if err != nil {
		t.Fatalf("Failed to read cache index: %v", err)
	}
	if len(members) != 1 || members[0] != r.ID.String() {
		t.Errorf("Expected cache index to hold %s, got %v", r.ID, members)
	}
}

// TestRedisStoreRetention tests that results expire under a retention period
func TestRedisStoreRetention(t *testing.T) {
	store, mr := setupTestRedis(t)
	store.retention = time.Minute
	ctx := context.Background()

	r, err := store.CreatePending(ctx, "m", "p")
	if err != nil {
		t.Fatalf("Failed to create pending result: %v", err)
	}
	if err := store.Complete(ctx, r.ID, "ok"); err != nil {
		t.Fatalf("Failed to complete result: %v", err)
	}

	if ttl := mr.TTL(resultKeyPrefix + r.ID.String()); ttl <= 0 {
		t.Errorf("Expected a TTL on the result key, got %v", ttl)
	}

	mr.FastForward(2 * time.Minute)

	if _, err := store.Get(ctx, r.ID); err == nil {
		t.Error("Expected result to expire")
	}
	hit, err := store.GetCachedCompleted(ctx, r.CacheKey)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if hit != nil {
		t.Error("Expected no cache hit after expiry")
	}
}

// TestRedisStoreDanglingIndex tests that stale index entries are pruned
func TestRedisStoreDanglingIndex(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()

	key, _ := generation.ComputeCacheKey("m", "p")
	indexKey := cacheIndexKeyPrefix + key.String()
	mr.ZAdd(indexKey, 10, uuid.NewString())
	mr.ZAdd(indexKey, 5, "not-a-uuid")

	hit, err := store.GetCachedCompleted(ctx, key)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if hit != nil {
		t.Error("Expected no cache hit")
	}

	members, _ := mr.ZMembers(indexKey)
	if len(members) != 0 {
		t.Errorf("Expected dangling entries to be removed, got %v", members)
	}
}

// TestRedisStoreUnavailable tests storage errors when Redis is down
func TestRedisStoreUnavailable(t *testing.T) {
	store, mr := setupTestRedis(t)
	mr.Close()

	_, err := store.CreatePending(context.Background(), "m", "p")
	if err == nil {
		t.Fatal("Expected error when Redis is down")
	}
	if !errors.Is(err, generation.ErrStorage) {
		t.Errorf("Expected storage error, got %v", err)
	}
	if store.Ping(context.Background()) == nil {
		t.Error("Expected ping to fail")
	}
}
