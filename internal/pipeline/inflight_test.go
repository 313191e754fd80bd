package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farhan-ahmed1/llmhub/internal/generation"
)

func setupInflight(t *testing.T) (*RedisInflight, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisInflight(client, "test", time.Minute), mr
}

func TestInflightClaimAndRelease(t *testing.T) {
	in, mr := setupInflight(t)
	ctx := context.Background()
	key, err := generation.ComputeCacheKey("m", "p")
	require.NoError(t, err)

	a, b := uuid.New(), uuid.New()

	owner, claimed, err := in.Claim(ctx, key, a)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, a, owner)
	assert.True(t, mr.Exists("test:inflight:"+key.String()))

	owner, claimed, err = in.Claim(ctx, key, b)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, a, owner)

	// Only the owner can release
	require.NoError(t, in.Release(ctx, key, b))
	assert.True(t, mr.Exists("test:inflight:"+key.String()))

	require.NoError(t, in.Release(ctx, key, a))
	assert.False(t, mr.Exists("test:inflight:"+key.String()))

	_, claimed, err = in.Claim(ctx, key, b)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestInflightClaimExpires(t *testing.T) {
	in, mr := setupInflight(t)
	ctx := context.Background()
	key, err := generation.ComputeCacheKey("m", "p")
	require.NoError(t, err)

	_, claimed, err := in.Claim(ctx, key, uuid.New())
	require.NoError(t, err)
	require.True(t, claimed)

	mr.FastForward(time.Minute + time.Second)

	_, claimed, err = in.Claim(ctx, key, uuid.New())
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestInflightCorruptClaimTakenOver(t *testing.T) {
	in, mr := setupInflight(t)
	ctx := context.Background()
	key, err := generation.ComputeCacheKey("m", "p")
	require.NoError(t, err)

	require.NoError(t, mr.Set("test:inflight:"+key.String(), "garbage"))

	id := uuid.New()
	owner, claimed, err := in.Claim(ctx, key, id)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, id, owner)
}
