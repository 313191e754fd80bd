package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farhan-ahmed1/llmhub/internal/generation"
)

// runStoreContract exercises the behaviour every Store must share.
// newStore returns an empty store and a function that advances its clock.
func runStoreContract(t *testing.T, newStore func(t *testing.T) (Store, func(time.Duration))) {
	ctx := context.Background()

	t.Run("create pending", func(t *testing.T) {
		s, _ := newStore(t)

		r, err := s.CreatePending(ctx, "llama3:latest", "hello")
		require.NoError(t, err)
		assert.Equal(t, generation.StatusPending, r.Status)
		assert.Nil(t, r.Response)

		got, err := s.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, r.ID, got.ID)
		assert.Equal(t, "llama3:latest", got.Model)
		assert.Equal(t, "hello", got.Prompt)
		assert.Equal(t, r.CacheKey, got.CacheKey)
		assert.Equal(t, generation.StatusPending, got.Status)
	})

	t.Run("get missing", func(t *testing.T) {
		s, _ := newStore(t)

		_, err := s.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, generation.ErrNotFound)
	})

	t.Run("insert duplicate", func(t *testing.T) {
		s, _ := newStore(t)

		r, err := generation.NewPending("m", "p", time.Now())
		require.NoError(t, err)
		require.NoError(t, s.Insert(ctx, r))

		err = s.Insert(ctx, r)
		assert.ErrorIs(t, err, ErrDuplicate)
		assert.ErrorIs(t, err, generation.ErrStorage)
	})

	t.Run("cache ignores pending and failed", func(t *testing.T) {
		s, _ := newStore(t)

		pending, err := s.CreatePending(ctx, "m", "p")
		require.NoError(t, err)
		failed, err := s.CreatePending(ctx, "m", "p")
		require.NoError(t, err)
		require.NoError(t, s.Fail(ctx, failed.ID, "boom"))

		hit, err := s.GetCachedCompleted(ctx, pending.CacheKey)
		require.NoError(t, err)
		assert.Nil(t, hit)
	})

	t.Run("cache returns most recent completion", func(t *testing.T) {
		s, advance := newStore(t)

		first, err := s.CreatePending(ctx, "m", "p")
		require.NoError(t, err)
		second, err := s.CreatePending(ctx, "m", "p")
		require.NoError(t, err)
		other, err := s.CreatePending(ctx, "m", "other prompt")
		require.NoError(t, err)

		require.NoError(t, s.Complete(ctx, second.ID, "older"))
		advance(time.Second)
		require.NoError(t, s.Complete(ctx, first.ID, "newer"))
		advance(time.Second)
		require.NoError(t, s.Complete(ctx, other.ID, "unrelated"))

		hit, err := s.GetCachedCompleted(ctx, first.CacheKey)
		require.NoError(t, err)
		require.NotNil(t, hit)
		assert.Equal(t, first.ID, hit.ID)
		assert.Equal(t, "newer", hit.ResponseText())
		assert.Equal(t, generation.StatusCompleted, hit.Status)
	})

	t.Run("complete is idempotent", func(t *testing.T) {
		s, _ := newStore(t)

		r, err := s.CreatePending(ctx, "m", "p")
		require.NoError(t, err)

		require.NoError(t, s.Complete(ctx, r.ID, "first"))
		require.NoError(t, s.Complete(ctx, r.ID, "second"))

		got, err := s.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, generation.StatusCompleted, got.Status)
		assert.Equal(t, "second", got.ResponseText())
		require.NotNil(t, got.CompletedAt)
		assert.False(t, got.CompletedAt.Before(got.CreatedAt))
	})

	t.Run("fail is idempotent", func(t *testing.T) {
		s, _ := newStore(t)

		r, err := s.CreatePending(ctx, "m", "p")
		require.NoError(t, err)

		require.NoError(t, s.Fail(ctx, r.ID, "one"))
		require.NoError(t, s.Fail(ctx, r.ID, "two"))

		got, err := s.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, generation.StatusFailed, got.Status)
		assert.Equal(t, "two", got.Error)
		assert.Nil(t, got.Response)
	})

	t.Run("terminal states do not cross", func(t *testing.T) {
		s, _ := newStore(t)

		done, err := s.CreatePending(ctx, "m", "p")
		require.NoError(t, err)
		require.NoError(t, s.Complete(ctx, done.ID, "ok"))
		assert.ErrorIs(t, s.Fail(ctx, done.ID, "late"), generation.ErrAlreadyTerminal)

		failed, err := s.CreatePending(ctx, "m", "p")
		require.NoError(t, err)
		require.NoError(t, s.Fail(ctx, failed.ID, "bad"))
		assert.ErrorIs(t, s.Complete(ctx, failed.ID, "late"), generation.ErrAlreadyTerminal)

		got, err := s.Get(ctx, done.ID)
		require.NoError(t, err)
		assert.Equal(t, generation.StatusCompleted, got.Status)
	})

	t.Run("terminal writes on missing id", func(t *testing.T) {
		s, _ := newStore(t)

		for _, err := range []error{
			s.Complete(ctx, uuid.New(), "x"),
			s.Fail(ctx, uuid.New(), "x"),
			s.RecordAttempt(ctx, uuid.New(), 1, "x"),
		} {
			assert.ErrorIs(t, err, generation.ErrStorage)
			assert.ErrorIs(t, err, generation.ErrNotFound)
		}
	})

	t.Run("record attempt keeps pending", func(t *testing.T) {
		s, _ := newStore(t)

		r, err := s.CreatePending(ctx, "m", "p")
		require.NoError(t, err)

		require.NoError(t, s.RecordAttempt(ctx, r.ID, 1, "timeout"))
		require.NoError(t, s.RecordAttempt(ctx, r.ID, 2, "status 503"))

		got, err := s.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, generation.StatusPending, got.Status)
		assert.Equal(t, 2, got.Attempts)
		assert.Equal(t, []string{"timeout", "status 503"}, got.ErrorTrail)

		require.NoError(t, s.Complete(ctx, r.ID, "done"))
		require.NoError(t, s.RecordAttempt(ctx, r.ID, 3, "late"))

		got, err = s.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, generation.StatusCompleted, got.Status)
		assert.Len(t, got.ErrorTrail, 2)
	})

	t.Run("concurrent completes", func(t *testing.T) {
		s, _ := newStore(t)

		r, err := s.CreatePending(ctx, "m", "p")
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.Complete(ctx, r.ID, "same")
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			if err != nil && !errors.Is(err, generation.ErrStorage) {
				t.Errorf("unexpected error: %v", err)
			}
		}

		got, err := s.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, generation.StatusCompleted, got.Status)
		assert.Equal(t, "same", got.ResponseText())
	})
}
