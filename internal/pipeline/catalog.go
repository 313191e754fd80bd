package pipeline

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ModelLister is the part of a backend the catalog needs
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// Catalog caches the backend's model list for a short TTL.
// Concurrent refreshes share one backend call.
type Catalog struct {
	lister  ModelLister
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	models    []string
	index     map[string]struct{}
	fetchedAt time.Time
}

// NewCatalog creates a catalog over lister. A zero ttl disables caching;
// timeout bounds each backend call and may be zero.
func NewCatalog(lister ModelLister, ttl, timeout time.Duration) *Catalog {
	return &Catalog{
		lister:  lister,
		ttl:     ttl,
		timeout: timeout,
		now:     time.Now,
	}
}

// Models returns the advertised models, refreshing when stale
func (c *Catalog) Models(ctx context.Context) ([]string, error) {
	if models, ok := c.cached(); ok {
		return models, nil
	}
	return c.refresh(ctx)
}

// Has reports whether model is advertised. A miss on a cached list is
// confirmed against the backend so newly pulled models are found.
func (c *Catalog) Has(ctx context.Context, model string) (bool, error) {
	if _, ok := c.cached(); ok {
		c.mu.RLock()
		_, found := c.index[model]
		c.mu.RUnlock()
		if found {
			return true, nil
		}
	}

	if _, err := c.refresh(ctx); err != nil {
		return false, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	_, found := c.index[model]
	return found, nil
}

// Invalidate drops the cached list
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

func (c *Catalog) cached() ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.ttl <= 0 || c.fetchedAt.IsZero() || c.now().Sub(c.fetchedAt) >= c.ttl {
		return nil, false
	}
	return append([]string(nil), c.models...), true
}

func (c *Catalog) refresh(ctx context.Context) ([]string, error) {
	ch := c.group.DoChan("models", func() (any, error) {
		// Detached so one caller giving up does not fail the others
		callCtx := context.WithoutCancel(ctx)
		if c.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(callCtx, c.timeout)
			defer cancel()
		}

		models, err := c.lister.ListModels(callCtx)
		if err != nil {
			return nil, err
		}

		index := make(map[string]struct{}, len(models))
		for _, m := range models {
			index[m] = struct{}{}
		}

		c.mu.Lock()
		c.models = models
		c.index = index
		c.fetchedAt = c.now()
		c.mu.Unlock()
		return models, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return append([]string(nil), res.Val.([]string)...), nil
	}
}
