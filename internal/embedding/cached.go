package embedding

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheEntries = 10000

	// sharedCallTimeout bounds an upstream call that outlives its first caller.
	sharedCallTimeout = 2 * time.Minute
)

// Cached memoises embeddings per text. Concurrent requests for the same
// batch of uncached texts share a single upstream call.
type Cached struct {
	inner      Embedder
	maxEntries int

	mu    sync.RWMutex
	cache map[string][]float32

	group singleflight.Group
}

// NewCached wraps inner. Once maxEntries texts are cached new results are
// returned but no longer stored.
func NewCached(inner Embedder, maxEntries int) *Cached {
	return &Cached{
		inner:      inner,
		maxEntries: maxEntries,
		cache:      make(map[string][]float32),
	}
}

// Name implements Embedder
func (c *Cached) Name() string {
	return c.inner.Name()
}

// Unwrap returns the wrapped embedder.
func (c *Cached) Unwrap() Embedder {
	return c.inner
}

// Embed implements Embedder
func (c *Cached) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var misses []string
	seen := make(map[string]bool)

	c.mu.RLock()
	for i, t := range texts {
		if v, ok := c.cache[t]; ok {
			out[i] = v
			continue
		}
		if !seen[t] {
			seen[t] = true
			misses = append(misses, t)
		}
	}
	c.mu.RUnlock()

	if len(misses) == 0 {
		return out, nil
	}

	// The shared call ignores the first caller's cancellation. Each caller
	// stops waiting on its own ctx.
	key := strings.Join(misses, "\x00")
	ch := c.group.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedCallTimeout)
		defer cancel()
		return c.inner.Embed(callCtx, misses)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	vecs := res.Val.([][]float32)
	if len(vecs) != len(misses) {
		return nil, fmt.Errorf("embedder %s returned %d vectors for %d inputs", c.inner.Name(), len(vecs), len(misses))
	}

	fresh := make(map[string][]float32, len(misses))
	c.mu.Lock()
	for i, t := range misses {
		fresh[t] = vecs[i]
		if len(c.cache) < c.maxEntries {
			c.cache[t] = vecs[i]
		}
	}
	c.mu.Unlock()

	for i, t := range texts {
		if out[i] == nil {
			out[i] = fresh[t]
		}
	}
	return out, nil
}

// Len returns the number of cached texts.
func (c *Cached) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
