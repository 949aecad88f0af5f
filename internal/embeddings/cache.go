package embeddings

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// Cached memoizes another Embedder. Tag strings repeat constantly within
// a conversation, so most contextualizer lookups hit the cache.
type Cached struct {
	inner Embedder
	cache *ristretto.Cache
}

// NewCached wraps inner with a cache holding roughly size vectors.
func NewCached(inner Embedder, size int64) (*Cached, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

// Embed returns the cached vector for text or computes and stores it.
// Callers get their own copy and may modify it.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return append([]float32(nil), vec...), nil
		}
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, append([]float32(nil), vec...), 1)
	return vec, nil
}

// Wait blocks until pending cache writes are applied.
func (c *Cached) Wait() { c.cache.Wait() }

// Close releases the cache's background goroutines.
func (c *Cached) Close() { c.cache.Close() }
