package embeddings

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// CachedProvider memoizes embeddings by exact text. Query texts repeat a
// lot during a conversation, so this spares most upstream calls.
type CachedProvider struct {
	next  Provider
	cache *ristretto.Cache
}

// NewCached wraps next with a cache holding roughly maxEntries vectors.
func NewCached(next Provider, maxEntries int64) (*CachedProvider, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachedProvider{next: next, cache: cache}, nil
}

// Embed returns a cached vector or asks the wrapped provider.
func (c *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}
	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, vec, 1)
	return vec, nil
}

// Dimensions returns the wrapped provider's size.
func (c *CachedProvider) Dimensions() int {
	return c.next.Dimensions()
}

// Wait blocks until pending cache writes are visible.
func (c *CachedProvider) Wait() {
	c.cache.Wait()
}

// Close releases cache resources.
func (c *CachedProvider) Close() {
	c.cache.Close()
}
