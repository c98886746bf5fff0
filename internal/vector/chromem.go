// Package vector provides the nearest-neighbor index used by the memory store.
package vector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// ErrDimensionMismatch is returned when a vector's length differs from the
// length the index was built with.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Match is one nearest-neighbor hit.
type Match struct {
	ID         string
	Similarity float64
}

// ChromemIndex wraps an embedded chromem-go collection. Only ids and
// vectors live here; rows stay in the durable store.
type ChromemIndex struct {
	col *chromem.Collection

	mu   sync.Mutex
	dims int
}

// NewChromem creates an in-process cosine index.
func NewChromem() (*ChromemIndex, error) {
	db := chromem.NewDB()
	// Embeddings are always supplied by the caller, so the embedding func is never invoked.
	col, err := db.GetOrCreateCollection("memories", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &ChromemIndex{col: col}, nil
}

// Add indexes (or re-indexes) one vector. The first vector fixes the
// dimension; later vectors of another length are refused, since chromem
// fails every query once the collection holds mixed lengths.
func (c *ChromemIndex) Add(ctx context.Context, id, category string, embedding []float32) error {
	if len(embedding) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dims == 0 {
		c.dims = len(embedding)
	} else if len(embedding) != c.dims {
		return fmt.Errorf("%w: got %d, index holds %d", ErrDimensionMismatch, len(embedding), c.dims)
	}

	doc := chromem.Document{
		ID:        id,
		Content:   id,
		Embedding: append([]float32(nil), embedding...),
		Metadata:  map[string]string{"category": category},
	}
	if err := c.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Query returns up to limit ids whose cosine similarity is at least threshold,
// most similar first.
func (c *ChromemIndex) Query(ctx context.Context, embedding []float32, threshold float64, limit int) ([]Match, error) {
	n := c.col.Count()
	if n == 0 || limit <= 0 || len(embedding) == 0 {
		return nil, nil
	}
	if dims := c.Dimensions(); dims != 0 && len(embedding) != dims {
		return nil, fmt.Errorf("%w: query has %d, index holds %d", ErrDimensionMismatch, len(embedding), dims)
	}
	// chromem-go requires nResults <= collection size.
	if limit > n {
		limit = n
	}
	results, err := c.col.QueryEmbedding(ctx, embedding, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	out := make([]Match, 0, len(results))
	for _, r := range results {
		sim := float64(r.Similarity)
		if sim < threshold {
			continue
		}
		out = append(out, Match{ID: r.ID, Similarity: sim})
	}
	return out, nil
}

// Len returns the number of indexed vectors.
func (c *ChromemIndex) Len() int {
	return c.col.Count()
}

// Dimensions returns the vector length the index holds, or 0 while empty.
func (c *ChromemIndex) Dimensions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dims
}
