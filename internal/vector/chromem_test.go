package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChromemIndex_QueryOrdersAndThresholds(t *testing.T) {
	ctx := context.Background()
	idx, err := NewChromem()
	require.NoError(t, err)

	require.NoError(t, idx.Add(ctx, "a", "episodic", []float32{1, 0, 0}))
	require.NoError(t, idx.Add(ctx, "b", "episodic", []float32{0.8, 0.6, 0}))
	require.NoError(t, idx.Add(ctx, "c", "semantic", []float32{0, 0, 1}))
	assert.Equal(t, 3, idx.Len())

	matches, err := idx.Query(ctx, []float32{1, 0, 0}, 0.5, 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "a", matches[0].ID)
	assert.Equal(t, "b", matches[1].ID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-4)
	assert.InDelta(t, 0.8, matches[1].Similarity, 1e-4)
}

func TestChromemIndex_EmptyAndReAdd(t *testing.T) {
	ctx := context.Background()
	idx, err := NewChromem()
	require.NoError(t, err)

	matches, err := idx.Query(ctx, []float32{1, 0}, 0, 5)
	require.NoError(t, err)
	assert.Empty(t, matches)

	require.NoError(t, idx.Add(ctx, "a", "semantic", []float32{1, 0}))
	require.NoError(t, idx.Add(ctx, "a", "semantic", []float32{0, 1}))
	assert.Equal(t, 1, idx.Len())

	matches, err = idx.Query(ctx, []float32{0, 1}, 0.9, 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "a", matches[0].ID)
}

func TestChromemIndex_RejectsMismatchedDimensions(t *testing.T) {
	ctx := context.Background()
	idx, err := NewChromem()
	require.NoError(t, err)

	require.NoError(t, idx.Add(ctx, "a", "semantic", []float32{1, 0, 0}))
	err = idx.Add(ctx, "b", "semantic", []float32{1, 0})
	require.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, 1, idx.Len())
	assert.Equal(t, 3, idx.Dimensions())

	matches, err := idx.Query(ctx, []float32{1, 0, 0}, 0.9, 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "a", matches[0].ID)

	_, err = idx.Query(ctx, []float32{1, 0}, 0, 5)
	require.ErrorIs(t, err, ErrDimensionMismatch)
}
