package retrieval

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiy/companion/internal/config"
	"github.com/xiy/companion/internal/store"
	"github.com/xiy/companion/pkg/types"
)

var testNow = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "companion.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func discardLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

func insert(t *testing.T, st *store.SQLiteStore, content string, importance float64, emb []float32, age time.Duration) types.MemoryRecord {
	t.Helper()
	rec, err := st.InsertMemory(context.Background(), types.MemoryRecord{
		Content:    content,
		Category:   types.CategoryEpisodic,
		Importance: importance,
		Embedding:  emb,
		CreatedAt:  testNow.Add(-age),
	})
	require.NoError(t, err)
	return rec
}

func newRanker(st Store, emb Embedder) *Ranker {
	return New(st, emb, config.Default().Retrieval, discardLogger(),
		WithClock(func() time.Time { return testNow }),
		WithRetryDelay(0),
	)
}

func TestRetrieve_HighImportanceBypassesThreshold(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)

	critical := insert(t, st, "allergic to peanuts", 0.9, []float32{0, 1, 0}, 0)
	match := insert(t, st, "algorithms exam on wednesday", 0.4, []float32{0.95, 0.31, 0}, 48*time.Hour)
	weak := insert(t, st, "saw a cat on the way home", 0.2, []float32{0, 0, 1}, time.Hour)

	got, err := newRanker(st, nil).Retrieve(ctx, Query{
		Embedding: []float32{1, 0, 0},
		Limit:     5,
		Threshold: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, match.ID, got[0].Record.ID)
	assert.Equal(t, critical.ID, got[1].Record.ID)
	assert.Less(t, got[1].Score, 0.5)
	for _, sm := range got {
		assert.NotEqual(t, weak.ID, sm.Record.ID)
	}
	assert.InDelta(t, 0.7*got[0].Similarity+0.3*got[0].Recency, got[0].Score, 1e-9)
}

func TestRetrieve_RecordsAccessOnReturnedOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)

	a := insert(t, st, "first", 0.5, []float32{1, 0}, time.Minute)
	b := insert(t, st, "second", 0.5, []float32{0.9, 0.1}, 2*time.Minute)
	c := insert(t, st, "third", 0.5, []float32{0.8, 0.2}, 3*time.Minute)

	got, err := newRanker(st, nil).Retrieve(ctx, Query{Embedding: []float32{1, 0}, Limit: 2, Threshold: 0.1})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a.ID, got[0].Record.ID)
	assert.Equal(t, b.ID, got[1].Record.ID)
	assert.Equal(t, int64(1), got[0].Record.AccessCount)
	assert.True(t, got[0].Record.LastAccessedAt.Equal(testNow))

	stored, err := st.GetMemory(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.AccessCount)

	untouched, err := st.GetMemory(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), untouched.AccessCount)
}

func TestRetrieve_OrderingTieBreaks(t *testing.T) {
	t.Parallel()
	items := []types.ScoredMemory{
		{Record: types.MemoryRecord{ID: "d", Importance: 0.5, CreatedAt: testNow}, Score: 0.6},
		{Record: types.MemoryRecord{ID: "c", Importance: 0.5, CreatedAt: testNow.Add(-time.Hour)}, Score: 0.6},
		{Record: types.MemoryRecord{ID: "b", Importance: 0.7, CreatedAt: testNow.Add(-time.Hour)}, Score: 0.6},
		{Record: types.MemoryRecord{ID: "a", Importance: 0.1, CreatedAt: testNow}, Score: 0.9},
	}
	sortScored(items)
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.Record.ID)
	}
	assert.Equal(t, []string{"a", "b", "d", "c"}, ids)
}

func TestRetrieve_EmptyStoreReturnsEmpty(t *testing.T) {
	t.Parallel()
	got, err := newRanker(newTestStore(t), nil).Retrieve(context.Background(), Query{
		Embedding: []float32{1, 0},
		Limit:     3,
		Threshold: 0.5,
	})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestRetrieve_RejectsInvalidQuery(t *testing.T) {
	t.Parallel()
	r := newRanker(newTestStore(t), nil)
	tests := []struct {
		name string
		q    Query
	}{
		{"zero limit", Query{Limit: 0, Threshold: 0.5}},
		{"threshold above one", Query{Limit: 1, Threshold: 1.5}},
		{"threshold below minus one", Query{Limit: 1, Threshold: -2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Retrieve(context.Background(), tt.q)
			assert.ErrorIs(t, err, types.ErrInvalidInput)
		})
	}
}

type failingEmbedder struct {
	calls atomic.Int32
}

func (f *failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	f.calls.Add(1)
	return nil, types.ErrUpstreamUnavailable
}

func TestRetrieve_EmbedFailureDegradesToRecency(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	fresh := insert(t, st, "just finished the lab report", 0.5, []float32{1, 0}, 10*time.Minute)
	insert(t, st, "old trip memory", 0.5, []float32{1, 0}, 30*24*time.Hour)

	emb := &failingEmbedder{}
	got, err := newRanker(st, emb).Retrieve(context.Background(), Query{Text: "lab report", Limit: 5, Threshold: 0.2})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, fresh.ID, got[0].Record.ID)
	assert.Zero(t, got[0].Similarity)
	assert.Equal(t, int32(config.Default().Retrieval.ReadAttempts), emb.calls.Load())
}

type flakyStore struct {
	Store
	failures atomic.Int32
}

func (f *flakyStore) ListRecent(ctx context.Context, since time.Time, limit int) ([]types.MemoryRecord, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("database is locked")
	}
	return f.Store.ListRecent(ctx, since, limit)
}

func TestRetrieve_RetriesTransientReads(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	rec := insert(t, st, "went jogging", 0.5, nil, time.Minute)

	flaky := &flakyStore{Store: st}
	flaky.failures.Store(2)
	got, err := newRanker(flaky, nil).Retrieve(context.Background(), Query{Limit: 1, Threshold: 0})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec.ID, got[0].Record.ID)

	flaky.failures.Store(10)
	_, err = newRanker(flaky, nil).Retrieve(context.Background(), Query{Limit: 1, Threshold: 0})
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
}
