// Package retrieval ranks stored memories against a query.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/charmbracelet/log"

	"github.com/xiy/companion/internal/config"
	"github.com/xiy/companion/internal/embeddings"
	"github.com/xiy/companion/internal/store"
	"github.com/xiy/companion/pkg/types"
)

// Store is the read surface the ranker needs from the memory store.
type Store interface {
	ListRecent(ctx context.Context, since time.Time, limit int) ([]types.MemoryRecord, error)
	ListImportant(ctx context.Context, minImportance float64, limit int) ([]types.MemoryRecord, error)
	NearestNeighbors(ctx context.Context, embedding []float32, threshold float64, limit int) ([]store.Neighbor, error)
	RecordAccess(ctx context.Context, id string, at time.Time) error
}

// Embedder produces a query embedding when the caller has none.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Query is one retrieval request.
type Query struct {
	Text      string
	Embedding []float32
	Limit     int
	Threshold float64
}

// Option customizes a Ranker.
type Option func(*Ranker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Ranker) { r.now = now }
}

// WithRetryDelay sets the pause between read attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(r *Ranker) { r.retryDelay = d }
}

// Ranker blends semantic similarity with recency and returns the top results.
type Ranker struct {
	store      Store
	embedder   Embedder
	cfg        config.RetrievalConfig
	logger     *log.Logger
	now        func() time.Time
	retryDelay time.Duration
}

// New constructs a Ranker. embedder may be nil.
func New(st Store, embedder Embedder, cfg config.RetrievalConfig, logger *log.Logger, opts ...Option) *Ranker {
	r := &Ranker{
		store:      st,
		embedder:   embedder,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type candidate struct {
	rec        types.MemoryRecord
	similarity float64
	derivation float64
}

// Retrieve returns at most q.Limit memories ordered by descending score.
// Every returned record has its access recorded.
func (r *Ranker) Retrieve(ctx context.Context, q Query) ([]types.ScoredMemory, error) {
	if q.Limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be > 0", types.ErrInvalidInput)
	}
	if math.IsNaN(q.Threshold) || q.Threshold < -1 || q.Threshold > 1 {
		return nil, fmt.Errorf("%w: threshold %v outside [-1,1]", types.ErrInvalidInput, q.Threshold)
	}

	now := r.now().UTC()
	queryEmb := q.Embedding
	if len(queryEmb) == 0 && strings.TrimSpace(q.Text) != "" && r.embedder != nil {
		emb, err := r.embedQuery(ctx, q.Text)
		if err != nil {
			r.logger.Warn("query embedding unavailable; using recency only", "error", err)
		} else {
			queryEmb = emb
		}
	}

	merged := map[string]*candidate{}
	add := func(rec types.MemoryRecord, derivation float64) {
		if c, ok := merged[rec.ID]; ok {
			c.derivation = math.Max(c.derivation, derivation)
			return
		}
		merged[rec.ID] = &candidate{rec: rec, derivation: derivation}
	}

	wide := q.Limit * r.cfg.CandidateMultiplier
	if len(queryEmb) > 0 {
		var neighbors []store.Neighbor
		err := r.read(ctx, func() (err error) {
			neighbors, err = r.store.NearestNeighbors(ctx, queryEmb, q.Threshold, wide)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, n := range neighbors {
			add(n.Record, n.Similarity)
		}
	}

	var recent []types.MemoryRecord
	recencyLimit := max(r.cfg.RecencyLimit, q.Limit)
	err := r.read(ctx, func() (err error) {
		recent, err = r.store.ListRecent(ctx, now.Add(-r.cfg.RecencyWindow()), recencyLimit)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, rec := range recent {
		add(rec, r.recency(rec.CreatedAt, now))
	}

	var important []types.MemoryRecord
	err = r.read(ctx, func() (err error) {
		important, err = r.store.ListImportant(ctx, r.cfg.HighImportanceCutoff, wide)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, rec := range important {
		add(rec, 0)
	}

	if len(merged) == 0 {
		return []types.ScoredMemory{}, nil
	}

	scored := make([]types.ScoredMemory, 0, len(merged))
	for _, c := range merged {
		sim := 0.0
		if len(queryEmb) > 0 && c.rec.HasEmbedding() {
			sim = embeddings.Cosine(queryEmb, c.rec.Embedding)
		}
		rec := r.recency(c.rec.CreatedAt, now)
		score := r.cfg.SimilarityWeight*sim + r.cfg.RecencyWeight*rec
		if score < q.Threshold && c.rec.Importance < r.cfg.HighImportanceCutoff {
			continue
		}
		scored = append(scored, types.ScoredMemory{
			Record:          c.rec,
			Score:           score,
			Similarity:      sim,
			Recency:         rec,
			DerivationScore: math.Max(c.derivation, math.Max(sim, rec)),
		})
	}

	sortScored(scored)
	if len(scored) > q.Limit {
		scored = scored[:q.Limit]
	}

	for i := range scored {
		rec := &scored[i].Record
		if err := r.store.RecordAccess(ctx, rec.ID, now); err != nil {
			r.logger.Warn("record access failed", "id", rec.ID, "error", err)
			continue
		}
		rec.AccessCount++
		if now.After(rec.LastAccessedAt) {
			rec.LastAccessedAt = now
		}
	}
	return scored, nil
}

// recency decays from 1 at creation toward 0, halving every half-life.
func (r *Ranker) recency(createdAt, now time.Time) float64 {
	age := now.Sub(createdAt)
	if age <= 0 {
		return 1
	}
	hl := r.cfg.HalfLife()
	if hl <= 0 {
		return 0
	}
	return math.Pow(0.5, float64(age)/float64(hl))
}

func (r *Ranker) embedQuery(ctx context.Context, text string) ([]float32, error) {
	var emb []float32
	err := r.read(ctx, func() (err error) {
		emb, err = r.embedder.Embed(ctx, text)
		return err
	})
	return emb, err
}

// read runs op with bounded retries. Input errors are not retried.
func (r *Ranker) read(ctx context.Context, op func() error) error {
	attempts := r.cfg.ReadAttempts
	if attempts <= 0 {
		attempts = 1
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.retryDelay), uint64(attempts-1)),
		ctx,
	)
	err := backoff.Retry(func() error {
		err := op()
		if errors.Is(err, types.ErrInvalidInput) || errors.Is(err, types.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err == nil {
		return nil
	}
	if errors.Is(err, types.ErrInvalidInput) || errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrUpstreamUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", types.ErrUpstreamUnavailable, err)
}

func sortScored(items []types.ScoredMemory) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Record.Importance != b.Record.Importance {
			return a.Record.Importance > b.Record.Importance
		}
		if !a.Record.CreatedAt.Equal(b.Record.CreatedAt) {
			return a.Record.CreatedAt.After(b.Record.CreatedAt)
		}
		if a.DerivationScore != b.DerivationScore {
			return a.DerivationScore > b.DerivationScore
		}
		return a.Record.ID < b.Record.ID
	})
}
