// Package curator decides which extracted candidates become stored memories.
package curator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/charmbracelet/log"

	"github.com/xiy/companion/internal/config"
	"github.com/xiy/companion/internal/embeddings"
	"github.com/xiy/companion/pkg/types"
)

// Store is the write surface the curator needs from the memory store.
type Store interface {
	InsertMemory(ctx context.Context, rec types.MemoryRecord) (types.MemoryRecord, error)
	ListByCategory(ctx context.Context, category types.Category, limit int) ([]types.MemoryRecord, error)
	UpdateImportance(ctx context.Context, id string, value float64) error
}

// Embedder fills in embeddings for candidates that arrive without one.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// sizedEmbedder is an Embedder that reports its vector length. Candidates
// carrying vectors of any other length are rejected.
type sizedEmbedder interface {
	Dimensions() int
}

// Outcome reports what happened to each candidate of a batch.
type Outcome struct {
	Inserted []string
	Merged   []string
	Dropped  int
}

// Curator filters, deduplicates and inserts candidate memories.
type Curator struct {
	store    Store
	embedder Embedder
	dims     int
	cfg      config.CurationConfig
	logger   *log.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[types.Category]*sync.Mutex
}

// New constructs a Curator. embedder may be nil.
func New(st Store, embedder Embedder, cfg config.CurationConfig, logger *log.Logger) *Curator {
	dims := 0
	if se, ok := embedder.(sizedEmbedder); ok {
		dims = se.Dimensions()
	}
	return &Curator{
		dims:     dims,
		store:    st,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		locks:    map[types.Category]*sync.Mutex{},
	}
}

// SetClock overrides time.Now, for tests.
func (c *Curator) SetClock(now func() time.Time) {
	c.now = now
}

// Curate stores the worthwhile candidates of one conversation turn and
// returns the ids of newly inserted records in candidate order.
func (c *Curator) Curate(ctx context.Context, sessionID string, candidates []types.Candidate) ([]string, error) {
	out, err := c.CurateDetailed(ctx, sessionID, candidates)
	if err != nil {
		return nil, err
	}
	return out.Inserted, nil
}

// CurateDetailed is Curate with merge and drop counts.
func (c *Curator) CurateDetailed(ctx context.Context, sessionID string, candidates []types.Candidate) (Outcome, error) {
	for i, cand := range candidates {
		if err := cand.ValidateFor(c.dims); err != nil {
			return Outcome{}, fmt.Errorf("candidate %d: %w", i, err)
		}
	}

	out := Outcome{Inserted: []string{}}
	for _, cand := range candidates {
		if cand.Importance < c.cfg.MinImportance {
			out.Dropped++
			c.logger.Debug("candidate below importance floor", "category", cand.Category, "importance", cand.Importance)
			continue
		}
		cand.Content = strings.TrimSpace(cand.Content)
		if len(cand.Embedding) == 0 && c.embedder != nil {
			emb, err := c.embedder.Embed(ctx, cand.Content)
			switch {
			case err != nil:
				c.logger.Warn("embedding failed; storing without vector", "category", cand.Category, "error", err)
			case types.ValidateEmbedding(emb, c.dims) != nil:
				c.logger.Warn("embedder returned a vector of the wrong size; storing without vector",
					"category", cand.Category, "got", len(emb), "want", c.dims)
			default:
				cand.Embedding = emb
			}
		}

		id, merged, err := c.curateOne(ctx, sessionID, cand)
		if err != nil {
			return out, err
		}
		if merged {
			out.Merged = append(out.Merged, id)
		} else {
			out.Inserted = append(out.Inserted, id)
		}
	}
	return out, nil
}

func (c *Curator) curateOne(ctx context.Context, sessionID string, cand types.Candidate) (string, bool, error) {
	lock := c.categoryLock(cand.Category)
	lock.Lock()
	defer lock.Unlock()

	now := c.now().UTC()
	existing, err := c.store.ListByCategory(ctx, cand.Category, c.cfg.DedupScanLimit)
	if err != nil {
		return "", false, fmt.Errorf("dedup scan: %w", err)
	}

	cutoff := now.Add(-c.cfg.DedupWindow())
	for _, rec := range existing {
		if rec.CreatedAt.Before(cutoff) {
			continue
		}
		if !c.isDuplicate(cand, rec) {
			continue
		}
		if cand.Importance > rec.Importance {
			if err := c.store.UpdateImportance(ctx, rec.ID, cand.Importance); err != nil {
				return "", false, fmt.Errorf("raise importance: %w", err)
			}
		}
		c.logger.Debug("candidate coalesced", "id", rec.ID, "category", cand.Category)
		return rec.ID, true, nil
	}

	rec, err := c.store.InsertMemory(ctx, types.MemoryRecord{
		Content:         cand.Content,
		Category:        cand.Category,
		Importance:      cand.Importance,
		Embedding:       cand.Embedding,
		EmotionTags:     cand.EmotionTags,
		EntityRefs:      cand.EntityRefs,
		SourceSessionID: sessionID,
		CreatedAt:       now,
		LastAccessedAt:  now,
	})
	if err != nil {
		return "", false, fmt.Errorf("insert memory: %w", err)
	}
	c.logger.Info("memory stored", "id", rec.ID, "category", rec.Category, "importance", rec.Importance)
	return rec.ID, false, nil
}

func (c *Curator) isDuplicate(cand types.Candidate, rec types.MemoryRecord) bool {
	if TextSimilarity(cand.Content, rec.Content) >= c.cfg.TextSimilarity {
		return true
	}
	if len(cand.Embedding) > 0 && rec.HasEmbedding() {
		return embeddings.Cosine(cand.Embedding, rec.Embedding) >= c.cfg.EmbeddingSimilarity
	}
	return false
}

func (c *Curator) categoryLock(cat types.Category) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[cat]
	if !ok {
		l = &sync.Mutex{}
		c.locks[cat] = l
	}
	return l
}

// TextSimilarity is 1 minus the normalized edit distance of the two
// case-folded, whitespace-collapsed strings.
func TextSimilarity(a, b string) float64 {
	a = normalizeText(a)
	b = normalizeText(b)
	if a == b {
		return 1
	}
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
