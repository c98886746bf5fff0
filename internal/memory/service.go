// Package memory is the conversation-facing facade over curation and recall.
package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/charmbracelet/log"

	"github.com/xiy/companion/internal/config"
	"github.com/xiy/companion/internal/llm"
	"github.com/xiy/companion/internal/retrieval"
	"github.com/xiy/companion/pkg/types"
)

// Ranker retrieves scored memories.
type Ranker interface {
	Retrieve(ctx context.Context, q retrieval.Query) ([]types.ScoredMemory, error)
}

// Curator turns candidates into stored memories.
type Curator interface {
	Curate(ctx context.Context, sessionID string, candidates []types.Candidate) ([]string, error)
}

// StatusRecorder marks the user's interactions.
type StatusRecorder interface {
	Record(ctx context.Context, typ types.StatusType, detail, source string) (types.StatusRecord, error)
}

// Store is the slice of the memory store the facade touches directly.
type Store interface {
	GetMemory(ctx context.Context, id string) (types.MemoryRecord, error)
	UpdateImportance(ctx context.Context, id string, value float64) error
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store     Store
	Ranker    Ranker
	Curator   Curator
	Extractor llm.CandidateExtractor
	Statuses  StatusRecorder
}

// Service coordinates extraction, curation and retrieval for chat turns.
type Service struct {
	deps       Deps
	cfg        config.RetrievalConfig
	logger     *log.Logger
	retryDelay time.Duration
}

// NewService constructs a memory service.
func NewService(deps Deps, cfg config.RetrievalConfig, logger *log.Logger) *Service {
	if deps.Extractor == nil {
		deps.Extractor = llm.NoopExtractor{}
	}
	return &Service{
		deps:       deps,
		cfg:        cfg,
		logger:     logger.With("component", "memory"),
		retryDelay: 200 * time.Millisecond,
	}
}

// Remember learns from one conversation turn. The interaction marker is
// recorded even when nothing worth keeping was said. An extractor that keeps
// failing costs the turn its memories, not the turn itself.
func (s *Service) Remember(ctx context.Context, in types.RememberInput) (types.RememberResult, error) {
	in.UserMessage = strings.TrimSpace(in.UserMessage)
	if in.UserMessage == "" && len(in.Candidates) == 0 {
		return types.RememberResult{}, fmt.Errorf("%w: user_message must not be empty", types.ErrInvalidInput)
	}

	if in.UserMessage != "" && s.deps.Statuses != nil {
		if _, err := s.deps.Statuses.Record(ctx, types.StatusMessage, truncate(in.UserMessage, 120), "chat"); err != nil {
			s.logger.Warn("interaction marker not saved", "error", err)
		}
	}

	candidates := in.Candidates
	if len(candidates) == 0 {
		var err error
		candidates, err = s.extract(ctx, in)
		if err != nil {
			if ctx.Err() != nil {
				return types.RememberResult{}, err
			}
			s.logger.Warn("extraction failed; turn not remembered", "session", in.SessionID, "error", err)
			return types.RememberResult{Inserted: []string{}}, nil
		}
	}
	res := types.RememberResult{Extracted: len(candidates), Inserted: []string{}}
	if len(candidates) == 0 {
		return res, nil
	}

	ids, err := s.deps.Curator.Curate(ctx, in.SessionID, candidates)
	if err != nil {
		return types.RememberResult{}, err
	}
	res.Inserted = ids
	s.logger.Debug("turn remembered", "session", in.SessionID, "extracted", res.Extracted, "inserted", len(ids))
	return res, nil
}

// extract calls the extractor with the same bounded retries the ranker uses
// for reads. Input errors are not retried.
func (s *Service) extract(ctx context.Context, in types.RememberInput) ([]types.Candidate, error) {
	attempts := s.cfg.ReadAttempts
	if attempts <= 0 {
		attempts = 1
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.retryDelay), uint64(attempts-1)),
		ctx,
	)
	var out []types.Candidate
	err := backoff.Retry(func() error {
		cands, err := s.deps.Extractor.Extract(ctx, in.UserMessage, in.AssistantReply)
		if errors.Is(err, types.ErrInvalidInput) {
			return backoff.Permanent(err)
		}
		out = cands
		return err
	}, policy)
	return out, err
}

// Recall returns scored memories relevant to the query.
func (s *Service) Recall(ctx context.Context, in types.RecallInput) ([]types.ScoredMemory, error) {
	q := retrieval.Query{
		Text:      strings.TrimSpace(in.Query),
		Embedding: in.Embedding,
		Limit:     in.Limit,
		Threshold: s.cfg.DefaultThreshold,
	}
	if q.Limit <= 0 {
		q.Limit = s.cfg.DefaultLimit
	}
	if q.Limit > 50 {
		q.Limit = 50
	}
	if in.Threshold != nil {
		q.Threshold = *in.Threshold
	}
	return s.deps.Ranker.Retrieve(ctx, q)
}

// ContextPack renders recalled memories as "[category] content" lines for
// prompt injection, stopping before the token budget is exceeded.
func (s *Service) ContextPack(ctx context.Context, in types.ContextPackInput) (types.ContextPack, error) {
	if in.TokenBudget <= 0 {
		in.TokenBudget = 512
	}
	if in.Limit <= 0 {
		in.Limit = s.cfg.MaxContextPackItems
	}

	results, err := s.Recall(ctx, types.RecallInput{Query: in.Query, Limit: in.Limit})
	if err != nil {
		return types.ContextPack{}, err
	}

	seen := map[string]struct{}{}
	lines := make([]string, 0, len(results))
	ids := make([]string, 0, len(results))
	tokens := 0

	for _, r := range results {
		text := strings.TrimSpace(r.Record.Content)
		if text == "" {
			continue
		}
		norm := normalize(text)
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}

		line := fmt.Sprintf("[%s] %s", r.Record.Category, truncate(text, 300))
		lineTokens := estimateTokens(line)
		if tokens+lineTokens > in.TokenBudget {
			break
		}
		tokens += lineTokens
		lines = append(lines, line)
		ids = append(ids, r.Record.ID)
	}

	return types.ContextPack{
		Text:            strings.Join(lines, "\n"),
		EstimatedTokens: tokens,
		MemoryIDs:       ids,
	}, nil
}

// UpdateImportance overwrites a memory's importance.
func (s *Service) UpdateImportance(ctx context.Context, id string, value float64) (types.MemoryRecord, error) {
	id = strings.TrimSpace(id)
	if err := s.deps.Store.UpdateImportance(ctx, id, value); err != nil {
		return types.MemoryRecord{}, err
	}
	return s.deps.Store.GetMemory(ctx, id)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return int(math.Ceil(float64(len([]rune(s))) / 4.0))
}
