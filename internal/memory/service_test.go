package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/companion/internal/config"
	"github.com/xiy/companion/internal/retrieval"
	"github.com/xiy/companion/pkg/types"
)

type fakeStore struct {
	records map[string]types.MemoryRecord
}

func (f *fakeStore) GetMemory(_ context.Context, id string) (types.MemoryRecord, error) {
	rec, ok := f.records[id]
	if !ok {
		return types.MemoryRecord{}, types.ErrNotFound
	}
	return rec, nil
}

func (f *fakeStore) UpdateImportance(_ context.Context, id string, value float64) error {
	rec, ok := f.records[id]
	if !ok {
		return types.ErrNotFound
	}
	rec.Importance = value
	f.records[id] = rec
	return nil
}

type fakeRanker struct {
	results []types.ScoredMemory
	last    retrieval.Query
}

func (f *fakeRanker) Retrieve(_ context.Context, q retrieval.Query) ([]types.ScoredMemory, error) {
	f.last = q
	if len(f.results) > q.Limit {
		return f.results[:q.Limit], nil
	}
	return f.results, nil
}

type fakeCurator struct {
	session string
	got     []types.Candidate
}

func (f *fakeCurator) Curate(_ context.Context, sessionID string, cands []types.Candidate) ([]string, error) {
	f.session = sessionID
	f.got = append(f.got, cands...)
	ids := make([]string, len(cands))
	for i := range cands {
		ids[i] = "m" + string(rune('1'+i))
	}
	return ids, nil
}

type fakeExtractor struct {
	cands    []types.Candidate
	err      error
	failures int
	calls    int
}

// Extract fails the first failures calls, then every call if err is set.
func (f *fakeExtractor) Extract(context.Context, string, string) ([]types.Candidate, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, types.ErrUpstreamUnavailable
	}
	return f.cands, f.err
}

type fakeStatuses struct {
	recorded []types.StatusRecord
}

func (f *fakeStatuses) Record(_ context.Context, typ types.StatusType, detail, source string) (types.StatusRecord, error) {
	rec := types.StatusRecord{Type: typ, Detail: detail, Source: source}
	f.recorded = append(f.recorded, rec)
	return rec, nil
}

func newTestService(deps Deps) *Service {
	svc := NewService(deps, config.Default().Retrieval, log.NewWithOptions(io.Discard, log.Options{}))
	svc.retryDelay = time.Millisecond
	return svc
}

func TestRemember_ExtractsAndCurates(t *testing.T) {
	t.Parallel()
	ex := &fakeExtractor{cands: []types.Candidate{
		{Content: "has an exam on friday", Category: types.CategoryPredictive, Importance: 0.9},
	}}
	cur := &fakeCurator{}
	sts := &fakeStatuses{}
	svc := newTestService(Deps{Curator: cur, Extractor: ex, Statuses: sts})

	res, err := svc.Remember(context.Background(), types.RememberInput{
		SessionID:      "s1",
		UserMessage:    "  my exam is on friday  ",
		AssistantReply: "good luck!",
	})
	if err != nil {
		t.Fatalf("Remember() error = %v", err)
	}
	if res.Extracted != 1 || len(res.Inserted) != 1 {
		t.Fatalf("Remember() = %+v, want 1 extracted and 1 inserted", res)
	}
	if cur.session != "s1" {
		t.Fatalf("curator session = %q, want s1", cur.session)
	}
	if len(sts.recorded) != 1 || sts.recorded[0].Type != types.StatusMessage || sts.recorded[0].Detail != "my exam is on friday" {
		t.Fatalf("status markers = %+v", sts.recorded)
	}
}

func TestRemember_ExplicitCandidatesSkipExtraction(t *testing.T) {
	t.Parallel()
	ex := &fakeExtractor{}
	cur := &fakeCurator{}
	svc := newTestService(Deps{Curator: cur, Extractor: ex})

	_, err := svc.Remember(context.Background(), types.RememberInput{
		Candidates: []types.Candidate{{Content: "likes tea", Category: types.CategorySemantic, Importance: 0.5}},
	})
	if err != nil {
		t.Fatalf("Remember() error = %v", err)
	}
	if ex.calls != 0 {
		t.Fatalf("extractor called %d times, want 0", ex.calls)
	}
	if len(cur.got) != 1 {
		t.Fatalf("curated %d candidates, want 1", len(cur.got))
	}
}

func TestRemember_Errors(t *testing.T) {
	t.Parallel()
	svc := newTestService(Deps{Curator: &fakeCurator{}, Extractor: &fakeExtractor{}, Statuses: &fakeStatuses{}})

	if _, err := svc.Remember(context.Background(), types.RememberInput{UserMessage: "   "}); !errors.Is(err, types.ErrInvalidInput) {
		t.Fatalf("Remember(blank) error = %v, want ErrInvalidInput", err)
	}
}

func TestRemember_ExtractionFailureKeepsTurn(t *testing.T) {
	t.Parallel()
	ex := &fakeExtractor{err: types.ErrUpstreamUnavailable}
	cur := &fakeCurator{}
	sts := &fakeStatuses{}
	svc := newTestService(Deps{Curator: cur, Extractor: ex, Statuses: sts})

	res, err := svc.Remember(context.Background(), types.RememberInput{UserMessage: "hi"})
	if err != nil {
		t.Fatalf("Remember() error = %v, want nil", err)
	}
	if res.Extracted != 0 || len(res.Inserted) != 0 {
		t.Fatalf("Remember() = %+v, want empty result", res)
	}
	if want := config.Default().Retrieval.ReadAttempts; ex.calls != want {
		t.Fatalf("extractor called %d times, want %d", ex.calls, want)
	}
	if len(cur.got) != 0 {
		t.Fatalf("curator received %d candidates after failure", len(cur.got))
	}
	if len(sts.recorded) != 1 {
		t.Fatalf("expected the interaction marker, got %+v", sts.recorded)
	}

	rejected := &fakeExtractor{err: types.ErrInvalidInput}
	svc = newTestService(Deps{Curator: cur, Extractor: rejected})
	if _, err := svc.Remember(context.Background(), types.RememberInput{UserMessage: "hi"}); err != nil {
		t.Fatalf("Remember(rejected) error = %v, want nil", err)
	}
	if rejected.calls != 1 {
		t.Fatalf("input error retried %d times", rejected.calls-1)
	}
}

func TestRemember_RetriesFlakyExtractor(t *testing.T) {
	t.Parallel()
	ex := &fakeExtractor{failures: 1, cands: []types.Candidate{
		{Content: "likes jasmine tea", Category: types.CategorySemantic, Importance: 0.5},
	}}
	cur := &fakeCurator{}
	svc := newTestService(Deps{Curator: cur, Extractor: ex})

	res, err := svc.Remember(context.Background(), types.RememberInput{UserMessage: "I love jasmine tea"})
	if err != nil {
		t.Fatalf("Remember() error = %v", err)
	}
	if ex.calls != 2 || res.Extracted != 1 || len(cur.got) != 1 {
		t.Fatalf("calls = %d, result = %+v, curated = %d", ex.calls, res, len(cur.got))
	}
}

func TestRecall_AppliesDefaults(t *testing.T) {
	t.Parallel()
	rk := &fakeRanker{}
	svc := newTestService(Deps{Ranker: rk})
	cfg := config.Default().Retrieval

	if _, err := svc.Recall(context.Background(), types.RecallInput{Query: "exam"}); err != nil {
		t.Fatalf("Recall() error = %v", err)
	}
	if rk.last.Limit != cfg.DefaultLimit || rk.last.Threshold != cfg.DefaultThreshold {
		t.Fatalf("query = %+v, want configured defaults", rk.last)
	}

	zero := 0.0
	if _, err := svc.Recall(context.Background(), types.RecallInput{Query: "exam", Limit: 500, Threshold: &zero}); err != nil {
		t.Fatalf("Recall() error = %v", err)
	}
	if rk.last.Limit != 50 || rk.last.Threshold != 0 {
		t.Fatalf("query = %+v, want limit 50 and threshold 0", rk.last)
	}
}

func TestContextPack_RespectsTokenBudget(t *testing.T) {
	t.Parallel()
	rk := &fakeRanker{results: []types.ScoredMemory{
		{Record: types.MemoryRecord{ID: "a", Content: "first long memory entry", Category: types.CategorySemantic}, Score: 0.9},
		{Record: types.MemoryRecord{ID: "b", Content: "second long memory entry", Category: types.CategoryEpisodic}, Score: 0.8},
	}}
	svc := newTestService(Deps{Ranker: rk})

	pack, err := svc.ContextPack(context.Background(), types.ContextPackInput{
		Query:       "memory",
		TokenBudget: 5,
		Limit:       10,
	})
	if err != nil {
		t.Fatalf("ContextPack() error = %v", err)
	}
	if pack.EstimatedTokens > 5 {
		t.Fatalf("expected token budget <= 5, got %d", pack.EstimatedTokens)
	}
}

func TestContextPack_FormatsAndDedups(t *testing.T) {
	t.Parallel()
	rk := &fakeRanker{results: []types.ScoredMemory{
		{Record: types.MemoryRecord{ID: "a", Content: "Has an exam on Friday", Category: types.CategoryPredictive}},
		{Record: types.MemoryRecord{ID: "b", Content: "has an  exam on friday", Category: types.CategoryEpisodic}},
		{Record: types.MemoryRecord{ID: "c", Content: "likes jasmine tea", Category: types.CategorySemantic}},
	}}
	svc := newTestService(Deps{Ranker: rk})

	pack, err := svc.ContextPack(context.Background(), types.ContextPackInput{Query: "friday"})
	if err != nil {
		t.Fatalf("ContextPack() error = %v", err)
	}
	want := "[predictive] Has an exam on Friday\n[semantic] likes jasmine tea"
	if pack.Text != want {
		t.Fatalf("pack text = %q, want %q", pack.Text, want)
	}
	if strings.Join(pack.MemoryIDs, ",") != "a,c" {
		t.Fatalf("memory ids = %v, want [a c]", pack.MemoryIDs)
	}
	if rk.last.Limit != config.Default().Retrieval.MaxContextPackItems {
		t.Fatalf("limit = %d, want max context pack items", rk.last.Limit)
	}
}

func TestUpdateImportance(t *testing.T) {
	t.Parallel()
	st := &fakeStore{records: map[string]types.MemoryRecord{"a": {ID: "a", Importance: 0.4}}}
	svc := newTestService(Deps{Store: st})

	rec, err := svc.UpdateImportance(context.Background(), " a ", 0.9)
	if err != nil {
		t.Fatalf("UpdateImportance() error = %v", err)
	}
	if rec.Importance != 0.9 {
		t.Fatalf("importance = %v, want 0.9", rec.Importance)
	}
	if _, err := svc.UpdateImportance(context.Background(), "missing", 0.9); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("UpdateImportance(missing) error = %v, want ErrNotFound", err)
	}
}
