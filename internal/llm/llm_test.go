package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiy/companion/internal/config"
	"github.com/xiy/companion/internal/rules"
	"github.com/xiy/companion/pkg/types"
)

type fakeCompleter struct {
	reply      string
	err        error
	lastSystem string
	lastPrompt string
}

func (f *fakeCompleter) Complete(_ context.Context, system, prompt string) (string, error) {
	f.lastSystem = system
	f.lastPrompt = prompt
	return f.reply, f.err
}

func TestParseCandidates(t *testing.T) {
	t.Parallel()
	reply := "Here you go:\n```json\n[\n" +
		`{"content": "User has an algorithms exam next Wednesday", "type": "Predictive", "importance": 0.9, "emotion_tags": ["紧张"], "entity_refs": ["algorithms"]},` +
		`{"content": "", "type": "semantic", "importance": 0.5},` +
		`{"content": "likes running", "type": "hobby", "importance": 0.5},` +
		`{"content": "had noodles", "type": "episodic", "importance": 0.35}` +
		"\n]\n```"

	cands, skipped, err := ParseCandidates(reply)
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)
	require.Len(t, cands, 2)
	assert.Equal(t, types.CategoryPredictive, cands[0].Category)
	assert.Equal(t, []string{"紧张"}, cands[0].EmotionTags)
	assert.Equal(t, "had noodles", cands[1].Content)

	empty, _, err := ParseCandidates("[]")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, _, err = ParseCandidates("nothing to remember")
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
}

func TestExtractor(t *testing.T) {
	t.Parallel()
	fc := &fakeCompleter{reply: `[{"content": "plays tennis on thursdays", "type": "predictive", "importance": 0.6}]`}
	ex := NewExtractor(fc, log.NewWithOptions(io.Discard, log.Options{}))

	cands, err := ex.Extract(context.Background(), "I have tennis every thursday", "Nice!")
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Contains(t, fc.lastPrompt, "I have tennis every thursday")
	assert.Equal(t, extractSystemPrompt, fc.lastSystem)

	fc.err = types.ErrUpstreamUnavailable
	_, err = ex.Extract(context.Background(), "x", "y")
	assert.True(t, errors.Is(err, types.ErrUpstreamUnavailable))
}

func TestGenerator(t *testing.T) {
	t.Parallel()
	rule := rules.Defaults()[2]
	now := time.Date(2026, 4, 6, 16, 0, 0, 0, time.UTC)
	snap := types.UserStateSnapshot{TakenAt: now}
	for i := range 7 {
		snap.Today = append(snap.Today, types.StatusRecord{
			Type:       types.StatusNote,
			Detail:     string(rune('a' + i)),
			RecordedAt: now.Add(time.Duration(i-7) * time.Minute),
		})
	}

	prompt := GeneratePrompt(rule, snap)
	assert.Contains(t, prompt, rule.PromptHint)
	assert.Contains(t, prompt, rule.Name)
	assert.Equal(t, 5, strings.Count(prompt, "- 15:"))
	assert.NotContains(t, prompt, "note: a\n")
	assert.Contains(t, prompt, "note: g\n")

	fc := &fakeCompleter{reply: "Time for a break! ☕"}
	msg, err := NewGenerator(fc).Generate(context.Background(), rule, snap)
	require.NoError(t, err)
	assert.Equal(t, "Time for a break! ☕", msg)

	fc.reply = ""
	_, err = NewGenerator(fc).Generate(context.Background(), rule, snap)
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
}

func TestTemplateGenerator(t *testing.T) {
	t.Parallel()
	for _, rule := range rules.Defaults() {
		msg, err := TemplateGenerator{}.Generate(context.Background(), rule, types.UserStateSnapshot{})
		require.NoError(t, err)
		assert.NotEmpty(t, msg)
	}
}

func TestNew_WithoutKeyUsesFallbacks(t *testing.T) {
	t.Parallel()
	cfg := config.Default().LLM
	cfg.APIKeyEnv = ""
	clients := New(cfg, log.NewWithOptions(io.Discard, log.Options{}))
	assert.IsType(t, NoopExtractor{}, clients.Extractor)
	assert.IsType(t, TemplateGenerator{}, clients.Generator)
}
