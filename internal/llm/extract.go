package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/xiy/companion/pkg/types"
)

// CandidateExtractor proposes memories from one conversation turn.
type CandidateExtractor interface {
	Extract(ctx context.Context, userMessage, assistantReply string) ([]types.Candidate, error)
}

const extractSystemPrompt = `You extract long-term memories from a conversation between a user and their AI companion.

Memory types:
1. semantic: stable facts about the user, preferences, habits.
2. episodic: concrete events and experiences.
3. emotional: mood changes, emotional associations, stress.
4. predictive: future plans, important dates, recurring events.

Importance (0.0-1.0):
- 0.8-1.0 critical (birthdays, major events, core preferences)
- 0.5-0.7 important (plans, mood changes, ordinary preferences)
- 0.3-0.5 minor (daily events, small details)
- below 0.3 not worth remembering

Reply with a JSON array only. Each item has "content", "type", "importance",
"emotion_tags" and "entity_refs". Reply [] when nothing is worth remembering.
Only extract explicit facts. Skip greetings. Merge related details into one item.`

// Extractor asks the model for candidate memories.
type Extractor struct {
	llm    Completer
	logger *log.Logger
}

func NewExtractor(c Completer, logger *log.Logger) *Extractor {
	return &Extractor{llm: c, logger: logger}
}

func (e *Extractor) Extract(ctx context.Context, userMessage, assistantReply string) ([]types.Candidate, error) {
	prompt := fmt.Sprintf("User: %s\nAssistant: %s\n\nExtract memories as a JSON array.", userMessage, assistantReply)
	reply, err := e.llm.Complete(ctx, extractSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}
	cands, skipped, err := ParseCandidates(reply)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		e.logger.Warn("skipped malformed memory candidates", "count", skipped)
	}
	return cands, nil
}

// ParseCandidates decodes a model reply into candidates. The reply may wrap
// the array in a fenced code block or surrounding prose. Items that fail
// validation are skipped and counted.
func ParseCandidates(reply string) ([]types.Candidate, int, error) {
	body := strings.TrimSpace(reply)
	if i := strings.Index(body, "```"); i >= 0 {
		body = body[i+3:]
		body = strings.TrimPrefix(body, "json")
		if j := strings.Index(body, "```"); j >= 0 {
			body = body[:j]
		}
	}
	start := strings.Index(body, "[")
	end := strings.LastIndex(body, "]")
	if start < 0 || end < start {
		return nil, 0, fmt.Errorf("%w: no JSON array in model reply", types.ErrUpstreamUnavailable)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(body[start:end+1]), &raw); err != nil {
		return nil, 0, fmt.Errorf("%w: decode candidates: %v", types.ErrUpstreamUnavailable, err)
	}

	out := make([]types.Candidate, 0, len(raw))
	skipped := 0
	for _, item := range raw {
		var c types.Candidate
		if err := json.Unmarshal(item, &c); err != nil {
			skipped++
			continue
		}
		c.Content = strings.TrimSpace(c.Content)
		c.Category = types.Category(strings.ToLower(strings.TrimSpace(string(c.Category))))
		if c.Validate() != nil {
			skipped++
			continue
		}
		out = append(out, c)
	}
	return out, skipped, nil
}

// NoopExtractor never proposes anything.
type NoopExtractor struct{}

func (NoopExtractor) Extract(context.Context, string, string) ([]types.Candidate, error) {
	return nil, nil
}
