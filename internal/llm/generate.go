package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/xiy/companion/internal/rules"
	"github.com/xiy/companion/pkg/types"
)

// MessageGenerator renders the proactive message for an accepted rule.
type MessageGenerator interface {
	Generate(ctx context.Context, rule rules.ProactiveRule, snap types.UserStateSnapshot) (string, error)
}

const generateSystemPrompt = `You are the user's AI companion and you are about to message them first.
Keep it short and natural, like a text from a friend: one or two sentences,
emoji are fine, nothing formal. Output only the message.`

// Generator asks the model for a proactive message.
type Generator struct {
	llm Completer
}

func NewGenerator(c Completer) *Generator {
	return &Generator{llm: c}
}

func (g *Generator) Generate(ctx context.Context, rule rules.ProactiveRule, snap types.UserStateSnapshot) (string, error) {
	msg, err := g.llm.Complete(ctx, generateSystemPrompt, GeneratePrompt(rule, snap))
	if err != nil {
		return "", err
	}
	if msg == "" {
		return "", fmt.Errorf("%w: empty message", types.ErrUpstreamUnavailable)
	}
	return msg, nil
}

// GeneratePrompt describes the trigger and the last five statuses of today.
func GeneratePrompt(rule rules.ProactiveRule, snap types.UserStateSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Trigger\n%s\n\n", rule.Name)
	fmt.Fprintf(&b, "## Style guide\n%s\n\n", rule.PromptHint)
	b.WriteString("## User's day so far\n")
	today := snap.Today
	if len(today) > 5 {
		today = today[len(today)-5:]
	}
	if len(today) == 0 {
		b.WriteString("No statuses recorded today.\n")
	}
	for _, st := range today {
		fmt.Fprintf(&b, "- %s %s", st.RecordedAt.Format("15:04"), st.Type)
		if st.Detail != "" {
			fmt.Fprintf(&b, ": %s", st.Detail)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// TemplateGenerator renders messages without a model.
type TemplateGenerator struct{}

func (TemplateGenerator) Generate(_ context.Context, rule rules.ProactiveRule, _ types.UserStateSnapshot) (string, error) {
	switch rule.Type {
	case rules.TypeIdle:
		return "Hey, it's been a while. What are you up to?", nil
	case rules.TypeNoWake:
		return "Good morning! Are you still asleep?", nil
	case rules.TypeStudyLong:
		return "You've been studying for a long time. Take a break and rest your eyes.", nil
	case rules.TypeMoodBad:
		return "I noticed you've been feeling down. Want to talk about it?", nil
	}
	if rule.PromptHint != "" {
		return rule.PromptHint, nil
	}
	return "", fmt.Errorf("%w: no template for rule %s", types.ErrUpstreamUnavailable, rule.ID)
}
