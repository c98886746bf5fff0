// Package llm wraps the language model calls: candidate memory extraction
// and proactive message generation.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/charmbracelet/log"

	"github.com/xiy/companion/internal/config"
	"github.com/xiy/companion/pkg/types"
)

// Completer sends one system+user prompt and returns the text reply.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// AnthropicCompleter calls the Anthropic Messages API.
type AnthropicCompleter struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	timeout   time.Duration
}

// NewAnthropic builds a completer for model.
func NewAnthropic(apiKey, model string, maxTokens int64, timeout time.Duration) *AnthropicCompleter {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicCompleter{
		client:    &client,
		model:     model,
		maxTokens: maxTokens,
		timeout:   timeout,
	}
}

func (a *AnthropicCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%w: claude API error: %v", types.ErrUpstreamUnavailable, err)
	}
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// Clients bundles the configured extractor and message generator.
type Clients struct {
	Extractor CandidateExtractor
	Generator MessageGenerator
}

// New wires Anthropic-backed clients when an API key is present, and the
// offline fallbacks otherwise.
func New(cfg config.LLMConfig, logger *log.Logger) Clients {
	key := cfg.APIKey()
	if key == "" {
		logger.Warn("no LLM API key configured; memory extraction disabled and proactive messages use templates", "env", cfg.APIKeyEnv)
		return Clients{
			Extractor: NoopExtractor{},
			Generator: TemplateGenerator{},
		}
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	return Clients{
		Extractor: NewExtractor(NewAnthropic(key, cfg.ExtractModel, cfg.MaxTokens, timeout), logger),
		Generator: NewGenerator(NewAnthropic(key, cfg.MessageModel, cfg.MaxTokens, timeout)),
	}
}
