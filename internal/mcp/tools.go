package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xiy/companion/internal/rules"
	"github.com/xiy/companion/pkg/types"
)

// ToolDefinition models MCP tool metadata.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type toolHandler func(ctx context.Context, args json.RawMessage) (any, error)

func toolDefinitions() []ToolDefinition {
	categories := []string{
		string(types.CategorySemantic), string(types.CategoryEpisodic),
		string(types.CategoryEmotional), string(types.CategoryPredictive),
	}
	return []ToolDefinition{
		{
			Name:        "memory_remember",
			Description: "Learn from one conversation turn: extract memory candidates and curate them into long-term memory.",
			InputSchema: jsonSchema(map[string]any{
				"session_id":      propString("Conversation session identifier."),
				"user_message":    propString("What the user said."),
				"assistant_reply": propString("What the companion replied."),
				"candidates": map[string]any{
					"type":        "array",
					"description": "Optional pre-extracted candidates; skips extraction when present.",
					"items": jsonSchema(map[string]any{
						"content":    propString("Memory text."),
						"type":       propStringEnum("Memory category.", categories),
						"importance": propNumber("Importance in [0,1]."),
					}, []string{"content", "type", "importance"}),
				},
			}, []string{"user_message"}),
		},
		{
			Name:        "memory_recall",
			Description: "Recall memories by semantic similarity blended with recency; high-importance memories always qualify.",
			InputSchema: jsonSchema(map[string]any{
				"query":     propString("What to recall."),
				"limit":     propNumber("Maximum results."),
				"threshold": propNumber("Minimum blended score."),
			}, []string{"query"}),
		},
		{
			Name:        "memory_context_pack",
			Description: "Return recalled memories as prompt-ready lines under a token budget.",
			InputSchema: jsonSchema(map[string]any{
				"query":        propString("Message to build context for."),
				"token_budget": propNumber("Maximum estimated tokens."),
				"limit":        propNumber("Maximum memories to consider."),
			}, []string{"query"}),
		},
		{
			Name:        "memory_update_importance",
			Description: "Overwrite the importance of a stored memory.",
			InputSchema: jsonSchema(map[string]any{
				"memory_id":  propString("Memory ID."),
				"importance": propNumber("New importance in [0,1]."),
			}, []string{"memory_id", "importance"}),
		},
		{
			Name:        "status_record",
			Description: "Record a user status, either as a command (\"meal lunch noodles\") or as type plus detail.",
			InputSchema: jsonSchema(map[string]any{
				"command": propString("Status command, e.g. \"study start\"."),
				"type":    propString("Status type, e.g. wake, mood, study_end."),
				"detail":  propString("Free-text detail."),
			}, nil),
		},
		{
			Name:        "rules_list",
			Description: "List proactive rules with their cooldown state.",
			InputSchema: jsonSchema(map[string]any{}, nil),
		},
		{
			Name:        "trigger_history",
			Description: "List recent proactive triggers, newest first.",
			InputSchema: jsonSchema(map[string]any{
				"rule_id": propString("Optional rule filter."),
				"limit":   propNumber("Maximum entries."),
			}, nil),
		},
	}
}

func (s *Server) handlers() map[string]toolHandler {
	return map[string]toolHandler{
		"memory_remember": func(ctx context.Context, args json.RawMessage) (any, error) {
			var in types.RememberInput
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			return s.backend.Memory.Remember(ctx, in)
		},
		"memory_recall": func(ctx context.Context, args json.RawMessage) (any, error) {
			var in types.RecallInput
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			return s.backend.Memory.Recall(ctx, in)
		},
		"memory_context_pack": func(ctx context.Context, args json.RawMessage) (any, error) {
			var in types.ContextPackInput
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			return s.backend.Memory.ContextPack(ctx, in)
		},
		"memory_update_importance": func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				MemoryID   string  `json:"memory_id"`
				Importance float64 `json:"importance"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			return s.backend.Memory.UpdateImportance(ctx, in.MemoryID, in.Importance)
		},
		"status_record": func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Command string `json:"command"`
				Type    string `json:"type"`
				Detail  string `json:"detail"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			if strings.TrimSpace(in.Command) != "" {
				return s.backend.Statuses.RecordCommand(ctx, in.Command)
			}
			typ, err := types.ParseStatusType(in.Type)
			if err != nil {
				return nil, err
			}
			return s.backend.Statuses.Record(ctx, typ, strings.TrimSpace(in.Detail), "mcp")
		},
		"rules_list": func(context.Context, json.RawMessage) (any, error) {
			now := time.Now()
			all := s.backend.Rules.Rules()
			out := make([]rules.RuleStatus, 0, len(all))
			for _, r := range all {
				st, err := s.backend.Rules.Status(r.ID, now)
				if err != nil {
					return nil, err
				}
				out = append(out, st)
			}
			return out, nil
		},
		"trigger_history": func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				RuleID string `json:"rule_id"`
				Limit  int    `json:"limit"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			return s.backend.Rules.History(ctx, strings.TrimSpace(in.RuleID), in.Limit)
		},
	}
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (map[string]any, error) {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: invalid tools/call params: %v", types.ErrInvalidInput, err)
	}
	h, ok := s.tools[p.Name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown tool %q", types.ErrInvalidInput, p.Name)
	}
	v, err := h(ctx, p.Arguments)
	if err != nil {
		return nil, err
	}
	return toolSuccess(v)
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: invalid arguments: %v", types.ErrInvalidInput, err)
	}
	return nil
}

func toolSuccess(v any) (map[string]any, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"content":           []map[string]any{{"type": "text", "text": string(b)}},
		"structuredContent": v,
		"isError":           false,
	}, nil
}

func jsonSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func propString(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func propStringEnum(description string, values []string) map[string]any {
	return map[string]any{"type": "string", "description": description, "enum": values}
}

func propNumber(description string) map[string]any {
	return map[string]any{"type": "number", "description": description}
}
