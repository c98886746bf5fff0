package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xiy/companion/internal/config"
	"github.com/xiy/companion/pkg/types"
)

type rulesFile struct {
	Rules []rawRule `yaml:"rules"`
}

type rawRule struct {
	ID              string    `yaml:"id"`
	Name            string    `yaml:"name"`
	Type            RuleType  `yaml:"type"`
	Enabled         *bool     `yaml:"enabled"`
	Probability     *float64  `yaml:"probability"`
	CooldownMinutes *int      `yaml:"cooldown_minutes"`
	PromptHint      string    `yaml:"prompt_hint"`
	Params          yaml.Node `yaml:"params"`
}

// LoadFile reads rules from a YAML file. An empty path or a missing file
// yields the built-in defaults.
func LoadFile(path string) ([]ProactiveRule, error) {
	if strings.TrimSpace(path) == "" {
		return Defaults(), nil
	}
	b, err := os.ReadFile(config.ExpandPath(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Defaults(), nil
		}
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return Parse(b)
}

// Parse decodes a rules document. Unknown fields, unknown rule types and
// unknown params are rejected.
func Parse(data []byte) ([]ProactiveRule, error) {
	var f rulesFile
	if err := strictDecode(data, &f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: rules file is empty", types.ErrInvalidInput)
		}
		return nil, fmt.Errorf("%w: parse rules yaml: %v", types.ErrInvalidInput, err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("%w: rules file defines no rules", types.ErrInvalidInput)
	}

	out := make([]ProactiveRule, 0, len(f.Rules))
	seen := map[string]struct{}{}
	for i, raw := range f.Rules {
		rule, err := raw.toRule()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if _, dup := seen[rule.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate rule id %q", types.ErrInvalidInput, rule.ID)
		}
		seen[rule.ID] = struct{}{}
		out = append(out, rule)
	}
	return out, nil
}

func (raw rawRule) toRule() (ProactiveRule, error) {
	rule := ProactiveRule{
		ID:          strings.TrimSpace(raw.ID),
		Name:        strings.TrimSpace(raw.Name),
		Enabled:     true,
		Type:        raw.Type,
		Probability: 0.7,
		Cooldown:    60 * time.Minute,
		PromptHint:  strings.TrimSpace(raw.PromptHint),
	}
	if rule.Name == "" {
		rule.Name = rule.ID
	}
	if raw.Enabled != nil {
		rule.Enabled = *raw.Enabled
	}
	if raw.Probability != nil {
		rule.Probability = *raw.Probability
	}
	if raw.CooldownMinutes != nil {
		rule.Cooldown = time.Duration(*raw.CooldownMinutes) * time.Minute
	}

	var err error
	switch raw.Type {
	case TypeIdle:
		c := IdleCondition{IdleMinutes: 30}
		err = decodeParams(&raw.Params, &c)
		rule.Condition = c
	case TypeNoWake:
		c := NoWakeCondition{DeadlineHour: 9}
		err = decodeParams(&raw.Params, &c)
		rule.Condition = c
	case TypeStudyLong:
		c := StudyLongCondition{StudyMinutes: 120}
		err = decodeParams(&raw.Params, &c)
		rule.Condition = c
	case TypeMoodBad:
		c := MoodBadCondition{Lookback: 5}
		err = decodeParams(&raw.Params, &c)
		rule.Condition = c
	default:
		return rule, fmt.Errorf("%w: unknown rule type %q", types.ErrInvalidInput, raw.Type)
	}
	if err != nil {
		return rule, fmt.Errorf("%w: rule %s params: %v", types.ErrInvalidInput, rule.ID, err)
	}
	if err := rule.Validate(); err != nil {
		return rule, err
	}
	return rule, nil
}

func decodeParams(node *yaml.Node, out any) error {
	if node.Kind == 0 {
		return nil
	}
	b, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	return strictDecode(b, out)
}

func strictDecode(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(out)
}
