package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xiy/companion/pkg/types"
)

// HistoryStore persists accepted triggers.
type HistoryStore interface {
	AppendTrigger(ctx context.Context, ruleID string, firedAt time.Time) (types.TriggerHistoryEntry, error)
	LastTriggerTimes(ctx context.Context) (map[string]time.Time, error)
	RecentTriggers(ctx context.Context, ruleID string, limit int) ([]types.TriggerHistoryEntry, error)
}

type ruleState struct {
	mu        sync.Mutex
	lastFired time.Time
	lastTick  uint64
}

// RuleStatus is a read-only view of a rule's runtime state.
type RuleStatus struct {
	Rule         ProactiveRule `json:"rule"`
	LastFiredAt  *time.Time    `json:"last_fired_at,omitempty"`
	CoolingUntil *time.Time    `json:"cooling_until,omitempty"`
	Cooling      bool          `json:"cooling"`
}

// Registry owns the configured rules and their cooldown bookkeeping.
type Registry struct {
	rules   []ProactiveRule
	byID    map[string]int
	states  map[string]*ruleState
	history HistoryStore
}

// NewRegistry validates rules and restores last-fire times from history.
func NewRegistry(ctx context.Context, rules []ProactiveRule, history HistoryStore) (*Registry, error) {
	r := &Registry{
		rules:   make([]ProactiveRule, 0, len(rules)),
		byID:    make(map[string]int, len(rules)),
		states:  make(map[string]*ruleState, len(rules)),
		history: history,
	}
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byID[rule.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate rule id %q", types.ErrInvalidInput, rule.ID)
		}
		r.byID[rule.ID] = len(r.rules)
		r.rules = append(r.rules, rule)
		r.states[rule.ID] = &ruleState{}
	}

	last, err := history.LastTriggerTimes(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore trigger times: %w", err)
	}
	for id, at := range last {
		if st, ok := r.states[id]; ok {
			st.lastFired = at
		}
	}
	return r, nil
}

// Rules returns the configured rules in load order.
func (r *Registry) Rules() []ProactiveRule {
	return append([]ProactiveRule(nil), r.rules...)
}

// Rule returns one rule by id.
func (r *Registry) Rule(id string) (ProactiveRule, error) {
	i, ok := r.byID[id]
	if !ok {
		return ProactiveRule{}, fmt.Errorf("%w: rule %s", types.ErrNotFound, id)
	}
	return r.rules[i], nil
}

// Status reports whether rule id is cooling down at now.
func (r *Registry) Status(id string, now time.Time) (RuleStatus, error) {
	rule, err := r.Rule(id)
	if err != nil {
		return RuleStatus{}, err
	}
	st := r.states[id]
	st.mu.Lock()
	last := st.lastFired
	st.mu.Unlock()

	out := RuleStatus{Rule: rule}
	if last.IsZero() {
		return out, nil
	}
	until := last.Add(rule.Cooldown)
	out.LastFiredAt = &last
	out.CoolingUntil = &until
	out.Cooling = now.Before(until)
	return out, nil
}

// History lists recent accepted triggers. An empty ruleID lists all rules.
func (r *Registry) History(ctx context.Context, ruleID string, limit int) ([]types.TriggerHistoryEntry, error) {
	if ruleID != "" {
		if _, err := r.Rule(ruleID); err != nil {
			return nil, err
		}
	}
	return r.history.RecentTriggers(ctx, ruleID, limit)
}
