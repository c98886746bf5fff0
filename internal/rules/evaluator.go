package rules

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/xiy/companion/pkg/types"
)

// State is the outcome of evaluating one rule on one tick.
type State string

const (
	StateDisabled         State = "disabled"
	StateCooling          State = "cooling"
	StateConditionFailed  State = "condition_failed"
	StateSuppressed       State = "suppressed"
	StateAccepted         State = "accepted"
	StateAlreadyEvaluated State = "already_evaluated"
	// StateFailed means the gate passed but the history write did not, so
	// the trigger was not accepted.
	StateFailed State = "failed"
)

// Decision is the per-rule result of a tick.
type Decision struct {
	Rule  ProactiveRule
	State State
	Draw  float64
	Entry types.TriggerHistoryEntry
	Err   error
}

// Accepted reports whether the rule fired.
func (d Decision) Accepted() bool { return d.State == StateAccepted }

// Evaluator runs the rule state machine for every rule of a registry.
type Evaluator struct {
	reg    *Registry
	rand   RandomSource
	logger *log.Logger
}

// NewEvaluator builds an evaluator drawing probability gates from rnd.
func NewEvaluator(reg *Registry, rnd RandomSource, logger *log.Logger) *Evaluator {
	return &Evaluator{reg: reg, rand: rnd, logger: logger}
}

// Evaluate runs every rule against snap for tick, concurrently. Tick ids
// start at 1 and must increase; a rule is evaluated at most once per tick
// id. The evaluation time is snap.TakenAt.
func (e *Evaluator) Evaluate(ctx context.Context, tick uint64, snap types.UserStateSnapshot) ([]Decision, error) {
	rules := e.reg.rules
	out := make([]Decision, len(rules))

	g, gctx := errgroup.WithContext(ctx)
	for i, rule := range rules {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = e.evaluateRule(gctx, tick, rule, snap)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, fmt.Errorf("evaluate rules: %w", err)
	}
	return out, nil
}

func (e *Evaluator) evaluateRule(ctx context.Context, tick uint64, rule ProactiveRule, snap types.UserStateSnapshot) Decision {
	d := Decision{Rule: rule}
	if !rule.Enabled {
		d.State = StateDisabled
		return d
	}

	st := e.reg.states[rule.ID]
	st.mu.Lock()
	defer st.mu.Unlock()

	if tick <= st.lastTick {
		d.State = StateAlreadyEvaluated
		return d
	}
	st.lastTick = tick

	now := snap.TakenAt
	if !st.lastFired.IsZero() && now.Before(st.lastFired.Add(rule.Cooldown)) {
		d.State = StateCooling
		return d
	}
	if !rule.Condition.Met(snap) {
		d.State = StateConditionFailed
		return d
	}

	d.Draw = e.rand.Float64()
	if d.Draw >= rule.Probability {
		d.State = StateSuppressed
		e.logger.Debug("rule suppressed by probability gate", "rule", rule.ID, "draw", d.Draw, "probability", rule.Probability)
		return d
	}

	entry, err := e.reg.history.AppendTrigger(ctx, rule.ID, now)
	if err != nil {
		d.State = StateFailed
		d.Err = err
		e.logger.Error("trigger history write failed", "rule", rule.ID, "error", err)
		return d
	}
	st.lastFired = now
	d.State = StateAccepted
	d.Entry = entry
	e.logger.Info("rule accepted", "rule", rule.ID, "tick", tick, "history_id", entry.ID)
	return d
}
