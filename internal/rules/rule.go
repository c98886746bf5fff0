// Package rules defines proactive engagement rules and decides which of
// them fire on a scheduler tick.
package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/xiy/companion/pkg/types"
)

// RuleType names a condition strategy. The set is closed.
type RuleType string

const (
	TypeIdle      RuleType = "idle"
	TypeNoWake    RuleType = "no_wake"
	TypeStudyLong RuleType = "study_long"
	TypeMoodBad   RuleType = "mood_bad"
)

// Condition is the typed, per-strategy trigger condition of a rule.
type Condition interface {
	Type() RuleType
	Met(snap types.UserStateSnapshot) bool
	Validate() error
	Describe() string
}

// IdleCondition holds when the user has not interacted for IdleMinutes.
type IdleCondition struct {
	IdleMinutes int `yaml:"idle_minutes"`
}

func (IdleCondition) Type() RuleType { return TypeIdle }

func (c IdleCondition) Met(snap types.UserStateSnapshot) bool {
	if snap.LastInteractionAt == nil {
		return false
	}
	return snap.TakenAt.Sub(*snap.LastInteractionAt) >= time.Duration(c.IdleMinutes)*time.Minute
}

func (c IdleCondition) Validate() error {
	if c.IdleMinutes <= 0 {
		return fmt.Errorf("idle_minutes must be > 0")
	}
	return nil
}

func (c IdleCondition) Describe() string {
	return fmt.Sprintf("no interaction for %d minutes", c.IdleMinutes)
}

// NoWakeCondition holds when DeadlineHour has passed today without a wake status.
type NoWakeCondition struct {
	DeadlineHour int `yaml:"wake_deadline_hour"`
}

func (NoWakeCondition) Type() RuleType { return TypeNoWake }

func (c NoWakeCondition) Met(snap types.UserStateSnapshot) bool {
	return snap.TakenAt.Hour() >= c.DeadlineHour && !snap.HasTodayType(types.StatusWake)
}

func (c NoWakeCondition) Validate() error {
	if c.DeadlineHour < 0 || c.DeadlineHour > 23 {
		return fmt.Errorf("wake_deadline_hour must be within [0,23]")
	}
	return nil
}

func (c NoWakeCondition) Describe() string {
	return fmt.Sprintf("no wake status by %02d:00", c.DeadlineHour)
}

// StudyLongCondition holds when today's open study session exceeds StudyMinutes.
type StudyLongCondition struct {
	StudyMinutes int `yaml:"study_minutes"`
}

func (StudyLongCondition) Type() RuleType { return TypeStudyLong }

func (c StudyLongCondition) Met(snap types.UserStateSnapshot) bool {
	since, ok := snap.OpenStudySince()
	if !ok {
		return false
	}
	return snap.TakenAt.Sub(since) >= time.Duration(c.StudyMinutes)*time.Minute
}

func (c StudyLongCondition) Validate() error {
	if c.StudyMinutes <= 0 {
		return fmt.Errorf("study_minutes must be > 0")
	}
	return nil
}

func (c StudyLongCondition) Describe() string {
	return fmt.Sprintf("studying for %d minutes without a break", c.StudyMinutes)
}

// MoodBadCondition holds when one of the last Lookback statuses is a mood
// containing any of Keywords.
type MoodBadCondition struct {
	Keywords []string `yaml:"bad_keywords"`
	Lookback int      `yaml:"lookback"`
}

func (MoodBadCondition) Type() RuleType { return TypeMoodBad }

func (c MoodBadCondition) Met(snap types.UserStateSnapshot) bool {
	for _, mood := range snap.RecentMoods(c.Lookback) {
		for _, kw := range c.Keywords {
			if kw != "" && strings.Contains(mood, kw) {
				return true
			}
		}
	}
	return false
}

func (c MoodBadCondition) Validate() error {
	if len(c.Keywords) == 0 {
		return fmt.Errorf("bad_keywords must not be empty")
	}
	if c.Lookback < 0 {
		return fmt.Errorf("lookback must be >= 0")
	}
	return nil
}

func (c MoodBadCondition) Describe() string {
	return fmt.Sprintf("recent mood mentions one of %s", strings.Join(c.Keywords, ", "))
}

// ProactiveRule is one configured engagement rule.
type ProactiveRule struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Enabled     bool          `json:"enabled"`
	Type        RuleType      `json:"type"`
	Probability float64       `json:"probability"`
	Cooldown    time.Duration `json:"cooldown"`
	PromptHint  string        `json:"prompt_hint"`
	Condition   Condition     `json:"-"`
}

// Validate checks rule-level fields and the condition parameters.
func (r ProactiveRule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: rule id is required", types.ErrInvalidInput)
	}
	if r.Probability != r.Probability || r.Probability < 0 || r.Probability > 1 {
		return fmt.Errorf("%w: rule %s: probability %v outside [0,1]", types.ErrInvalidInput, r.ID, r.Probability)
	}
	if r.Cooldown < 0 {
		return fmt.Errorf("%w: rule %s: cooldown must be >= 0", types.ErrInvalidInput, r.ID)
	}
	if r.Condition == nil {
		return fmt.Errorf("%w: rule %s: condition is required", types.ErrInvalidInput, r.ID)
	}
	if r.Condition.Type() != r.Type {
		return fmt.Errorf("%w: rule %s: condition type %s does not match %s", types.ErrInvalidInput, r.ID, r.Condition.Type(), r.Type)
	}
	if err := r.Condition.Validate(); err != nil {
		return fmt.Errorf("%w: rule %s: %v", types.ErrInvalidInput, r.ID, err)
	}
	return nil
}
