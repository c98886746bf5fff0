package rules

import "time"

// Defaults returns the built-in rule set used when no rules file is configured.
func Defaults() []ProactiveRule {
	return []ProactiveRule{
		{
			ID:          "idle_30min",
			Name:        "check in after 30 idle minutes",
			Enabled:     true,
			Type:        TypeIdle,
			Probability: 0.5,
			Cooldown:    120 * time.Minute,
			PromptHint:  "The user has been quiet for a while. Send a light greeting and ask what they are up to.",
			Condition:   IdleCondition{IdleMinutes: 30},
		},
		{
			ID:          "no_wake_9am",
			Name:        "no wake-up recorded by 9am",
			Enabled:     true,
			Type:        TypeNoWake,
			Probability: 0.8,
			Cooldown:    60 * time.Minute,
			PromptHint:  "It is already morning and no wake-up was recorded. Gently check whether they are still asleep.",
			Condition:   NoWakeCondition{DeadlineHour: 9},
		},
		{
			ID:          "study_2h",
			Name:        "break after 2 hours of study",
			Enabled:     true,
			Type:        TypeStudyLong,
			Probability: 0.9,
			Cooldown:    30 * time.Minute,
			PromptHint:  "The user has been studying for a long time. Remind them to take a break and rest their eyes.",
			Condition:   StudyLongCondition{StudyMinutes: 120},
		},
		{
			ID:          "mood_care",
			Name:        "care after a bad mood",
			Enabled:     true,
			Type:        TypeMoodBad,
			Probability: 0.95,
			Cooldown:    180 * time.Minute,
			PromptHint:  "The user recently logged a negative mood. Reach out and ask how they are doing.",
			Condition: MoodBadCondition{
				Keywords: []string{"紧张", "焦虑", "难过", "累", "烦", "stressed", "anxious", "sad", "tired", "upset"},
				Lookback: 5,
			},
		},
	}
}
