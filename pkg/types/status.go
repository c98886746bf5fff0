package types

import (
	"fmt"
	"strings"
	"time"
)

// StatusType is a quick status the user records (or the service infers).
type StatusType string

const (
	StatusWake          StatusType = "wake"
	StatusSleep         StatusType = "sleep"
	StatusShower        StatusType = "shower"
	StatusMealBreakfast StatusType = "meal_breakfast"
	StatusMealLunch     StatusType = "meal_lunch"
	StatusMealDinner    StatusType = "meal_dinner"
	StatusDrink         StatusType = "drink"
	StatusStudyStart    StatusType = "study_start"
	StatusStudyEnd      StatusType = "study_end"
	StatusOut           StatusType = "out"
	StatusBack          StatusType = "back"
	StatusMood          StatusType = "mood"
	StatusNote          StatusType = "note"
	// StatusMessage is recorded for every conversation turn.
	StatusMessage StatusType = "message"
)

var statusTypes = map[StatusType]struct{}{
	StatusWake: {}, StatusSleep: {}, StatusShower: {},
	StatusMealBreakfast: {}, StatusMealLunch: {}, StatusMealDinner: {},
	StatusDrink: {}, StatusStudyStart: {}, StatusStudyEnd: {},
	StatusOut: {}, StatusBack: {}, StatusMood: {}, StatusNote: {},
	StatusMessage: {},
}

// ParseStatusType accepts either a status type ("study_start") or a
// command with its subcommand ("study start", "meal lunch").
func ParseStatusType(s string) (StatusType, error) {
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: status type is required", ErrInvalidInput)
	}
	st := StatusType(strings.Join(fields, "_"))
	if _, ok := statusTypes[st]; !ok {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, s)
	}
	return st, nil
}

// StatusRecord is one row of the user's status log.
type StatusRecord struct {
	ID         int64      `json:"id"`
	Type       StatusType `json:"status_type"`
	Detail     string     `json:"detail,omitempty"`
	RecordedAt time.Time  `json:"recorded_at"`
	Source     string     `json:"source"`
}

// UserStateSnapshot is a read-only view of the user's recent state.
// Today and Recent are ordered oldest first.
type UserStateSnapshot struct {
	TakenAt           time.Time      `json:"taken_at"`
	Today             []StatusRecord `json:"today"`
	Recent            []StatusRecord `json:"recent"`
	LastInteractionAt *time.Time     `json:"last_interaction_at,omitempty"`
}

// HasTodayType reports whether a status of type t was recorded today.
func (s UserStateSnapshot) HasTodayType(t StatusType) bool {
	for _, st := range s.Today {
		if st.Type == t {
			return true
		}
	}
	return false
}

// OpenStudySince returns the start of today's study session if no
// study_end followed it.
func (s UserStateSnapshot) OpenStudySince() (time.Time, bool) {
	for i := len(s.Today) - 1; i >= 0; i-- {
		switch s.Today[i].Type {
		case StatusStudyEnd:
			return time.Time{}, false
		case StatusStudyStart:
			return s.Today[i].RecordedAt, true
		}
	}
	return time.Time{}, false
}

// RecentMoods returns the details of the last n recent statuses that are moods.
func (s UserStateSnapshot) RecentMoods(n int) []string {
	if n <= 0 || n > len(s.Recent) {
		n = len(s.Recent)
	}
	out := make([]string, 0, n)
	for _, st := range s.Recent[len(s.Recent)-n:] {
		if st.Type == StatusMood && strings.TrimSpace(st.Detail) != "" {
			out = append(out, st.Detail)
		}
	}
	return out
}
