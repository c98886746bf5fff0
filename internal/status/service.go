// Package status records quick user statuses and builds the user-state
// snapshot read by the rule evaluator.
package status

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/companion/pkg/types"
)

// Store is the status log persistence.
type Store interface {
	InsertStatus(ctx context.Context, rec types.StatusRecord) (types.StatusRecord, error)
	StatusesSince(ctx context.Context, since time.Time) ([]types.StatusRecord, error)
	RecentStatuses(ctx context.Context, limit int) ([]types.StatusRecord, error)
	LatestStatus(ctx context.Context, t types.StatusType) (types.StatusRecord, bool, error)
}

// Service records statuses and answers snapshot queries.
type Service struct {
	store       Store
	logger      *log.Logger
	recentLimit int
	loc         *time.Location
	now         func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithLocation sets the time zone that defines "today".
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(st Store, logger *log.Logger, recentLimit int, opts ...Option) *Service {
	s := &Service{
		store:       st,
		logger:      logger,
		recentLimit: recentLimit,
		loc:         time.Local,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns the user's state as of now.
func (s *Service) Snapshot(ctx context.Context) (types.UserStateSnapshot, error) {
	now := s.now().In(s.loc)
	y, m, d := now.Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, s.loc)

	today, err := s.store.StatusesSince(ctx, dayStart)
	if err != nil {
		return types.UserStateSnapshot{}, fmt.Errorf("today statuses: %w", err)
	}
	recent, err := s.store.RecentStatuses(ctx, s.recentLimit)
	if err != nil {
		return types.UserStateSnapshot{}, fmt.Errorf("recent statuses: %w", err)
	}
	snap := types.UserStateSnapshot{
		TakenAt: now,
		Today:   s.localize(today),
		Recent:  s.localize(recent),
	}

	last, ok, err := s.store.LatestStatus(ctx, types.StatusMessage)
	if err != nil {
		return types.UserStateSnapshot{}, fmt.Errorf("last interaction: %w", err)
	}
	if ok {
		at := last.RecordedAt.In(s.loc)
		snap.LastInteractionAt = &at
	}
	return snap, nil
}

// Record stores one status now.
func (s *Service) Record(ctx context.Context, typ types.StatusType, detail, source string) (types.StatusRecord, error) {
	rec, err := s.store.InsertStatus(ctx, types.StatusRecord{
		Type:       typ,
		Detail:     detail,
		RecordedAt: s.now(),
		Source:     source,
	})
	if err != nil {
		return rec, err
	}
	s.logger.Debug("status recorded", "type", rec.Type, "source", rec.Source)
	return rec, nil
}

// RecordCommand parses a status command such as "/meal lunch noodles" or
// "study start" and records it.
func (s *Service) RecordCommand(ctx context.Context, input string) (types.StatusRecord, error) {
	typ, detail, err := ParseCommand(input)
	if err != nil {
		return types.StatusRecord{}, err
	}
	return s.Record(ctx, typ, detail, "command")
}

// subcommands lists commands whose first argument is part of the status type.
var subcommands = map[string][]string{
	"meal":  {"breakfast", "lunch", "dinner"},
	"study": {"start", "end"},
}

// ParseCommand splits a status command into its type and free-text detail.
func ParseCommand(input string) (types.StatusType, string, error) {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(input), "/"))
	if len(fields) == 0 {
		return "", "", fmt.Errorf("%w: empty status command", types.ErrInvalidInput)
	}
	cmd := strings.ToLower(fields[0])
	rest := fields[1:]
	if subs, ok := subcommands[cmd]; ok {
		if len(rest) == 0 {
			return "", "", fmt.Errorf("%w: %s needs one of %s", types.ErrInvalidInput, cmd, strings.Join(subs, ", "))
		}
		cmd += " " + strings.ToLower(rest[0])
		rest = rest[1:]
	}
	typ, err := types.ParseStatusType(cmd)
	if err != nil {
		return "", "", err
	}
	if typ == types.StatusMessage {
		return "", "", fmt.Errorf("%w: message is not a status command", types.ErrInvalidInput)
	}
	return typ, strings.Join(rest, " "), nil
}

func (s *Service) localize(in []types.StatusRecord) []types.StatusRecord {
	out := make([]types.StatusRecord, len(in))
	for i, rec := range in {
		rec.RecordedAt = rec.RecordedAt.In(s.loc)
		out[i] = rec
	}
	return out
}
