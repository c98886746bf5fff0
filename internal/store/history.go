package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/xiy/companion/pkg/types"
)

// AppendTrigger durably records that ruleID fired at firedAt and returns the
// entry id. The message summary is filled in later by UpdateTriggerSummary.
func (s *SQLiteStore) AppendTrigger(ctx context.Context, ruleID string, firedAt time.Time) (types.TriggerHistoryEntry, error) {
	ruleID = strings.TrimSpace(ruleID)
	if ruleID == "" {
		return types.TriggerHistoryEntry{}, fmt.Errorf("%w: rule id is required", types.ErrInvalidInput)
	}
	entry := types.TriggerHistoryEntry{
		ID:      ulid.Make().String(),
		RuleID:  ruleID,
		FiredAt: firedAt.UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trigger_history (id, rule_id, fired_at, message_summary) VALUES (?, ?, ?, '')`,
		entry.ID, entry.RuleID, formatTime(entry.FiredAt),
	)
	if err != nil {
		return types.TriggerHistoryEntry{}, fmt.Errorf("%w: append trigger: %v", types.ErrUpstreamUnavailable, err)
	}
	return entry, nil
}

// UpdateTriggerSummary attaches the generated message summary to an entry.
func (s *SQLiteStore) UpdateTriggerSummary(ctx context.Context, id, summary string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE trigger_history SET message_summary = ? WHERE id = ?`, summary, id)
	if err != nil {
		return fmt.Errorf("%w: update trigger summary: %v", types.ErrUpstreamUnavailable, err)
	}
	return expectOneRow(res, "trigger", id)
}

// LastTriggerTimes returns the most recent fire time of every rule that has
// ever fired.
func (s *SQLiteStore) LastTriggerTimes(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT rule_id, max(fired_at) FROM trigger_history GROUP BY rule_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: last trigger times: %v", types.ErrUpstreamUnavailable, err)
	}
	defer rows.Close()

	out := map[string]time.Time{}
	for rows.Next() {
		var ruleID, firedAt string
		if err := rows.Scan(&ruleID, &firedAt); err != nil {
			return nil, fmt.Errorf("scan trigger time: %w", err)
		}
		ts, err := parseTime(firedAt)
		if err != nil {
			return nil, fmt.Errorf("parse trigger time: %w", err)
		}
		out[ruleID] = ts
	}
	return out, rows.Err()
}

// RecentTriggers lists history newest first. An empty ruleID lists all rules.
func (s *SQLiteStore) RecentTriggers(ctx context.Context, ruleID string, limit int) ([]types.TriggerHistoryEntry, error) {
	q := `SELECT id, rule_id, fired_at, message_summary FROM trigger_history`
	args := []any{}
	if ruleID = strings.TrimSpace(ruleID); ruleID != "" {
		q += ` WHERE rule_id = ?`
		args = append(args, ruleID)
	}
	q += ` ORDER BY fired_at DESC, id DESC LIMIT ?`
	args = append(args, normalizeLimit(limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list triggers: %v", types.ErrUpstreamUnavailable, err)
	}
	defer rows.Close()

	var out []types.TriggerHistoryEntry
	for rows.Next() {
		var e types.TriggerHistoryEntry
		var firedAt string
		if err := rows.Scan(&e.ID, &e.RuleID, &firedAt, &e.MessageSummary); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		if e.FiredAt, err = parseTime(firedAt); err != nil {
			return nil, fmt.Errorf("parse trigger time: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
