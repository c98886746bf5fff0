package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xiy/companion/pkg/types"
)

// InsertStatus appends one status row and returns it with its id.
func (s *SQLiteStore) InsertStatus(ctx context.Context, rec types.StatusRecord) (types.StatusRecord, error) {
	if _, err := types.ParseStatusType(string(rec.Type)); err != nil {
		return rec, err
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = s.now()
	}
	rec.RecordedAt = rec.RecordedAt.UTC()
	if strings.TrimSpace(rec.Source) == "" {
		rec.Source = "command"
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO user_status (status_type, detail, recorded_at, source) VALUES (?, ?, ?, ?)`,
		string(rec.Type), strings.TrimSpace(rec.Detail), formatTime(rec.RecordedAt), rec.Source,
	)
	if err != nil {
		return rec, fmt.Errorf("%w: insert status: %v", types.ErrUpstreamUnavailable, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return rec, fmt.Errorf("%w: status id: %v", types.ErrUpstreamUnavailable, err)
	}
	rec.ID = id
	return rec, nil
}

// StatusesSince returns statuses recorded at or after since, oldest first.
func (s *SQLiteStore) StatusesSince(ctx context.Context, since time.Time) ([]types.StatusRecord, error) {
	return s.queryStatuses(ctx, `SELECT id, status_type, detail, recorded_at, source FROM user_status
WHERE recorded_at >= ?
ORDER BY recorded_at ASC, id ASC`, formatTime(since))
}

// RecentStatuses returns the last limit user statuses, oldest first.
// Conversation message markers are not included.
func (s *SQLiteStore) RecentStatuses(ctx context.Context, limit int) ([]types.StatusRecord, error) {
	out, err := s.queryStatuses(ctx, `SELECT id, status_type, detail, recorded_at, source FROM user_status
WHERE status_type != 'message'
ORDER BY recorded_at DESC, id DESC
LIMIT ?`, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LatestStatus returns the newest status of type t, if any.
func (s *SQLiteStore) LatestStatus(ctx context.Context, t types.StatusType) (types.StatusRecord, bool, error) {
	out, err := s.queryStatuses(ctx, `SELECT id, status_type, detail, recorded_at, source FROM user_status
WHERE status_type = ?
ORDER BY recorded_at DESC, id DESC
LIMIT 1`, string(t))
	if err != nil {
		return types.StatusRecord{}, false, err
	}
	if len(out) == 0 {
		return types.StatusRecord{}, false, nil
	}
	return out[0], true, nil
}

func (s *SQLiteStore) queryStatuses(ctx context.Context, q string, args ...any) ([]types.StatusRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query statuses: %v", types.ErrUpstreamUnavailable, err)
	}
	defer rows.Close()

	var out []types.StatusRecord
	for rows.Next() {
		var rec types.StatusRecord
		var st, recordedAt string
		if err := rows.Scan(&rec.ID, &st, &rec.Detail, &recordedAt, &rec.Source); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		rec.Type = types.StatusType(st)
		if rec.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, fmt.Errorf("parse status time: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
