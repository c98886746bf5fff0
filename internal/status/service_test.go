package status

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/companion/internal/store"
	"github.com/xiy/companion/pkg/types"
)

func TestParseCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input      string
		wantType   types.StatusType
		wantDetail string
		wantErr    bool
	}{
		{"/wake", types.StatusWake, "", false},
		{"/meal lunch beef noodles", types.StatusMealLunch, "beef noodles", false},
		{"study START", types.StatusStudyStart, "", false},
		{"/mood 有点累", types.StatusMood, "有点累", false},
		{"/meal", "", "", true},
		{"/study later", "", "", true},
		{"/dance", "", "", true},
		{"/message hi", "", "", true},
		{"   ", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			typ, detail, err := ParseCommand(tt.input)
			if tt.wantErr {
				if !errors.Is(err, types.ErrInvalidInput) {
					t.Fatalf("ParseCommand(%q) error = %v, want ErrInvalidInput", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCommand(%q) error = %v", tt.input, err)
			}
			if typ != tt.wantType || detail != tt.wantDetail {
				t.Fatalf("ParseCommand(%q) = %q, %q; want %q, %q", tt.input, typ, detail, tt.wantType, tt.wantDetail)
			}
		})
	}
}

func TestService_Snapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	logger := log.NewWithOptions(io.Discard, log.Options{})
	st, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "companion.db"), logger)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer st.Close()

	loc := time.FixedZone("CST", 8*3600)
	now := time.Date(2026, 4, 5, 10, 0, 0, 0, loc)
	clock := now

	svc := NewService(st, logger, 5, WithLocation(loc), WithClock(func() time.Time { return clock }))

	clock = now.Add(-12 * time.Hour)
	if _, err := svc.RecordCommand(ctx, "/sleep"); err != nil {
		t.Fatalf("RecordCommand(sleep) error = %v", err)
	}
	clock = now.Add(-2 * time.Hour)
	if _, err := svc.RecordCommand(ctx, "/study start algorithms"); err != nil {
		t.Fatalf("RecordCommand(study) error = %v", err)
	}
	clock = now.Add(-time.Hour)
	if _, err := svc.Record(ctx, types.StatusMessage, "", "chat"); err != nil {
		t.Fatalf("Record(message) error = %v", err)
	}
	clock = now.Add(-30 * time.Minute)
	if _, err := svc.RecordCommand(ctx, "/mood 焦虑"); err != nil {
		t.Fatalf("RecordCommand(mood) error = %v", err)
	}
	clock = now

	snap, err := svc.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if !snap.TakenAt.Equal(now) || snap.TakenAt.Location() != loc {
		t.Fatalf("unexpected TakenAt %v", snap.TakenAt)
	}
	if len(snap.Today) != 3 {
		t.Fatalf("expected 3 statuses today, got %+v", snap.Today)
	}
	if snap.HasTodayType(types.StatusSleep) {
		t.Fatalf("yesterday's sleep must not count as today")
	}
	since, ok := snap.OpenStudySince()
	if !ok || !since.Equal(now.Add(-2*time.Hour)) {
		t.Fatalf("expected open study since %v, got %v (%v)", now.Add(-2*time.Hour), since, ok)
	}
	if snap.LastInteractionAt == nil || !snap.LastInteractionAt.Equal(now.Add(-time.Hour)) {
		t.Fatalf("unexpected last interaction %v", snap.LastInteractionAt)
	}
	if len(snap.Recent) != 3 {
		t.Fatalf("expected message markers excluded from recent, got %+v", snap.Recent)
	}
	if moods := snap.RecentMoods(5); len(moods) != 1 || moods[0] != "焦虑" {
		t.Fatalf("unexpected moods %v", moods)
	}
}
