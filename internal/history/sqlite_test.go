package history

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-benq/internal/bridges/benq"
	"github.com/nerrad567/gray-logic-benq/internal/infrastructure/database"
	_ "github.com/nerrad567/gray-logic-benq/migrations"
)

// openTestRepo opens a migrated database in a temp dir.
func openTestRepo(t *testing.T) (*SQLiteRepository, *database.DB) {
	t.Helper()

	db, err := database.OpenMigrated(context.Background(), database.Config{
		Path:        filepath.Join(t.TempDir(), "history.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	return NewSQLiteRepository(db.DB), db
}

func TestRecordStateChange(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()
	at := time.Date(2026, 10, 1, 20, 15, 0, 0, time.UTC)

	require.NoError(t, repo.RecordStateChange(ctx, "projector-01", "pow", "off", "on", at))
	require.NoError(t, repo.RecordStateChange(ctx, "projector-01", "sour", "", "hdmi", at.Add(time.Second)))

	entries, err := repo.GetHistory(ctx, "projector-01", "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Newest first
	assert.Equal(t, "sour", entries[0].Key)
	assert.Equal(t, "", entries[0].Previous)
	assert.Equal(t, "hdmi", entries[0].Value)

	assert.Equal(t, "pow", entries[1].Key)
	assert.Equal(t, "off", entries[1].Previous)
	assert.Equal(t, "on", entries[1].Value)
	assert.True(t, entries[1].RecordedAt.Equal(at), "recorded_at = %v, want %v", entries[1].RecordedAt, at)
}

func TestRecordStateChange_Validation(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()

	err := repo.RecordStateChange(ctx, "", "pow", "", "on", time.Now())
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = repo.RecordStateChange(ctx, "projector-01", "", "", "on", time.Now())
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRecordStateChange_ZeroTimeUsesNow(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()

	before := time.Now().Add(-time.Second)
	require.NoError(t, repo.RecordStateChange(ctx, "projector-01", "ltim", "1382", "1383", time.Time{}))

	entries, err := repo.GetHistory(ctx, "projector-01", "ltim", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].RecordedAt.After(before))
}

func TestGetHistory_KeyFilterAndDevices(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	require.NoError(t, repo.RecordStateChange(ctx, "projector-01", "pow", "off", "on", base))
	require.NoError(t, repo.RecordStateChange(ctx, "projector-01", "ltim", "10", "11", base.Add(time.Minute)))
	require.NoError(t, repo.RecordStateChange(ctx, "projector-02", "pow", "off", "on", base))

	entries, err := repo.GetHistory(ctx, "projector-01", "pow", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "on", entries[0].Value)

	entries, err = repo.GetHistory(ctx, "projector-03", "", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = repo.GetHistory(ctx, "", "", 10)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestGetHistory_Limits(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := range maxHistoryLimit + 10 {
		require.NoError(t, repo.RecordStateChange(ctx, "projector-01", "ltim", "", "x", base.Add(time.Duration(i)*time.Millisecond)))
	}

	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{"default", 0, defaultHistoryLimit},
		{"negative uses default", -5, defaultHistoryLimit},
		{"explicit", 7, 7},
		{"clamped", 1000, maxHistoryLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := repo.GetHistory(ctx, "projector-01", "", tt.limit)
			require.NoError(t, err)
			assert.Len(t, entries, tt.want)
		})
	}
}

func TestPruneHistory(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.RecordStateChange(ctx, "projector-01", "pow", "", "on", now.Add(-48*time.Hour)))
	require.NoError(t, repo.RecordStateChange(ctx, "projector-01", "pow", "on", "off", now.Add(-30*time.Hour)))
	require.NoError(t, repo.RecordStateChange(ctx, "projector-01", "pow", "off", "on", now.Add(-time.Hour)))

	deleted, err := repo.PruneHistory(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	entries, err := repo.GetHistory(ctx, "projector-01", "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "on", entries[0].Value)

	_, err = repo.PruneHistory(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSaveExamination(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()
	started := time.Date(2026, 10, 2, 19, 0, 0, 0, time.UTC)

	first := &benq.ExaminationReport{
		ID:                  "11111111-1111-1111-1111-111111111111",
		Model:               "W1070",
		StartedAt:           started,
		FinishedAt:          started.Add(2 * time.Minute),
		Complete:            true,
		SupportedCommands:   []string{"pow", "sour"},
		UnsupportedCommands: map[string]string{"3d": "Block item"},
		SupportedSources:    []string{"hdmi", "vga"},
		Modes:               map[string][]string{"sour": {"hdmi", "vga"}},
		Samples:             map[string]string{"pow": "on"},
	}
	second := &benq.ExaminationReport{
		ID:                "22222222-2222-2222-2222-222222222222",
		Model:             "W1070",
		StartedAt:         started.Add(time.Hour),
		FinishedAt:        started.Add(time.Hour + time.Minute),
		Complete:          false,
		SupportedCommands: []string{"pow"},
	}

	require.NoError(t, repo.SaveExamination(ctx, "projector-01", first))
	require.NoError(t, repo.SaveExamination(ctx, "projector-01", second))

	latest, err := repo.LatestExamination(ctx, "projector-01")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	assert.False(t, latest.Complete)

	// Re-saving replaces the stored copy
	second.Complete = true
	require.NoError(t, repo.SaveExamination(ctx, "projector-01", second))

	latest, err = repo.LatestExamination(ctx, "projector-01")
	require.NoError(t, err)
	assert.True(t, latest.Complete)
	assert.Equal(t, []string{"pow"}, latest.SupportedCommands)
}

func TestSaveExamination_RoundTripsReport(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()

	report := &benq.ExaminationReport{
		ID:                  "33333333-3333-3333-3333-333333333333",
		StartedAt:           time.Now().UTC().Truncate(time.Second),
		Complete:            true,
		SupportedCommands:   []string{"pow", "sour", "bri"},
		UnsupportedCommands: map[string]string{"ct": "Block item"},
		SupportedSources:    []string{"hdmi", "vga"},
		Modes:               map[string][]string{"sour": {"hdmi", "vga"}},
		Samples:             map[string]string{"bri": "50"},
	}
	require.NoError(t, repo.SaveExamination(ctx, "projector-01", report))

	latest, err := repo.LatestExamination(ctx, "projector-01")
	require.NoError(t, err)
	assert.True(t, latest.Supports("sour"))
	assert.Equal(t, "Block item", latest.UnsupportedCommands["ct"])
	assert.Equal(t, []string{"hdmi", "vga"}, latest.Modes["sour"])
	assert.Equal(t, "50", latest.Samples["bri"])
}

func TestSaveExamination_Validation(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()

	assert.ErrorIs(t, repo.SaveExamination(ctx, "projector-01", nil), ErrInvalidArgument)
	assert.ErrorIs(t, repo.SaveExamination(ctx, "", &benq.ExaminationReport{ID: "x"}), ErrInvalidArgument)
	assert.ErrorIs(t, repo.SaveExamination(ctx, "projector-01", &benq.ExaminationReport{}), ErrInvalidArgument)
}

func TestLatestExamination_NotFound(t *testing.T) {
	repo, _ := openTestRepo(t)

	_, err := repo.LatestExamination(context.Background(), "projector-01")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentRecording(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, repo.RecordStateChange(ctx, "projector-01", "ltim", "", "v", time.Now().Add(time.Duration(i)*time.Millisecond)))
		}()
	}
	wg.Wait()

	entries, err := repo.GetHistory(ctx, "projector-01", "", 50)
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}

func TestParseTimestamp(t *testing.T) {
	ts, err := parseTimestamp("2026-10-01T20:15:00.000000Z")
	require.NoError(t, err)
	assert.Equal(t, 2026, ts.Year())

	ts, err = parseTimestamp("2026-10-01T21:15:00+01:00")
	require.NoError(t, err)
	assert.Equal(t, 20, ts.Hour())

	_, err = parseTimestamp("")
	assert.Error(t, err)

	_, err = parseTimestamp("yesterday")
	assert.Error(t, err)
}
