package logsink

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/docflow/pkg/config"
	"github.com/cuemby/docflow/pkg/types"
)

func newTestMaintenance(t *testing.T, cfg config.LogsConfig) (*Store, *Maintenance, string) {
	t.Helper()
	dir := t.TempDir()
	archiveDir := filepath.Join(dir, "archives")
	store, err := Open(filepath.Join(dir, "logs.db"), archiveDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, NewMaintenance(store, archiveDir, cfg), archiveDir
}

// agedEntry pins timestamps to midday UTC so minute-scale offsets never
// cross a day boundary regardless of when the test runs.
func agedEntry(id string, daysAgo int, offset time.Duration, project string) *types.LogEntry {
	ts := startOfDay(time.Now().UTC()).AddDate(0, 0, -daysAgo).Add(12*time.Hour + offset)
	return testEntry(id, ts, project, types.LevelInfo, "m", "msg "+id)
}

func TestCompressMovesOldDays(t *testing.T) {
	store, maint, archiveDir := newTestMaintenance(t, config.LogsConfig{
		CompressAfterDays:    7,
		RetentionDays:        30,
		ArchiveRetentionDays: 365,
	})

	old1 := agedEntry("OLD1", 10, 0, "alpha")
	old2 := agedEntry("OLD2", 10, time.Minute, "alpha")
	old3 := agedEntry("OLD3", 9, 0, "beta")
	fresh := agedEntry("FRESH", 0, 0, "alpha")
	require.NoError(t, store.InsertBatch([]*types.LogEntry{old1, old2, old3, fresh}))

	require.NoError(t, maint.RunOnce())

	st, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.LiveEntries)
	assert.Equal(t, int64(3), st.ArchivedEntries)
	assert.Equal(t, 2, st.ArchiveSegments, "one segment per day")

	for _, e := range []*types.LogEntry{old1, old3} {
		segment := filepath.Join(archiveDir, dayKey(e.Timestamp)+".zip")
		_, err := os.Stat(segment)
		assert.NoError(t, err, "segment %s exists", segment)
	}

	// Archived rows leave the live table.
	_, err = store.GetByID("OLD1")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestQueryMergesArchives(t *testing.T) {
	store, maint, _ := newTestMaintenance(t, config.LogsConfig{
		CompressAfterDays:    7,
		RetentionDays:        30,
		ArchiveRetentionDays: 365,
	})

	old := agedEntry("OLD", 10, 0, "alpha")
	old.Context = map[string]any{"document_id": "doc_7"}
	fresh := agedEntry("FRESH", 0, 0, "alpha")
	fresh.Context = map[string]any{"document_id": "doc_7"}
	require.NoError(t, store.InsertBatch([]*types.LogEntry{old, fresh}))
	require.NoError(t, maint.RunOnce())

	start := time.Now().UTC().AddDate(0, 0, -15)
	rows, err := store.Query(Filter{
		Start:     &start,
		SortBy:    "timestamp",
		SortOrder: "asc",
		Limit:     10,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2, "ranged query sees archived and live rows")
	assert.Equal(t, "OLD", rows[0].ID)
	assert.Equal(t, "FRESH", rows[1].ID)

	// Archived correlation survives the round trip through JSONL.
	history, err := store.Query(Filter{
		DocumentID:      "doc_7",
		SortBy:          "timestamp",
		SortOrder:       "asc",
		Limit:           10,
		IncludeArchived: true,
	})
	require.NoError(t, err)
	assert.Len(t, history, 2)

	// Without a start date or the archive flag, only live rows answer.
	liveOnly, err := store.Query(Filter{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, liveOnly, 1)
}

func TestCompressIsIdempotent(t *testing.T) {
	store, maint, _ := newTestMaintenance(t, config.LogsConfig{
		CompressAfterDays:    7,
		RetentionDays:        30,
		ArchiveRetentionDays: 365,
	})

	old := agedEntry("OLD", 10, 0, "alpha")
	require.NoError(t, store.InsertBatch([]*types.LogEntry{old}))
	require.NoError(t, maint.RunOnce())

	// A late producer backfills the already-archived day; the next pass
	// merges instead of clobbering.
	late := agedEntry("LATE", 10, time.Minute, "alpha")
	require.NoError(t, store.InsertBatch([]*types.LogEntry{late}))
	require.NoError(t, maint.RunOnce())

	st, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.LiveEntries)
	assert.Equal(t, int64(2), st.ArchivedEntries)
	assert.Equal(t, 1, st.ArchiveSegments)

	start := time.Now().UTC().AddDate(0, 0, -15)
	rows, err := store.Query(Filter{Start: &start, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, rows, 2, "no duplicates after the merge")
}

func TestCleanupPrunesExpiredRows(t *testing.T) {
	store, maint, _ := newTestMaintenance(t, config.LogsConfig{
		RetentionDays:        5,
		ArchiveRetentionDays: 365,
	})

	require.NoError(t, store.InsertBatch([]*types.LogEntry{
		agedEntry("OLD", 10, 0, "alpha"),
		agedEntry("FRESH", 0, 0, "alpha"),
	}))
	require.NoError(t, maint.RunOnce())

	st, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.LiveEntries, "compression disabled, cleanup still prunes")

	_, err = store.GetByID("FRESH")
	assert.NoError(t, err)
}

func TestExpireRemovesOldSegments(t *testing.T) {
	store, maint, archiveDir := newTestMaintenance(t, config.LogsConfig{
		CompressAfterDays:    7,
		RetentionDays:        30,
		ArchiveRetentionDays: 365,
	})

	old := agedEntry("OLD", 10, 0, "alpha")
	require.NoError(t, store.InsertBatch([]*types.LogEntry{old}))
	require.NoError(t, maint.RunOnce())

	st, err := store.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, st.ArchiveSegments)

	// Re-run with a much shorter archive window.
	shorter := NewMaintenance(store, archiveDir, config.LogsConfig{
		CompressAfterDays:    7,
		RetentionDays:        8,
		ArchiveRetentionDays: 8,
	})
	require.NoError(t, shorter.RunOnce())

	st, err = store.Stats()
	require.NoError(t, err)
	assert.Zero(t, st.ArchiveSegments)
	assert.Zero(t, st.ArchivedEntries)

	segment := filepath.Join(archiveDir, dayKey(old.Timestamp)+".zip")
	_, err = os.Stat(segment)
	assert.True(t, os.IsNotExist(err), "segment file removed")
}

func TestSegmentRoundTrip(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	entries := make([]*types.LogEntry, 0, 3)
	for i := 0; i < 3; i++ {
		e := testEntry(fmt.Sprintf("E%d", i), base.Add(time.Duration(i)*time.Hour),
			"alpha", types.LevelInfo, "m", "archived message")
		e.Details = map[string]any{"n": float64(i)}
		entries = append(entries, e)
	}

	path, err := writeSegment(dir, "20250601", entries)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "20250601.zip"), path)

	got, err := readSegment(path)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "E0", got[0].ID)
	assert.Equal(t, float64(2), got[2].Details["n"])
	assert.True(t, got[1].Timestamp.Equal(base.Add(time.Hour)))
}

func TestDayBounds(t *testing.T) {
	start, end, err := dayBounds("20250601")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC).UnixNano(), start)
	assert.Equal(t, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC).UnixNano(), end)

	_, _, err = dayBounds("junk")
	assert.Error(t, err)
}
