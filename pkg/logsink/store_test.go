package logsink

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/docflow/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "logs.db"), filepath.Join(dir, "archives"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testEntry(id string, ts time.Time, project string, level types.LogLevel, module, msg string) *types.LogEntry {
	return &types.LogEntry{
		ID:         id,
		Timestamp:  ts,
		ReceivedAt: ts,
		Project:    project,
		Level:      level,
		Module:     module,
		Message:    msg,
	}
}

func TestInsertAndQueryFilters(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	entries := []*types.LogEntry{
		testEntry("01A", base, "alpha", types.LevelInfo, "ingest", "picked up"),
		testEntry("01B", base.Add(time.Minute), "alpha", types.LevelError, "ingest", "parse failed"),
		testEntry("01C", base.Add(2*time.Minute), "beta", types.LevelInfo, "ocr", "page done"),
	}
	entries[1].Context = map[string]any{"document_id": "doc_9", "file_name": "a.pdf"}
	require.NoError(t, store.InsertBatch(entries))

	byProject, err := store.Query(Filter{Project: "alpha", Limit: 10})
	require.NoError(t, err)
	require.Len(t, byProject, 2)
	assert.Equal(t, "01B", byProject[0].ID, "default sort is timestamp desc")
	assert.Equal(t, "01A", byProject[1].ID)

	byLevel, err := store.Query(Filter{Level: types.LevelError, Limit: 10})
	require.NoError(t, err)
	require.Len(t, byLevel, 1)
	assert.Equal(t, "01B", byLevel[0].ID)

	byModule, err := store.Query(Filter{Module: "ocr", Limit: 10})
	require.NoError(t, err)
	require.Len(t, byModule, 1)

	byDoc, err := store.Query(Filter{DocumentID: "doc_9", Limit: 10})
	require.NoError(t, err)
	require.Len(t, byDoc, 1)
	assert.Equal(t, "01B", byDoc[0].ID, "correlation column extracted from context")

	byFile, err := store.Query(Filter{FileName: "a.pdf", Limit: 10})
	require.NoError(t, err)
	require.Len(t, byFile, 1)

	start := base.Add(30 * time.Second)
	end := base.Add(90 * time.Second)
	byRange, err := store.Query(Filter{Start: &start, End: &end, Limit: 10})
	require.NoError(t, err)
	require.Len(t, byRange, 1)
	assert.Equal(t, "01B", byRange[0].ID)
}

func TestQueryScope(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.InsertBatch([]*types.LogEntry{
		testEntry("01A", base, "alpha", types.LevelInfo, "m", "a"),
		testEntry("01B", base.Add(time.Second), "beta", types.LevelInfo, "m", "b"),
	}))

	scoped, err := store.Query(Filter{Scope: []string{"alpha"}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "alpha", scoped[0].Project)

	// A project filter outside the scope yields nothing, not an error.
	none, err := store.Query(Filter{Project: "beta", Scope: []string{"alpha"}, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestQueryLimitSemantics(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	batch := make([]*types.LogEntry, 0, 5)
	for i := 0; i < 5; i++ {
		batch = append(batch, testEntry(
			string(rune('A'+i)), base.Add(time.Duration(i)*time.Second),
			"alpha", types.LevelInfo, "m", "msg"))
	}
	require.NoError(t, store.InsertBatch(batch))

	empty, err := store.Query(Filter{Limit: 0})
	require.NoError(t, err)
	assert.Empty(t, empty, "limit 0 returns no rows")

	two, err := store.Query(Filter{Limit: 2, SortBy: "timestamp", SortOrder: "asc"})
	require.NoError(t, err)
	require.Len(t, two, 2)
	assert.Equal(t, "A", two[0].ID)

	offset, err := store.Query(Filter{Limit: 2, Offset: 2, SortBy: "timestamp", SortOrder: "asc"})
	require.NoError(t, err)
	require.Len(t, offset, 2)
	assert.Equal(t, "C", offset[0].ID)

	clamped, err := store.Query(Filter{Limit: 50000})
	require.NoError(t, err)
	assert.Len(t, clamped, 5, "oversized limits clamp instead of erroring")
}

func TestQueryIgnoresUnknownSortColumn(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.InsertBatch([]*types.LogEntry{
		testEntry("01A", base, "alpha", types.LevelInfo, "m", "a"),
		testEntry("01B", base.Add(time.Second), "alpha", types.LevelInfo, "m", "b"),
	}))

	// An unlisted column falls back to timestamp rather than reaching
	// the SQL string.
	rows, err := store.Query(Filter{SortBy: "message; DROP TABLE logs", Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "01B", rows[0].ID)
}

func TestGetByID(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	entry := testEntry("01A", base, "alpha", types.LevelWarning, "m", "watch out")
	entry.Details = map[string]any{"disk": "sda1"}
	require.NoError(t, store.InsertBatch([]*types.LogEntry{entry}))

	got, err := store.GetByID("01A")
	require.NoError(t, err)
	assert.Equal(t, types.LevelWarning, got.Level)
	assert.Equal(t, "watch out", got.Message)
	assert.Equal(t, "sda1", got.Details["disk"])
	assert.True(t, got.Timestamp.Equal(base))

	_, err = store.GetByID("ghost")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestStats(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.InsertBatch([]*types.LogEntry{
		testEntry("01A", base, "alpha", types.LevelInfo, "m", "a"),
		testEntry("01B", base, "alpha", types.LevelError, "m", "b"),
		testEntry("01C", base, "beta", types.LevelInfo, "m", "c"),
	}))

	st, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.LiveEntries)
	assert.Equal(t, int64(0), st.ArchivedEntries)
	assert.Equal(t, int64(2), st.ByLevel["info"])
	assert.Equal(t, int64(1), st.ByLevel["error"])
	assert.Equal(t, int64(2), st.ByProject["alpha"])
	assert.Positive(t, st.DBSizeBytes)
}

func TestDeleteOlderThan(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	require.NoError(t, store.InsertBatch([]*types.LogEntry{
		testEntry("OLD", now.AddDate(0, 0, -10), "alpha", types.LevelInfo, "m", "old"),
		testEntry("OLDB", now.AddDate(0, 0, -10), "beta", types.LevelInfo, "m", "old beta"),
		testEntry("NEW", now, "alpha", types.LevelInfo, "m", "new"),
	}))

	n, err := store.DeleteOlderThan(now.AddDate(0, 0, -5), "alpha", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "project filter narrows the prune")

	n, err = store.DeleteOlderThan(now.AddDate(0, 0, -5), "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	st, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.LiveEntries)
}

func TestDeleteAll(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.InsertBatch([]*types.LogEntry{
		testEntry("01A", base, "alpha", types.LevelInfo, "m", "a"),
		testEntry("01B", base, "alpha", types.LevelInfo, "m", "b"),
	}))

	n, err := store.DeleteAll()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	st, err := store.Stats()
	require.NoError(t, err)
	assert.Zero(t, st.LiveEntries)
	assert.Zero(t, st.ArchiveSegments)
}

func TestInsertBatchIsAtomic(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.InsertBatch([]*types.LogEntry{
		testEntry("DUP", base, "alpha", types.LevelInfo, "m", "first"),
	}))

	// The second batch trips the primary key on its second row; the
	// first row must not survive the rollback.
	err := store.InsertBatch([]*types.LogEntry{
		testEntry("OK", base, "alpha", types.LevelInfo, "m", "fine"),
		testEntry("DUP", base, "alpha", types.LevelInfo, "m", "collides"),
	})
	require.Error(t, err)

	_, err = store.GetByID("OK")
	assert.ErrorIs(t, err, ErrEntryNotFound, "partial batches never land")
}
