package logsink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/docflow/pkg/types"
)

func TestMirrorKeepsWarningsAndAbove(t *testing.T) {
	store := newTestStore(t)
	sink := New(store, Config{})
	w := NewMirrorWriter(sink)

	lines := []string{
		`{"level":"debug","component":"watcher","message":"noise"}`,
		`{"level":"info","component":"watcher","message":"also noise"}`,
		`{"level":"warn","time":"2025-06-01T12:00:00Z","component":"watcher","message":"disk filling","document_id":"doc_1","free_mb":12}`,
		`{"level":"error","component":"engine","message":"node exploded","run_id":"r-1"}`,
		`{"level":"fatal","message":"daemon down"}`,
	}
	for _, line := range lines {
		n, err := w.Write([]byte(line))
		require.NoError(t, err)
		assert.Equal(t, len(line), n, "a log tee never reports short writes")
	}
	require.NoError(t, sink.Flush())

	rows, err := store.Query(Filter{Project: mirrorProject, SortBy: "received_at", SortOrder: "asc", Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 3, "debug and info are filtered out")

	warn := rows[0]
	assert.Equal(t, types.LevelWarning, warn.Level)
	assert.Equal(t, "watcher", warn.Module)
	assert.Equal(t, "disk filling", warn.Message)
	assert.Equal(t, "doc_1", warn.Context["document_id"])
	assert.Equal(t, float64(12), warn.Details["free_mb"])
	assert.Equal(t, 2025, warn.Timestamp.Year())

	assert.Equal(t, types.LevelError, rows[1].Level)
	assert.Equal(t, "r-1", rows[1].Context["run_id"])

	assert.Equal(t, types.LevelCritical, rows[2].Level)
	assert.Equal(t, "daemon", rows[2].Module, "missing component falls back to daemon")
}

func TestMirrorKeepsLifecycle(t *testing.T) {
	store := newTestStore(t)
	sink := New(store, Config{})
	w := NewMirrorWriter(sink)

	line := `{"level":"info","lifecycle":true,"component":"engine","message":"Run finished","run_id":"r-9"}`
	_, err := w.Write([]byte(line))
	require.NoError(t, err)
	require.NoError(t, sink.Flush())

	rows, err := store.Query(Filter{Level: types.LevelLifecycle, Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Run finished", rows[0].Message)
}

func TestMirrorSkipsOwnComponent(t *testing.T) {
	store := newTestStore(t)
	sink := New(store, Config{})
	w := NewMirrorWriter(sink)

	// The sink logging its own flush failures must not loop back in.
	_, err := w.Write([]byte(`{"level":"error","component":"logsink","message":"flush failed"}`))
	require.NoError(t, err)
	require.NoError(t, sink.Flush())

	st, err := sink.Stats()
	require.NoError(t, err)
	assert.Zero(t, st.LiveEntries)
}

func TestMirrorSwallowsGarbage(t *testing.T) {
	sink := New(newTestStore(t), Config{})
	w := NewMirrorWriter(sink)

	n, err := w.Write([]byte("not json at all"))
	require.NoError(t, err)
	assert.Equal(t, len("not json at all"), n)
	assert.Zero(t, sink.Staged())
}
