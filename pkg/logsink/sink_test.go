package logsink

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/docflow/pkg/types"
)

func submission(project string, level types.LogLevel, msg string) *types.LogEntry {
	return &types.LogEntry{Project: project, Level: level, Module: "tester", Message: msg}
}

func waitForEntry(t *testing.T, store *Store, id string) *types.LogEntry {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if e, err := store.GetByID(id); err == nil {
			return e
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("entry %s never persisted", id)
	return nil
}

func TestSubmitAssignsIDAndReceivedAt(t *testing.T) {
	sink := New(newTestStore(t), Config{})

	id, err := sink.Submit(submission("alpha", types.LevelInfo, "hello"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, sink.Staged())

	require.NoError(t, sink.Flush())
	got, err := sink.GetByID(id)
	require.NoError(t, err)
	assert.False(t, got.ReceivedAt.IsZero())
	assert.True(t, got.Timestamp.Equal(got.ReceivedAt), "missing timestamp defaults to received_at")
}

func TestSubmitValidation(t *testing.T) {
	sink := New(newTestStore(t), Config{})

	cases := []struct {
		name  string
		entry *types.LogEntry
	}{
		{"bad level", &types.LogEntry{Project: "p", Level: "verbose", Module: "m"}},
		{"missing project", &types.LogEntry{Level: types.LevelInfo, Module: "m"}},
		{"missing module", &types.LogEntry{Project: "p", Level: types.LevelInfo}},
		{"oversized message", &types.LogEntry{
			Project: "p", Level: types.LevelInfo, Module: "m",
			Message: string(make([]byte, maxMessageBytes+1)),
		}},
		{"oversized details", &types.LogEntry{
			Project: "p", Level: types.LevelInfo, Module: "m",
			Details: map[string]any{"blob": string(make([]byte, maxDetailsBytes+1))},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := sink.Submit(tc.entry)
			assert.ErrorIs(t, err, ErrInvalidEntry)
		})
	}
	assert.Zero(t, sink.Staged(), "rejected entries never stage")
}

func TestSubmitBatchRejectsWhole(t *testing.T) {
	sink := New(newTestStore(t), Config{})

	_, err := sink.SubmitBatch([]*types.LogEntry{
		submission("alpha", types.LevelInfo, "fine"),
		{Project: "alpha", Level: "nope", Module: "m"},
	})
	require.ErrorIs(t, err, ErrInvalidEntry)
	assert.Contains(t, err.Error(), "entry 1")
	assert.Zero(t, sink.Staged())
}

func TestReceivedAtIsMonotonic(t *testing.T) {
	sink := New(newTestStore(t), Config{})

	batch := make([]*types.LogEntry, 20)
	for i := range batch {
		batch[i] = submission("alpha", types.LevelInfo, fmt.Sprintf("m%d", i))
	}
	_, err := sink.SubmitBatch(batch)
	require.NoError(t, err)

	for i := 1; i < len(batch); i++ {
		assert.True(t, batch[i].ReceivedAt.After(batch[i-1].ReceivedAt),
			"received_at must be strictly increasing in submission order")
	}
}

func TestRingDropsOldestWhenFull(t *testing.T) {
	store := newTestStore(t)
	sink := New(store, Config{RingMax: 5, BatchSize: 100, FlushInterval: time.Hour})

	var ids []string
	for i := 0; i < 8; i++ {
		id, err := sink.Submit(submission("alpha", types.LevelInfo, fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, 5, sink.Staged())

	require.NoError(t, sink.Flush())
	st, err := sink.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.LiveEntries)
	assert.Equal(t, uint64(3), st.Dropped)

	// The oldest three went overboard; the newest five survived.
	for _, id := range ids[:3] {
		_, err := store.GetByID(id)
		assert.ErrorIs(t, err, ErrEntryNotFound)
	}
	for _, id := range ids[3:] {
		_, err := store.GetByID(id)
		assert.NoError(t, err)
	}
}

func TestFlusherPersistsOnInterval(t *testing.T) {
	store := newTestStore(t)
	sink := New(store, Config{FlushInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sink.RunFlusher(ctx)
	}()

	id, err := sink.Submit(submission("alpha", types.LevelInfo, "tick"))
	require.NoError(t, err)
	waitForEntry(t, store, id)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("flusher did not stop")
	}
}

func TestFlusherKicksOnBatchThreshold(t *testing.T) {
	store := newTestStore(t)
	sink := New(store, Config{BatchSize: 2, FlushInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sink.RunFlusher(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	ids, err := sink.SubmitBatch([]*types.LogEntry{
		submission("alpha", types.LevelInfo, "one"),
		submission("alpha", types.LevelInfo, "two"),
	})
	require.NoError(t, err)

	// The hour-long ticker cannot be what persists these.
	waitForEntry(t, store, ids[0])
	waitForEntry(t, store, ids[1])
}

func TestFlusherDrainsOnShutdown(t *testing.T) {
	store := newTestStore(t)
	sink := New(store, Config{FlushInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sink.RunFlusher(ctx)
	}()

	id, err := sink.Submit(submission("alpha", types.LevelInfo, "last words"))
	require.NoError(t, err)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("flusher did not stop")
	}

	_, err = store.GetByID(id)
	assert.NoError(t, err, "staged entries drain on shutdown")
}

func TestLifecycleQueryAscending(t *testing.T) {
	store := newTestStore(t)
	sink := New(store, Config{})
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i, msg := range []string{"detected", "indexed", "archived"} {
		e := submission("alpha", types.LevelLifecycle, msg)
		e.Timestamp = base.Add(time.Duration(i) * time.Minute)
		e.Context = map[string]any{"document_id": "doc_42"}
		_, err := sink.Submit(e)
		require.NoError(t, err)
	}
	e := submission("alpha", types.LevelLifecycle, "unrelated")
	e.Context = map[string]any{"document_id": "doc_other"}
	_, err := sink.Submit(e)
	require.NoError(t, err)
	require.NoError(t, sink.Flush())

	history, err := sink.Lifecycle("doc_42", "", "", nil)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "detected", history[0].Message)
	assert.Equal(t, "indexed", history[1].Message)
	assert.Equal(t, "archived", history[2].Message)
}
