package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/docflow/pkg/bus"
	"github.com/cuemby/docflow/pkg/eventstore"
	"github.com/cuemby/docflow/pkg/ids"
	"github.com/cuemby/docflow/pkg/trigger"
	"github.com/cuemby/docflow/pkg/types"
	"github.com/cuemby/docflow/pkg/vectorindex"
)

type startCall struct {
	workflowID string
	payload    map[string]any
	eventID    string
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []startCall
	fail  error
}

func (f *fakeRunner) StartRun(workflowID string, payload map[string]any, eventID string) (*types.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.calls = append(f.calls, startCall{workflowID: workflowID, payload: payload, eventID: eventID})
	return &types.Run{ID: ids.NewRunID(), WorkflowID: workflowID, Status: types.RunRunning}, nil
}

func (f *fakeRunner) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

func (f *fakeRunner) started() []startCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]startCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type flakyIndex struct {
	vectorindex.Index
	mu   sync.Mutex
	fail error
}

func (f *flakyIndex) Remove(ctx context.Context, documentID string) error {
	f.mu.Lock()
	err := f.fail
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Index.Remove(ctx, documentID)
}

func (f *flakyIndex) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

type fixture struct {
	store  *eventstore.Store
	router *trigger.Router
	runner *fakeRunner
	index  *vectorindex.Memory
	broker *bus.Broker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := eventstore.Open(filepath.Join(t.TempDir(), "events.db"), eventstore.Config{
		Debounce:    10 * time.Millisecond,
		MaxAttempts: 3,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := bus.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return &fixture{
		store:  store,
		router: trigger.NewRouter(),
		runner: &fakeRunner{},
		index:  vectorindex.NewMemory(),
		broker: broker,
	}
}

func (f *fixture) dispatcher(mutate func(*Config)) *Dispatcher {
	cfg := Config{HandlerID: "test-handler", ClaimTTL: time.Minute}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, f.store, f.router, f.runner, f.index, f.broker)
}

func (f *fixture) append(t *testing.T, ev *types.Event) string {
	t.Helper()
	id, _, err := f.store.Append(ev)
	require.NoError(t, err)
	return id
}

// triggeredWorkflow is the minimal definition the router needs to route
// events of one kind into a workflow.
func triggeredWorkflow(id string, kind types.EventKind) *types.Workflow {
	return &types.Workflow{
		ID:   id,
		Name: id,
		Triggers: []*types.Trigger{{
			ID:         "t1",
			Source:     "*",
			Kind:       kind,
			TargetNode: "entry",
		}},
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConfigDefaults(t *testing.T) {
	f := newFixture(t)

	d := New(Config{}, f.store, f.router, f.runner, f.index, f.broker)
	assert.NotEmpty(t, d.cfg.HandlerID)
	assert.Equal(t, defaultClaimBatch, d.cfg.ClaimBatch)
	assert.Equal(t, 5*time.Minute, d.cfg.ClaimTTL)
	assert.Equal(t, 150*time.Second, d.cfg.ReleaseEvery)

	d = New(Config{ClaimTTL: time.Minute}, f.store, f.router, f.runner, f.index, f.broker)
	assert.Equal(t, 30*time.Second, d.cfg.ReleaseEvery)
}

func TestHandleCreatedStartsRunAndUpsertsRecord(t *testing.T) {
	f := newFixture(t)
	f.router.Rebuild([]*types.Workflow{triggeredWorkflow("wf-ingest", types.EventCreated)})
	d := f.dispatcher(nil)

	id := f.append(t, &types.Event{
		Source:      types.SourceWatcher,
		Kind:        types.EventCreated,
		Path:        "/w/a.md",
		SizeBytes:   42,
		ContentHash: "h1",
	})

	n, err := d.claimAndHandle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ev, err := f.store.GetEvent(id)
	require.NoError(t, err)
	assert.Equal(t, types.EventDone, ev.Status)

	calls := f.runner.started()
	require.Len(t, calls, 1)
	assert.Equal(t, "wf-ingest", calls[0].workflowID)
	assert.Equal(t, id, calls[0].eventID)
	assert.Equal(t, "/w/a.md", calls[0].payload["path"])
	assert.Equal(t, "created", calls[0].payload["kind"])
	assert.Equal(t, ids.DocumentID("/w/a.md"), calls[0].payload["document_id"])

	rec, err := f.store.GetDocument(ids.DocumentID("/w/a.md"))
	require.NoError(t, err)
	assert.Equal(t, "/w/a.md", rec.CurrentPath)
	assert.Equal(t, "a.md", rec.FileName)
	assert.Equal(t, "h1", rec.ContentHash)
	assert.Nil(t, rec.IndexedAt)
}

func TestHandleNoRoutesStillCompletes(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(nil)

	id := f.append(t, &types.Event{
		Source: types.SourceWatcher,
		Kind:   types.EventCreated,
		Path:   "/w/quiet.md",
	})

	n, err := d.claimAndHandle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ev, err := f.store.GetEvent(id)
	require.NoError(t, err)
	assert.Equal(t, types.EventDone, ev.Status)
	assert.Empty(t, f.runner.started())

	// Document bookkeeping is independent of workflow routing.
	_, err = f.store.GetDocument(ids.DocumentID("/w/quiet.md"))
	require.NoError(t, err)
}

func TestMultipleTriggersStartAllRuns(t *testing.T) {
	f := newFixture(t)
	f.router.Rebuild([]*types.Workflow{
		triggeredWorkflow("wf-embed", types.EventCreated),
		triggeredWorkflow("wf-notify", types.EventCreated),
	})
	d := f.dispatcher(nil)

	id := f.append(t, &types.Event{
		Source: types.SourceWatcher,
		Kind:   types.EventCreated,
		Path:   "/w/fanout.md",
	})

	_, err := d.claimAndHandle(context.Background())
	require.NoError(t, err)

	calls := f.runner.started()
	require.Len(t, calls, 2)
	got := []string{calls[0].workflowID, calls[1].workflowID}
	assert.ElementsMatch(t, []string{"wf-embed", "wf-notify"}, got)

	ev, err := f.store.GetEvent(id)
	require.NoError(t, err)
	assert.Equal(t, types.EventDone, ev.Status)
}

func TestHandleDeletedRemovesIndexEntryAndRecord(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(nil)

	docID := ids.DocumentID("/w/gone.md")
	require.NoError(t, f.store.PutDocument(&types.DocumentRecord{
		DocumentID:  docID,
		CurrentPath: "/w/gone.md",
		FileName:    "gone.md",
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}))
	require.NoError(t, f.index.Upsert(context.Background(), vectorindex.Entry{
		DocumentID: docID, Path: "/w/gone.md", Chunks: 3,
	}))

	id := f.append(t, &types.Event{
		Source: types.SourceWatcher,
		Kind:   types.EventDeleted,
		Path:   "/w/gone.md",
	})

	_, err := d.claimAndHandle(context.Background())
	require.NoError(t, err)

	ev, err := f.store.GetEvent(id)
	require.NoError(t, err)
	assert.Equal(t, types.EventDone, ev.Status)

	assert.Equal(t, 0, f.index.Len())
	_, err = f.store.GetDocument(docID)
	assert.ErrorIs(t, err, eventstore.ErrDocumentNotFound)
}

func TestHandleMovedRetiresOldDocument(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(nil)

	oldID := ids.DocumentID("/w/old.md")
	created := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, f.store.PutDocument(&types.DocumentRecord{
		DocumentID:  oldID,
		CurrentPath: "/w/old.md",
		FileName:    "old.md",
		ContentHash: "h-old",
		CreatedAt:   created,
		UpdatedAt:   created,
	}))
	require.NoError(t, f.index.Upsert(context.Background(), vectorindex.Entry{
		DocumentID: oldID, Path: "/w/old.md", Chunks: 5,
	}))

	id := f.append(t, &types.Event{
		Source:   types.SourceWatcher,
		Kind:     types.EventMoved,
		Path:     "/w/new.md",
		PrevPath: "/w/old.md",
	})

	_, err := d.claimAndHandle(context.Background())
	require.NoError(t, err)

	ev, err := f.store.GetEvent(id)
	require.NoError(t, err)
	assert.Equal(t, types.EventDone, ev.Status)

	_, err = f.store.GetDocument(oldID)
	assert.ErrorIs(t, err, eventstore.ErrDocumentNotFound)
	assert.Equal(t, 0, f.index.Len(), "old vector entry removed")

	rec, err := f.store.GetDocument(ids.DocumentID("/w/new.md"))
	require.NoError(t, err)
	assert.Equal(t, "/w/new.md", rec.CurrentPath)
	assert.Equal(t, "new.md", rec.FileName)
	assert.Equal(t, "h-old", rec.ContentHash, "content travels with the rename")
	assert.WithinDuration(t, created, rec.CreatedAt, time.Second, "creation time travels with the rename")
}

func TestRecordUpsertPreservesIndexFields(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(nil)

	docID := ids.DocumentID("/w/doc.md")
	indexedAt := time.Now().UTC().Add(-2 * time.Hour)
	created := time.Now().UTC().Add(-3 * time.Hour)
	require.NoError(t, f.store.PutDocument(&types.DocumentRecord{
		DocumentID:       docID,
		CurrentPath:      "/w/doc.md",
		FileName:         "doc.md",
		ContentHash:      "h1",
		IndexedAt:        &indexedAt,
		VectorCollection: "documents",
		ChunkCount:       7,
		CreatedAt:        created,
		UpdatedAt:        created,
	}))

	// Watcher modifications arrive without a content hash; the staged
	// record must not lose what mark_indexed wrote.
	f.append(t, &types.Event{
		Source: types.SourceWatcher,
		Kind:   types.EventModified,
		Path:   "/w/doc.md",
	})
	_, err := d.claimAndHandle(context.Background())
	require.NoError(t, err)

	rec, err := f.store.GetDocument(docID)
	require.NoError(t, err)
	require.NotNil(t, rec.IndexedAt)
	assert.WithinDuration(t, indexedAt, *rec.IndexedAt, time.Second)
	assert.Equal(t, "documents", rec.VectorCollection)
	assert.Equal(t, 7, rec.ChunkCount)
	assert.Equal(t, "h1", rec.ContentHash)
	assert.WithinDuration(t, created, rec.CreatedAt, time.Second)
	assert.True(t, rec.UpdatedAt.After(rec.CreatedAt))

	// A hashed observation wins over the stored hash.
	f.append(t, &types.Event{
		Source:      types.SourceReconciler,
		Kind:        types.EventModified,
		Path:        "/w/doc.md",
		ContentHash: "h2",
	})
	_, err = d.claimAndHandle(context.Background())
	require.NoError(t, err)

	rec, err = f.store.GetDocument(docID)
	require.NoError(t, err)
	assert.Equal(t, "h2", rec.ContentHash)
	assert.Equal(t, 7, rec.ChunkCount)
}

func TestRunStartFailureRequeuesEvent(t *testing.T) {
	f := newFixture(t)
	f.router.Rebuild([]*types.Workflow{triggeredWorkflow("wf-ingest", types.EventCreated)})
	d := f.dispatcher(nil)

	f.runner.setFail(errors.New("registry closed"))

	id := f.append(t, &types.Event{
		Source: types.SourceWatcher,
		Kind:   types.EventCreated,
		Path:   "/w/retry.md",
	})

	_, err := d.claimAndHandle(context.Background())
	require.NoError(t, err)

	ev, err := f.store.GetEvent(id)
	require.NoError(t, err)
	assert.Equal(t, types.EventFailed, ev.Status)
	assert.Equal(t, 1, ev.Attempts)
	assert.Contains(t, ev.LastError, "wf-ingest")

	// The record was staged before routing and survives the requeue.
	_, err = f.store.GetDocument(ids.DocumentID("/w/retry.md"))
	require.NoError(t, err)

	f.runner.setFail(nil)
	_, err = d.claimAndHandle(context.Background())
	require.NoError(t, err)

	ev, err = f.store.GetEvent(id)
	require.NoError(t, err)
	assert.Equal(t, types.EventDone, ev.Status)
	assert.Len(t, f.runner.started(), 1)
}

func TestIndexFailureRequeuesDeletedEvent(t *testing.T) {
	f := newFixture(t)
	idx := &flakyIndex{Index: f.index}
	idx.setFail(errors.New("index down"))
	d := New(Config{HandlerID: "test-handler", ClaimTTL: time.Minute},
		f.store, f.router, f.runner, idx, f.broker)

	docID := ids.DocumentID("/w/stuck.md")
	require.NoError(t, f.store.PutDocument(&types.DocumentRecord{
		DocumentID:  docID,
		CurrentPath: "/w/stuck.md",
		FileName:    "stuck.md",
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}))
	require.NoError(t, f.index.Upsert(context.Background(), vectorindex.Entry{
		DocumentID: docID, Path: "/w/stuck.md", Chunks: 1,
	}))

	id := f.append(t, &types.Event{
		Source: types.SourceWatcher,
		Kind:   types.EventDeleted,
		Path:   "/w/stuck.md",
	})

	_, err := d.claimAndHandle(context.Background())
	require.NoError(t, err)

	ev, err := f.store.GetEvent(id)
	require.NoError(t, err)
	assert.Equal(t, types.EventFailed, ev.Status)
	assert.Contains(t, ev.LastError, "vector index")

	// Nothing was torn down on the failed attempt.
	_, err = f.store.GetDocument(docID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.index.Len())

	idx.setFail(nil)
	_, err = d.claimAndHandle(context.Background())
	require.NoError(t, err)

	ev, err = f.store.GetEvent(id)
	require.NoError(t, err)
	assert.Equal(t, types.EventDone, ev.Status)
	assert.Equal(t, 0, f.index.Len())
	_, err = f.store.GetDocument(docID)
	assert.ErrorIs(t, err, eventstore.ErrDocumentNotFound)
}

func TestRunLoopWakesOnNotice(t *testing.T) {
	f := newFixture(t)
	f.router.Rebuild([]*types.Workflow{triggeredWorkflow("wf-ingest", types.EventCreated)})
	d := f.dispatcher(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	id := f.append(t, &types.Event{
		Source: types.SourceWatcher,
		Kind:   types.EventCreated,
		Path:   "/w/wake.md",
	})
	f.broker.Publish(&bus.Notice{Topic: bus.TopicEventAppended})

	waitFor(t, func() bool {
		ev, err := f.store.GetEvent(id)
		return err == nil && ev.Status == types.EventDone
	}, "event was not handled by the run loop")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop on context cancel")
	}

	assert.Len(t, f.runner.started(), 1)
}

func TestRunLoopRecoversStaleClaims(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(func(c *Config) {
		c.ClaimTTL = 50 * time.Millisecond
		c.ReleaseEvery = 25 * time.Millisecond
	})

	id := f.append(t, &types.Event{
		Source: types.SourceWatcher,
		Kind:   types.EventCreated,
		Path:   "/w/orphaned.md",
	})

	// Simulate a holder that died mid-claim.
	claimed, err := f.store.Claim(1, "dead-handler")
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor(t, func() bool {
		ev, err := f.store.GetEvent(id)
		return err == nil && ev.Status == types.EventDone
	}, "stale claim was not recovered")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop on context cancel")
	}
}
