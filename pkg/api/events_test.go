package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/docflow/pkg/bus"
	"github.com/cuemby/docflow/pkg/ids"
	"github.com/cuemby/docflow/pkg/types"
)

type eventListResponse struct {
	Events []*types.Event `json:"events"`
	Count  int            `json:"count"`
}

func TestInjectEventAppendsAndWakes(t *testing.T) {
	f := newFixture(t)
	sub := f.broker.SubscribeTopics(bus.TopicEventAppended)
	t.Cleanup(func() { f.broker.Unsubscribe(sub) })

	var out map[string]any
	status := f.do(t, http.MethodPost, "/events", adminSecret, map[string]any{
		"kind": "created",
		"path": "/srv/docs/report.pdf",
	}, &out)
	require.Equal(t, http.StatusAccepted, status)
	eventID, _ := out["event_id"].(string)
	require.NotEmpty(t, eventID)
	assert.Equal(t, false, out["coalesced"])

	select {
	case n := <-sub:
		assert.Equal(t, eventID, n.Metadata["event_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("no appended notice published")
	}

	var list eventListResponse
	status = f.do(t, http.MethodGet, "/events", adminSecret, nil, &list)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, list.Count)
	ev := list.Events[0]
	assert.Equal(t, types.SourceAPI, ev.Source)
	assert.Equal(t, types.EventCreated, ev.Kind)
	assert.Equal(t, types.EventPending, ev.Status)
	assert.Equal(t, ids.DocumentID("/srv/docs/report.pdf"), ev.DocumentID)
}

func TestInjectEventValidation(t *testing.T) {
	f := newFixture(t)

	status, detail := f.detail(t, http.MethodPost, "/events", adminSecret, map[string]any{
		"kind": "created",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, detail, "Path")

	status, detail = f.detail(t, http.MethodPost, "/events", adminSecret, map[string]any{
		"kind": "exploded",
		"path": "/srv/docs/a.pdf",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, detail, "oneof")

	status, detail = f.detail(t, http.MethodPost, "/events", adminSecret, map[string]any{
		"kind": "moved",
		"path": "/srv/docs/new.pdf",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, detail, "prev_path")

	status, _ = f.detail(t, http.MethodPost, "/events", adminSecret, map[string]any{
		"kind":    "created",
		"path":    "/srv/docs/a.pdf",
		"unknown": true,
	})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestListEventsFilters(t *testing.T) {
	f := newFixture(t)

	for _, body := range []map[string]any{
		{"kind": "created", "path": "/srv/docs/a.pdf"},
		{"kind": "deleted", "path": "/srv/docs/b.pdf"},
	} {
		status := f.do(t, http.MethodPost, "/events", adminSecret, body, nil)
		require.Equal(t, http.StatusAccepted, status)
	}

	var list eventListResponse
	f.do(t, http.MethodGet, "/events?kind=created", adminSecret, nil, &list)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, types.EventCreated, list.Events[0].Kind)

	f.do(t, http.MethodGet, "/events?status=pending", adminSecret, nil, &list)
	assert.Equal(t, 2, list.Count)

	f.do(t, http.MethodGet, "/events?status=done", adminSecret, nil, &list)
	assert.Equal(t, 0, list.Count)
	assert.NotNil(t, list.Events)

	status, _ := f.detail(t, http.MethodGet, "/events?status=busted", adminSecret, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.detail(t, http.MethodGet, "/events?kind=busted", adminSecret, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestEventStats(t *testing.T) {
	f := newFixture(t)

	for _, body := range []map[string]any{
		{"kind": "created", "path": "/srv/docs/a.pdf"},
		{"kind": "modified", "path": "/srv/docs/b.pdf"},
	} {
		status := f.do(t, http.MethodPost, "/events", adminSecret, body, nil)
		require.Equal(t, http.StatusAccepted, status)
	}

	var stats struct {
		ByStatus map[string]int `json:"by_status"`
		ByKind   map[string]int `json:"by_kind"`
		Pending  int            `json:"pending"`
		InFlight int            `json:"in_flight"`
	}
	status := f.do(t, http.MethodGet, "/events/stats", adminSecret, nil, &stats)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, stats.ByStatus["pending"])
	assert.Equal(t, 1, stats.ByKind["created"])
	assert.Equal(t, 1, stats.ByKind["modified"])
	assert.Equal(t, 2, stats.Pending)
	assert.Zero(t, stats.InFlight)
}

func TestDocumentsEndpoints(t *testing.T) {
	f := newFixture(t)

	var list struct {
		Documents []*types.DocumentRecord `json:"documents"`
		Count     int                     `json:"count"`
	}
	status := f.do(t, http.MethodGet, "/documents", adminSecret, nil, &list)
	require.Equal(t, http.StatusOK, status)
	assert.Zero(t, list.Count)
	assert.NotNil(t, list.Documents)

	docID := ids.DocumentID("/srv/docs/report.pdf")
	require.NoError(t, f.events.PutDocument(&types.DocumentRecord{
		DocumentID:  docID,
		CurrentPath: "/srv/docs/report.pdf",
		FileName:    "report.pdf",
		ContentHash: "h1",
	}))

	status = f.do(t, http.MethodGet, "/documents", adminSecret, nil, &list)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, docID, list.Documents[0].DocumentID)

	var doc types.DocumentRecord
	status = f.do(t, http.MethodGet, "/documents/"+docID, adminSecret, nil, &doc)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "report.pdf", doc.FileName)

	status, _ = f.detail(t, http.MethodGet, "/documents/doc-none", adminSecret, nil)
	assert.Equal(t, http.StatusNotFound, status)
}
