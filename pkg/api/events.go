package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/docflow/pkg/bus"
	"github.com/cuemby/docflow/pkg/eventstore"
	"github.com/cuemby/docflow/pkg/types"
)

// eventRequest injects a file event by hand, typically to replay a
// document through its workflows without touching the file.
type eventRequest struct {
	Kind        string `json:"kind" validate:"required,oneof=created modified deleted moved existing"`
	Path        string `json:"path" validate:"required"`
	PrevPath    string `json:"prev_path,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty" validate:"omitempty,min=0"`
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status := types.EventStatus(q.Get("status"))
	if status != "" && !status.Valid() {
		writeDetail(w, http.StatusBadRequest, "invalid status %q", status)
		return
	}
	kind := types.EventKind(q.Get("kind"))
	if kind != "" && !kind.Valid() {
		writeDetail(w, http.StatusBadRequest, "invalid kind %q", kind)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "%s", err)
		return
	}

	events, err := s.deps.Events.ListEvents(eventstore.ListOptions{
		Status: status,
		Kind:   kind,
		Path:   q.Get("path"),
		Limit:  limit,
	})
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []*types.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleInjectEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "%s", err)
		return
	}
	if req.Kind == string(types.EventMoved) && req.PrevPath == "" {
		writeDetail(w, http.StatusBadRequest, "moved events require prev_path")
		return
	}

	ev := &types.Event{
		Source:      types.SourceAPI,
		Kind:        types.EventKind(req.Kind),
		Path:        req.Path,
		PrevPath:    req.PrevPath,
		ContentHash: req.ContentHash,
		SizeBytes:   req.SizeBytes,
		DetectedAt:  time.Now().UTC(),
	}
	id, coalesced, err := s.deps.Events.Append(ev)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to append event")
		return
	}

	s.deps.Broker.Publish(&bus.Notice{
		Topic:    bus.TopicEventAppended,
		Metadata: map[string]string{"event_id": id},
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"event_id": id, "coalesced": coalesced})
}

func (s *Server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	byStatus, err := s.deps.Events.CountsByStatus()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to read event stats")
		return
	}
	byKind, err := s.deps.Events.CountsByKind()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to read event stats")
		return
	}
	pending, err := s.deps.Events.PendingCount()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to read event stats")
		return
	}
	inflight, err := s.deps.Events.InFlightCount()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to read event stats")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"by_status": byStatus,
		"by_kind":   byKind,
		"pending":   pending,
		"in_flight": inflight,
	})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.deps.Events.ListDocuments()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to list documents")
		return
	}
	if docs == nil {
		docs = []*types.DocumentRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs, "count": len(docs)})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.deps.Events.GetDocument(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, eventstore.ErrDocumentNotFound) {
			writeDetail(w, http.StatusNotFound, "document not found")
			return
		}
		writeDetail(w, http.StatusInternalServerError, "failed to read document")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
