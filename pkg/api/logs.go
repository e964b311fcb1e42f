package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/docflow/pkg/auth"
	"github.com/cuemby/docflow/pkg/logsink"
	"github.com/cuemby/docflow/pkg/types"
)

// logEntryRequest is the write-path payload. The sink enforces the size
// caps; the tags catch missing fields before an entry is built at all.
type logEntryRequest struct {
	Timestamp *time.Time     `json:"timestamp" validate:"omitempty"`
	Project   string         `json:"project" validate:"required,max=128"`
	Level     string         `json:"level" validate:"required,oneof=debug info warning error critical lifecycle"`
	Module    string         `json:"module" validate:"required,max=128"`
	Message   string         `json:"message" validate:"required"`
	Details   map[string]any `json:"details,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

func (q *logEntryRequest) toEntry() *types.LogEntry {
	e := &types.LogEntry{
		Project: q.Project,
		Level:   types.LogLevel(q.Level),
		Module:  q.Module,
		Message: q.Message,
		Details: q.Details,
		Context: q.Context,
	}
	if q.Timestamp != nil {
		e.Timestamp = q.Timestamp.UTC()
	}
	return e
}

// The entry cap matches the default ring capacity: a batch the ring could
// never retain across a flush failure is refused up front.
type logBatchRequest struct {
	Entries []logEntryRequest `json:"entries" validate:"required,min=1,max=10000,dive"`
}

type logListResponse struct {
	Entries []*types.LogEntry `json:"entries"`
	Count   int               `json:"count"`
}

func (s *Server) handleSubmitLog(w http.ResponseWriter, r *http.Request) {
	var req logEntryRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "%s", err)
		return
	}

	key, _ := auth.KeyFromContext(r.Context())
	if !key.AllowsProject(req.Project) {
		writeDetail(w, http.StatusForbidden, "key not authorized for project %q", req.Project)
		return
	}

	id, err := s.deps.Sink.Submit(req.toEntry())
	if err != nil {
		if errors.Is(err, logsink.ErrInvalidEntry) {
			writeDetail(w, http.StatusBadRequest, "%s", err)
			return
		}
		writeDetail(w, http.StatusInternalServerError, "failed to accept log entry")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req logBatchRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "%s", err)
		return
	}

	// The batch is all-or-nothing, so authorization is too: one entry
	// outside the key's allowlist rejects the whole submission.
	key, _ := auth.KeyFromContext(r.Context())
	entries := make([]*types.LogEntry, len(req.Entries))
	for i := range req.Entries {
		if !key.AllowsProject(req.Entries[i].Project) {
			writeDetail(w, http.StatusForbidden,
				"entry %d: key not authorized for project %q", i, req.Entries[i].Project)
			return
		}
		entries[i] = req.Entries[i].toEntry()
	}

	ids, err := s.deps.Sink.SubmitBatch(entries)
	if err != nil {
		if errors.Is(err, logsink.ErrInvalidEntry) {
			writeDetail(w, http.StatusBadRequest, "%s", err)
			return
		}
		writeDetail(w, http.StatusInternalServerError, "failed to accept log batch")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ids": ids, "count": len(ids)})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	key, _ := auth.KeyFromContext(r.Context())
	q := r.URL.Query()

	project := q.Get("project")
	if project != "" && !key.AllowsProject(project) {
		// Unauthorized projects read as empty, not as an error.
		writeJSON(w, http.StatusOK, logListResponse{Entries: []*types.LogEntry{}})
		return
	}

	level := types.LogLevel(q.Get("level"))
	if level != "" && !level.Valid() {
		writeDetail(w, http.StatusBadRequest, "invalid level %q", level)
		return
	}

	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "%s", err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "%s", err)
		return
	}
	start, err := queryTime(r, "start_date")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "%s", err)
		return
	}
	end, err := queryTime(r, "end_date")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "%s", err)
		return
	}

	f := logsink.Filter{
		Project:    project,
		Level:      level,
		Module:     q.Get("module"),
		DocumentID: q.Get("document_id"),
		FileName:   q.Get("file_name"),
		RunID:      q.Get("run_id"),
		Start:      start,
		End:        end,
		SortBy:     q.Get("sort_by"),
		SortOrder:  q.Get("sort_order"),
		Limit:      limit,
		Offset:     offset,
	}
	if project == "" {
		f.Scope = auth.Scope(key)
	}

	entries, err := s.deps.Sink.Query(f)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to query logs")
		return
	}
	writeJSON(w, http.StatusOK, logListResponse{Entries: entries, Count: len(entries)})
}

func (s *Server) handleLogStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Sink.Stats()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to read log stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	entry, err := s.deps.Sink.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, logsink.ErrEntryNotFound) {
			writeDetail(w, http.StatusNotFound, "log entry not found")
			return
		}
		writeDetail(w, http.StatusInternalServerError, "failed to read log entry")
		return
	}

	// An entry outside the key's allowlist is indistinguishable from a
	// missing one.
	key, _ := auth.KeyFromContext(r.Context())
	if !key.AllowsProject(entry.Project) {
		writeDetail(w, http.StatusNotFound, "log entry not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleLogCleanup(w http.ResponseWriter, r *http.Request) {
	key, _ := auth.KeyFromContext(r.Context())
	q := r.URL.Query()

	days, err := queryInt(r, "older_than_days", -1)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "%s", err)
		return
	}
	if days < 0 {
		writeDetail(w, http.StatusBadRequest, "older_than_days is required and must be >= 0")
		return
	}

	project := q.Get("project")
	switch {
	case project != "" && !key.AllowsProject(project):
		writeDetail(w, http.StatusForbidden, "key not authorized for project %q", project)
		return
	case project == "" && auth.Scope(key) != nil:
		writeDetail(w, http.StatusForbidden, "cleanup across all projects requires a wildcard key")
		return
	}

	level := types.LogLevel(q.Get("level"))
	if level != "" && !level.Valid() {
		writeDetail(w, http.StatusBadRequest, "invalid level %q", level)
		return
	}

	// Flush staged entries first so the prune covers everything received
	// before this request.
	if err := s.deps.Sink.Flush(); err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to flush staged entries")
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	deleted, err := s.deps.Sink.DeleteOlderThan(cutoff, project, level)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func (s *Server) handleLogCleanupAll(w http.ResponseWriter, r *http.Request) {
	key, _ := auth.KeyFromContext(r.Context())
	if auth.Scope(key) != nil {
		writeDetail(w, http.StatusForbidden, "full cleanup requires a wildcard key")
		return
	}

	if err := s.deps.Sink.Flush(); err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to flush staged entries")
		return
	}
	deleted, err := s.deps.Sink.DeleteAll()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func (s *Server) handleLifecycleDocument(w http.ResponseWriter, r *http.Request) {
	s.serveLifecycle(w, r, chi.URLParam(r, "id"), "", "")
}

func (s *Server) handleLifecycleFile(w http.ResponseWriter, r *http.Request) {
	s.serveLifecycle(w, r, "", chi.URLParam(r, "name"), "")
}

func (s *Server) handleLifecycleHash(w http.ResponseWriter, r *http.Request) {
	s.serveLifecycle(w, r, "", "", chi.URLParam(r, "hash"))
}

// serveLifecycle returns the ordered history for one correlation key
// across the key's authorized projects.
func (s *Server) serveLifecycle(w http.ResponseWriter, r *http.Request, docID, fileName, fileHash string) {
	key, _ := auth.KeyFromContext(r.Context())
	entries, err := s.deps.Sink.Lifecycle(docID, fileName, fileHash, auth.Scope(key))
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to query lifecycle")
		return
	}
	writeJSON(w, http.StatusOK, logListResponse{Entries: entries, Count: len(entries)})
}
