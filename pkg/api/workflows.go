package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/docflow/pkg/engine"
	"github.com/cuemby/docflow/pkg/types"
	"github.com/cuemby/docflow/pkg/workflow"
)

// startRunRequest is the manual trigger payload. The body is optional;
// an absent or empty payload starts the run with no trigger inputs.
type startRunRequest struct {
	Payload map[string]any `json:"payload,omitempty"`
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs := s.deps.Workflows.List()
	writeJSON(w, http.StatusOK, map[string]any{"workflows": wfs, "count": len(wfs)})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Workflows.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDetail(w, http.StatusNotFound, "workflow not found")
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body: %s", err)
		return
	}

	run, err := s.deps.Engine.StartRun(chi.URLParam(r, "id"), req.Payload, "")
	if err != nil {
		if errors.Is(err, workflow.ErrWorkflowNotFound) {
			writeDetail(w, http.StatusNotFound, "workflow not found")
			return
		}
		writeDetail(w, http.StatusInternalServerError, "failed to start run")
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Workflows.Get(id); err != nil {
		writeDetail(w, http.StatusNotFound, "workflow not found")
		return
	}

	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "%s", err)
		return
	}

	runs := s.deps.Engine.ListRuns(id, limit)
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runForWorkflow(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runForWorkflow(w, r)
	if !ok {
		return
	}

	if err := s.deps.Engine.Cancel(run.ID); err != nil {
		if errors.Is(err, engine.ErrRunFinished) {
			writeDetail(w, http.StatusConflict, "run already finished")
			return
		}
		if errors.Is(err, engine.ErrRunNotFound) {
			writeDetail(w, http.StatusNotFound, "run not found")
			return
		}
		writeDetail(w, http.StatusInternalServerError, "failed to cancel run")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID, "status": "cancelling"})
}

// runForWorkflow resolves {run_id} and checks it belongs to {id}. A run
// under a different workflow reads as missing.
func (s *Server) runForWorkflow(w http.ResponseWriter, r *http.Request) (*types.Run, bool) {
	run, err := s.deps.Engine.GetRun(chi.URLParam(r, "run_id"))
	if err != nil {
		writeDetail(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	if run.WorkflowID != chi.URLParam(r, "id") {
		writeDetail(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	return run, true
}
