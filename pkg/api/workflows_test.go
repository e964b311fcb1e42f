package api

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/docflow/pkg/types"
)

func TestListAndGetWorkflows(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Register(sampleWorkflow("wf-b")))
	require.NoError(t, f.reg.Register(sampleWorkflow("wf-a")))

	var out struct {
		Workflows []*types.Workflow `json:"workflows"`
		Count     int               `json:"count"`
	}
	status := f.do(t, http.MethodGet, "/workflows", adminSecret, nil, &out)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 2, out.Count)
	assert.Equal(t, "wf-a", out.Workflows[0].ID)
	assert.Equal(t, "wf-b", out.Workflows[1].ID)

	var wf types.Workflow
	status = f.do(t, http.MethodGet, "/workflows/wf-a", adminSecret, nil, &wf)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "wf-a", wf.ID)
	assert.Len(t, wf.Nodes, 2)

	status, _ = f.detail(t, http.MethodGet, "/workflows/wf-none", adminSecret, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStartRunThroughAPI(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Register(sampleWorkflow("wf-run")))

	var run map[string]any
	status := f.do(t, http.MethodPost, "/workflows/wf-run/runs", adminSecret,
		map[string]any{"payload": map[string]any{"v": "start"}}, &run)
	require.Equal(t, http.StatusAccepted, status)
	runID, _ := run["run_id"].(string)
	require.NotEmpty(t, runID)
	assert.Equal(t, "wf-run", run["workflow_id"])

	final := waitWorkflowRun(t, f, "wf-run", runID, types.RunSucceeded)
	nodes, _ := final["node_states"].(map[string]any)
	require.Len(t, nodes, 2)

	var list struct {
		Runs  []map[string]any `json:"runs"`
		Count int              `json:"count"`
	}
	status = f.do(t, http.MethodGet, "/workflows/wf-run/runs", adminSecret, nil, &list)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, runID, list.Runs[0]["run_id"])
}

func TestStartRunWithoutBody(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Register(sampleWorkflow("wf-empty")))

	var run map[string]any
	status := f.do(t, http.MethodPost, "/workflows/wf-empty/runs", adminSecret, nil, &run)
	require.Equal(t, http.StatusAccepted, status)
	require.NotEmpty(t, run["run_id"])
}

func TestStartRunUnknownWorkflow(t *testing.T) {
	f := newFixture(t)
	status, detail := f.detail(t, http.MethodPost, "/workflows/wf-missing/runs", adminSecret, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "workflow not found", detail)
}

func TestRunLookupIsScopedToWorkflow(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Register(sampleWorkflow("wf-one")))
	require.NoError(t, f.reg.Register(sampleWorkflow("wf-two")))

	var run map[string]any
	status := f.do(t, http.MethodPost, "/workflows/wf-one/runs", adminSecret, nil, &run)
	require.Equal(t, http.StatusAccepted, status)
	runID := run["run_id"].(string)

	// The run exists, but not under wf-two.
	status, _ = f.detail(t, http.MethodGet,
		fmt.Sprintf("/workflows/wf-two/runs/%s", runID), adminSecret, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.detail(t, http.MethodGet, "/workflows/wf-one/runs/r-none", adminSecret, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCancelRunThroughAPI(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Register(&types.Workflow{
		ID:    "wf-wait",
		Nodes: []*types.Node{{ID: "a", Type: "wait", TimeoutMs: 60_000}},
	}))

	var run map[string]any
	status := f.do(t, http.MethodPost, "/workflows/wf-wait/runs", adminSecret, nil, &run)
	require.Equal(t, http.StatusAccepted, status)
	runID := run["run_id"].(string)

	// The node parks on its context, so the run stays running until
	// cancelled.
	var out map[string]string
	require.Eventually(t, func() bool {
		status := f.do(t, http.MethodPost,
			fmt.Sprintf("/workflows/wf-wait/runs/%s/cancel", runID), adminSecret, nil, &out)
		return status == http.StatusAccepted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "cancelling", out["status"])

	final := waitWorkflowRun(t, f, "wf-wait", runID, types.RunCancelled)
	assert.Equal(t, string(types.RunCancelled), final["status"])

	// A second cancel hits a finished run.
	status, _ = f.detail(t, http.MethodPost,
		fmt.Sprintf("/workflows/wf-wait/runs/%s/cancel", runID), adminSecret, nil)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = f.detail(t, http.MethodPost, "/workflows/wf-wait/runs/r-none/cancel", adminSecret, nil)
	assert.Equal(t, http.StatusNotFound, status)
}
