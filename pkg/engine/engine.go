package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/cuemby/docflow/pkg/bus"
	"github.com/cuemby/docflow/pkg/ids"
	"github.com/cuemby/docflow/pkg/log"
	"github.com/cuemby/docflow/pkg/metrics"
	"github.com/cuemby/docflow/pkg/nodehost"
	"github.com/cuemby/docflow/pkg/types"
	"github.com/cuemby/docflow/pkg/workflow"
)

// Config holds workflow engine settings.
type Config struct {
	// RunsDir is the directory run checkpoints are written to.
	RunsDir string

	// MaxParallelNodes caps concurrent node executions, both across all
	// runs (weighted semaphore) and per run unless the workflow declares
	// its own limit.
	MaxParallelNodes int

	// CancelGrace is how long a cancelled run waits for in-flight nodes
	// before force-failing them.
	CancelGrace time.Duration
}

// Engine executes workflow runs. Each run gets its own scheduler goroutine
// that dispatches nodes in DAG order, enforces timeouts and retries through
// the node host, and checkpoints after every transition so a crash resumes
// instead of losing work.
type Engine struct {
	cfg         Config
	registry    *workflow.Registry
	host        *nodehost.Host
	checkpoints *CheckpointStore
	broker      *bus.Broker
	sem         *semaphore.Weighted
	logger      zerolog.Logger

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*runExec
}

// New creates an engine. The broker is optional; when present the engine
// publishes a run.finished notice for every terminal run.
func New(cfg Config, registry *workflow.Registry, host *nodehost.Host, broker *bus.Broker) (*Engine, error) {
	if cfg.MaxParallelNodes <= 0 {
		cfg.MaxParallelNodes = 8
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 5 * time.Second
	}

	checkpoints, err := NewCheckpointStore(cfg.RunsDir)
	if err != nil {
		return nil, err
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Engine{
		cfg:         cfg,
		registry:    registry,
		host:        host,
		checkpoints: checkpoints,
		broker:      broker,
		sem:         semaphore.NewWeighted(int64(cfg.MaxParallelNodes)),
		logger:      log.WithComponent("engine"),
		ctx:         ctx,
		stop:        stop,
		runs:        make(map[string]*runExec),
	}, nil
}

// Start loads persisted runs and resumes the ones interrupted mid-flight.
// Nodes checkpointed as running are treated as crashed: idempotent nodes
// reset and re-dispatch, the rest fail with the normal failure policy.
func (e *Engine) Start() error {
	persisted, bad, err := e.checkpoints.LoadAll()
	if err != nil {
		return fmt.Errorf("failed to load run checkpoints: %w", err)
	}
	for _, name := range bad {
		e.logger.Warn().Str("file", name).Msg("Skipping unreadable run checkpoint")
	}

	resumed := 0
	for _, run := range persisted {
		if run.Status.Terminal() {
			e.mu.Lock()
			e.runs[run.ID] = finishedRunExec(e, run)
			e.mu.Unlock()
			continue
		}
		if err := e.resumeRun(run); err != nil {
			e.logger.Error().Err(err).
				Str("run_id", run.ID).
				Str("workflow_id", run.WorkflowID).
				Msg("Failed to resume run")
			continue
		}
		resumed++
	}

	if resumed > 0 {
		log.Lifecycle("engine").Int("resumed", resumed).Msg("Resumed interrupted runs")
	}
	return nil
}

// resumeRun repairs a run interrupted by a crash or shutdown and restarts
// its scheduler. A run whose workflow definition no longer loads cannot be
// executed and is finalized as failed.
func (e *Engine) resumeRun(run *types.Run) error {
	graph, err := e.registry.Graph(run.WorkflowID)
	if err != nil {
		now := time.Now().UTC()
		run.Status = types.RunFailed
		run.FinishedAt = &now
		if saveErr := e.checkpoints.Save(run); saveErr != nil {
			return saveErr
		}
		e.mu.Lock()
		e.runs[run.ID] = finishedRunExec(e, run)
		e.mu.Unlock()
		return fmt.Errorf("workflow definition unavailable: %w", err)
	}

	now := time.Now().UTC()
	for nodeID, ns := range run.NodeStates {
		switch ns.Status {
		case types.NodeRunning:
			node, ok := graph.Node(nodeID)
			if ok && node.Idempotent {
				resetNodeState(ns)
				continue
			}
			ns.Status = types.NodeFailed
			ns.Error = "crashed"
			ns.FinishedAt = &now
			if ok && !node.ContinueOnError {
				for _, depID := range graph.Descendants(nodeID) {
					dep := run.NodeStates[depID]
					if dep != nil && dep.Status == types.NodePending {
						dep.Status = types.NodeSkipped
					}
				}
			}
		case types.NodeReady:
			resetNodeState(ns)
		}
	}

	r := newRunExec(e, graph, run)
	e.mu.Lock()
	e.runs[run.ID] = r
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		r.loop()
	}()
	return nil
}

func resetNodeState(ns *types.NodeState) {
	ns.Status = types.NodePending
	ns.Attempts = 0
	ns.Inputs = nil
	ns.Outputs = nil
	ns.Error = ""
	ns.StartedAt = nil
	ns.FinishedAt = nil
}

// Stop cancels all node work and waits for run schedulers to exit, bounded
// by ctx. Interrupted runs keep their running checkpoints and resume with
// the crash policy on the next start.
func (e *Engine) Stop(ctx context.Context) error {
	e.stop()

	waitDone := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown timed out: %w", ctx.Err())
	}
}

// StartRun creates and launches one run of the given workflow. The initial
// checkpoint is durable before StartRun returns, so a caller completing an
// event afterwards never loses the run to a crash.
func (e *Engine) StartRun(workflowID string, payload map[string]any, triggeredByEventID string) (*types.Run, error) {
	wf, err := e.registry.Get(workflowID)
	if err != nil {
		return nil, err
	}
	graph, err := e.registry.Graph(workflowID)
	if err != nil {
		return nil, err
	}

	run := &types.Run{
		ID:                 ids.NewRunID(),
		WorkflowID:         wf.ID,
		TriggeredByEventID: triggeredByEventID,
		StartedAt:          time.Now().UTC(),
		Status:             types.RunRunning,
		NodeStates:         make(map[string]*types.NodeState, len(wf.Nodes)),
		TriggerPayload:     payload,
	}
	for _, node := range wf.Nodes {
		run.NodeStates[node.ID] = &types.NodeState{Status: types.NodePending}
	}

	if err := e.checkpoints.Save(run); err != nil {
		return nil, fmt.Errorf("failed to persist initial checkpoint: %w", err)
	}

	r := newRunExec(e, graph, run)
	e.mu.Lock()
	e.runs[run.ID] = r
	e.mu.Unlock()

	log.Lifecycle("engine").
		Str("run_id", run.ID).
		Str("workflow_id", wf.ID).
		Str("event_id", triggeredByEventID).
		Msg("Run started")

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		r.loop()
	}()

	return r.snapshot(), nil
}

// Cancel requests cancellation of a live run. New dispatch stops at once,
// running nodes get their contexts cancelled, and after the grace period
// any survivors are failed and the run finishes cancelled.
func (e *Engine) Cancel(runID string) error {
	e.mu.Lock()
	r, ok := e.runs[runID]
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if r.status().Terminal() {
		return fmt.Errorf("%w: %s", ErrRunFinished, runID)
	}

	r.requestCancel()
	log.Lifecycle("engine").Str("run_id", runID).Msg("Run cancellation requested")
	return nil
}

// GetRun returns a point-in-time copy of a run.
func (e *Engine) GetRun(runID string) (*types.Run, error) {
	e.mu.Lock()
	r, ok := e.runs[runID]
	e.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r.snapshot(), nil
}

// ListRuns returns run snapshots newest first, optionally filtered by
// workflow. limit <= 0 returns everything.
func (e *Engine) ListRuns(workflowID string, limit int) []*types.Run {
	e.mu.Lock()
	execs := make([]*runExec, 0, len(e.runs))
	for _, r := range e.runs {
		execs = append(execs, r)
	}
	e.mu.Unlock()

	out := make([]*types.Run, 0, len(execs))
	for _, r := range execs {
		snap := r.snapshot()
		if workflowID != "" && snap.WorkflowID != workflowID {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ActiveRuns reports how many runs are still executing.
func (e *Engine) ActiveRuns() int {
	e.mu.Lock()
	execs := make([]*runExec, 0, len(e.runs))
	for _, r := range e.runs {
		execs = append(execs, r)
	}
	e.mu.Unlock()

	n := 0
	for _, r := range execs {
		if !r.status().Terminal() {
			n++
		}
	}
	return n
}

// runFinished records the terminal outcome of a run.
func (e *Engine) runFinished(run *types.Run) {
	metrics.RunsTotal.WithLabelValues(string(run.Status)).Inc()

	log.Lifecycle("engine").
		Str("run_id", run.ID).
		Str("workflow_id", run.WorkflowID).
		Str("status", string(run.Status)).
		Msg("Run finished")

	if e.broker != nil {
		e.broker.Publish(&bus.Notice{
			Topic:     bus.TopicRunFinished,
			Timestamp: time.Now().UTC(),
			Message:   fmt.Sprintf("run %s finished %s", run.ID, run.Status),
			Metadata: map[string]string{
				"run_id":      run.ID,
				"workflow_id": run.WorkflowID,
				"status":      string(run.Status),
			},
		})
	}
}
