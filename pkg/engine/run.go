package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/docflow/pkg/nodehost"
	"github.com/cuemby/docflow/pkg/types"
	"github.com/cuemby/docflow/pkg/workflow"
)

const (
	// defaultNodeTimeout applies when a node declares no timeout_ms.
	// Workflow validation fills the field, this is the backstop.
	defaultNodeTimeout = 30 * time.Second

	// nodeRetryBase is the first retry delay for transient node failures.
	// Each further attempt doubles it, capped at nodeRetryCap.
	nodeRetryBase = 200 * time.Millisecond
	nodeRetryCap  = 5 * time.Second
)

// completion is the hand-off from a node goroutine back to the run loop.
type completion struct {
	nodeID   string
	res      nodehost.Result
	attempts int
}

// runExec drives one run of one workflow: it dispatches ready nodes,
// applies their results, and checkpoints after every transition. All state
// mutation happens under mu; the loop goroutine and node goroutines share
// nothing else.
type runExec struct {
	eng   *Engine
	graph *workflow.Graph

	mu        sync.Mutex
	state     *types.Run
	cancelled bool
	finalized bool

	// nodeCtx is handed to processors. It is cancelled on run cancel and
	// on engine shutdown, so node work never outlives either.
	nodeCtx     context.Context
	cancelNodes context.CancelFunc

	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}
}

func newRunExec(eng *Engine, graph *workflow.Graph, state *types.Run) *runExec {
	ctx, cancel := context.WithCancel(eng.ctx)
	return &runExec{
		eng:         eng,
		graph:       graph,
		state:       state,
		nodeCtx:     ctx,
		cancelNodes: cancel,
		cancelCh:    make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// finishedRunExec wraps a run loaded from a checkpoint in a terminal state.
// It serves reads and rejects cancellation; no goroutine runs for it.
func finishedRunExec(eng *Engine, state *types.Run) *runExec {
	done := make(chan struct{})
	close(done)
	return &runExec{eng: eng, state: state, finalized: true, done: done}
}

// requestCancel flips the run into cancellation: dispatch stops, node
// contexts are signalled, and the loop starts the grace timer.
func (r *runExec) requestCancel() {
	r.cancelOnce.Do(func() {
		r.mu.Lock()
		r.cancelled = true
		r.mu.Unlock()
		r.cancelNodes()
		close(r.cancelCh)
	})
}

func (r *runExec) snapshot() *types.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneRun(r.state)
}

func (r *runExec) status() types.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Status
}

// loop is the run scheduler. It exits when every node is terminal, when
// cancellation grace expires, or when the engine shuts down. In the last
// case the checkpoint is left in running state so the next startup resumes
// the run through the crash policy.
func (r *runExec) loop() {
	defer close(r.done)
	defer r.cancelNodes()

	completions := make(chan completion, len(r.graph.Order()))
	inFlight := 0
	cancelCh := r.cancelCh
	var grace <-chan time.Time

	for {
		if cancelCh != nil {
			inFlight += r.dispatchReady(completions, inFlight)
		}

		if inFlight == 0 && r.settled() {
			r.finalize()
			return
		}

		select {
		case c := <-completions:
			inFlight--
			r.applyCompletion(c)

		case <-cancelCh:
			cancelCh = nil
			grace = time.After(r.eng.cfg.CancelGrace)

		case <-grace:
			r.failRunningNodes("cancelled")
			r.finalize()
			return

		case <-r.eng.ctx.Done():
			// Engine shutdown. The checkpoint stays in running state;
			// resume on next start applies the crash policy.
			return
		}
	}
}

// dispatchReady moves every eligible pending node to ready and launches its
// goroutine, bounded by the per-run parallelism limit. Nodes whose required
// inputs cannot be bound fail in place without dispatch. Returns the number
// of goroutines launched.
func (r *runExec) dispatchReady(out chan<- completion, inFlight int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancelled {
		return 0
	}

	limit := r.perRunLimit()
	launched := 0

	for _, nodeID := range r.graph.Order() {
		if inFlight+launched >= limit {
			break
		}
		ns := r.state.NodeStates[nodeID]
		if ns.Status != types.NodePending || !r.depsSatisfied(nodeID) {
			continue
		}

		node, _ := r.graph.Node(nodeID)
		inputs, missing := r.resolveInputs(node)
		if len(missing) > 0 {
			now := time.Now().UTC()
			ns.Status = types.NodeFailed
			ns.Error = fmt.Sprintf("missing_input: %s", missing[0])
			ns.FinishedAt = &now
			if !node.ContinueOnError {
				r.skipDescendants(nodeID)
			}
			r.checkpoint()
			continue
		}

		ns.Status = types.NodeReady
		ns.Inputs = inputs
		r.checkpoint()

		launched++
		r.eng.wg.Add(1)
		go func(node *types.Node, inputs map[string]any) {
			defer r.eng.wg.Done()
			r.execNode(node, inputs, out)
		}(node, inputs)
	}
	return launched
}

// perRunLimit is the workflow's own cap when declared, the engine default
// otherwise. Callers hold mu.
func (r *runExec) perRunLimit() int {
	if n := r.graph.Workflow().MaxParallelNodes; n > 0 {
		return n
	}
	return r.eng.cfg.MaxParallelNodes
}

// depsSatisfied reports whether every inbound edge source finished in a
// state that lets this node proceed. Callers hold mu.
func (r *runExec) depsSatisfied(nodeID string) bool {
	for _, edge := range r.graph.Inbound(nodeID) {
		src := r.state.NodeStates[edge.FromNode]
		if src == nil {
			return false
		}
		switch src.Status {
		case types.NodeSucceeded:
		case types.NodeFailed:
			srcNode, ok := r.graph.Node(edge.FromNode)
			if !ok || !srcNode.ContinueOnError {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// resolveInputs binds each declared input port. Edge-fed ports take the
// source node's output (null when the source failed under
// continue_on_error); edge-free ports bind the trigger payload value of the
// same name, with "event" binding the whole payload. Required ports with no
// binding are reported in missing. Callers hold mu.
func (r *runExec) resolveInputs(node *types.Node) (map[string]any, []string) {
	inputs := make(map[string]any, len(node.InputPorts))
	var missing []string

	edges := make(map[string]*types.Edge)
	for _, edge := range r.graph.Inbound(node.ID) {
		edges[edge.ToPort] = edge
	}

	for _, port := range node.InputPorts {
		if edge, ok := edges[port.Name]; ok {
			src := r.state.NodeStates[edge.FromNode]
			if src.Status == types.NodeSucceeded {
				inputs[port.Name] = src.Outputs[edge.FromPort]
			} else {
				inputs[port.Name] = nil
			}
			continue
		}
		if port.Name == "event" {
			inputs[port.Name] = r.state.TriggerPayload
			continue
		}
		if v, ok := r.state.TriggerPayload[port.Name]; ok {
			inputs[port.Name] = v
			continue
		}
		if port.Optional {
			inputs[port.Name] = nil
			continue
		}
		missing = append(missing, port.Name)
	}
	return inputs, missing
}

// execNode runs one node to completion: global semaphore, ready→running
// transition, invocation with timeout, transient retries with backoff. The
// result always lands on out; the channel is buffered for every node so the
// send never blocks even after the loop has exited.
func (r *runExec) execNode(node *types.Node, inputs map[string]any, out chan<- completion) {
	if err := r.eng.sem.Acquire(r.nodeCtx, 1); err != nil {
		out <- completion{nodeID: node.ID, res: nodehost.Failf("cancelled")}
		return
	}
	defer r.eng.sem.Release(1)

	if !r.markRunning(node.ID) {
		out <- completion{nodeID: node.ID, res: nodehost.Failf("cancelled")}
		return
	}

	timeout := time.Duration(node.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultNodeTimeout
	}
	maxAttempts := node.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	req := nodehost.Request{
		RunID:    r.state.ID,
		NodeID:   node.ID,
		NodeType: node.Type,
		Config:   node.Config,
		Inputs:   inputs,
	}

	var res nodehost.Result
	attempts := 0
	for attempts < maxAttempts {
		attempts++

		invokeCtx, cancel := context.WithTimeout(r.nodeCtx, timeout)
		res = r.eng.host.Invoke(invokeCtx, req)
		timedOut := invokeCtx.Err() == context.DeadlineExceeded && r.nodeCtx.Err() == nil
		cancel()

		if res.Success {
			break
		}
		if timedOut {
			res = nodehost.Failf("timeout")
			break
		}
		if r.nodeCtx.Err() != nil {
			res = nodehost.Failf("cancelled")
			break
		}
		if !res.Retryable || attempts >= maxAttempts {
			break
		}

		select {
		case <-time.After(retryBackoff(attempts)):
		case <-r.nodeCtx.Done():
			res = nodehost.Failf("cancelled")
			attempts = maxAttempts
		}
	}

	out <- completion{nodeID: node.ID, res: res, attempts: attempts}
}

func retryBackoff(attempt int) time.Duration {
	d := nodeRetryBase << (attempt - 1)
	if d > nodeRetryCap {
		return nodeRetryCap
	}
	return d
}

// markRunning transitions ready→running. It refuses when the run already
// finalized (grace expiry beat the semaphore) or the engine is shutting
// down, so a late node cannot rewrite a checkpoint the next process owns.
func (r *runExec) markRunning(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ns := r.state.NodeStates[nodeID]
	if r.finalized || r.nodeCtx.Err() != nil || ns == nil || ns.Status != types.NodeReady {
		return false
	}
	now := time.Now().UTC()
	ns.Status = types.NodeRunning
	ns.StartedAt = &now
	r.checkpoint()
	return true
}

// applyCompletion records a node result and applies the failure policy.
// Results arriving after finalization are dropped: the node was already
// accounted for by the grace expiry.
func (r *runExec) applyCompletion(c completion) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ns := r.state.NodeStates[c.nodeID]
	if r.finalized || ns == nil {
		return
	}
	if ns.Status != types.NodeRunning && ns.Status != types.NodeReady {
		return
	}

	now := time.Now().UTC()
	if c.attempts > 0 {
		ns.Attempts = c.attempts
	}
	ns.FinishedAt = &now

	if c.res.Success {
		ns.Status = types.NodeSucceeded
		ns.Outputs = c.res.Outputs
		ns.Error = ""
	} else {
		ns.Status = types.NodeFailed
		ns.Error = c.res.Error
		node, ok := r.graph.Node(c.nodeID)
		if ok && !node.ContinueOnError {
			r.skipDescendants(c.nodeID)
		}
	}
	r.checkpoint()
}

// skipDescendants marks every still-pending transitive dependent of nodeID
// as skipped. Callers hold mu.
func (r *runExec) skipDescendants(nodeID string) {
	for _, depID := range r.graph.Descendants(nodeID) {
		ns := r.state.NodeStates[depID]
		if ns != nil && ns.Status == types.NodePending {
			ns.Status = types.NodeSkipped
		}
	}
}

// failRunningNodes force-fails nodes still executing, used when the
// cancellation grace period expires.
func (r *runExec) failRunningNodes(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	for _, ns := range r.state.NodeStates {
		if ns.Status == types.NodeRunning || ns.Status == types.NodeReady {
			ns.Status = types.NodeFailed
			ns.Error = reason
			ns.FinishedAt = &now
		}
	}
	r.checkpoint()
}

// settled reports whether no node can make further progress: nothing is
// running and nothing pending is dispatchable. Blocked pending nodes are
// resolved by finalize.
func (r *runExec) settled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for nodeID, ns := range r.state.NodeStates {
		switch ns.Status {
		case types.NodeReady, types.NodeRunning:
			return false
		case types.NodePending:
			if !r.cancelled && r.depsSatisfied(nodeID) {
				return false
			}
		}
	}
	return true
}

// finalize computes the terminal run status, writes the last checkpoint,
// and reports the outcome.
func (r *runExec) finalize() {
	r.mu.Lock()
	if r.finalized {
		r.mu.Unlock()
		return
	}
	r.finalized = true

	// Anything not terminal at this point is unreachable work.
	for _, ns := range r.state.NodeStates {
		if ns.Status == types.NodePending || ns.Status == types.NodeReady {
			ns.Status = types.NodeSkipped
		}
	}

	status := types.RunSucceeded
	if r.cancelled {
		status = types.RunCancelled
	} else {
		for nodeID, ns := range r.state.NodeStates {
			if ns.Status != types.NodeFailed {
				continue
			}
			node, ok := r.graph.Node(nodeID)
			if !ok || !node.ContinueOnError {
				status = types.RunFailed
				break
			}
		}
	}

	now := time.Now().UTC()
	r.state.Status = status
	r.state.FinishedAt = &now
	r.checkpoint()
	snap := cloneRun(r.state)
	r.mu.Unlock()

	r.eng.runFinished(snap)
}

// checkpoint persists the current run state. A failed write degrades
// durability, not correctness, so it is logged and execution continues.
// Callers hold mu.
func (r *runExec) checkpoint() {
	if err := r.eng.checkpoints.Save(r.state); err != nil {
		r.eng.logger.Error().Err(err).Str("run_id", r.state.ID).Msg("Failed to checkpoint run")
	}
}

// cloneRun deep-copies run state so API readers never alias the maps the
// scheduler is still mutating.
func cloneRun(in *types.Run) *types.Run {
	out := *in
	if in.FinishedAt != nil {
		t := *in.FinishedAt
		out.FinishedAt = &t
	}
	out.TriggerPayload = cloneValueMap(in.TriggerPayload)
	out.NodeStates = make(map[string]*types.NodeState, len(in.NodeStates))
	for id, ns := range in.NodeStates {
		c := *ns
		if ns.StartedAt != nil {
			t := *ns.StartedAt
			c.StartedAt = &t
		}
		if ns.FinishedAt != nil {
			t := *ns.FinishedAt
			c.FinishedAt = &t
		}
		c.Inputs = cloneValueMap(ns.Inputs)
		c.Outputs = cloneValueMap(ns.Outputs)
		out.NodeStates[id] = &c
	}
	return &out
}

func cloneValueMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
