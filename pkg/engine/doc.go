/*
Package engine executes workflow runs: it turns a routed (workflow, payload)
pair into a Run, walks the DAG dispatching nodes whose inputs are ready, and
checkpoints every transition so a crash resumes instead of losing work.

# Execution Model

Each run owns one scheduler goroutine. The scheduler dispatches every
pending node whose inbound edges are satisfied, bounded by the per-run
parallel limit; node goroutines additionally pass through a weighted
semaphore shared across all runs, so total node concurrency never exceeds
the configured cap.

	          ┌────────────── runExec.loop ──────────────┐
	          │                                            │
	 pending ─┤ deps satisfied? ──▶ ready ──▶ running ─────┤──▶ succeeded
	          │        │                        │          │
	          │        │ missing_input          │ timeout/ │
	          │        ▼                        ▼ error    │
	          │      failed ◀───────────────────┘          │──▶ failed
	          │        │                                    │
	          │        └──▶ descendants skipped             │──▶ skipped
	          └────────────────────────────────────────────┘

# Input Resolution

For each declared input port: an inbound edge binds the source node's named
output (null when the source failed under continue_on_error); an edge-free
port binds the trigger payload value with the same name; the reserved port
name "event" binds the whole payload map. A required port with no binding
fails the node immediately with missing_input, without invoking the
processor.

# Failure Policy

The node host returns an envelope, never a Go error. The engine enforces the
wall-clock timeout (expiry fails the node with "timeout", no retry), retries
transient failures with exponential backoff up to max_attempts, and on
terminal failure marks every transitive dependent skipped, unless the node
declared continue_on_error, in which case downstream proceeds with null
inputs from that node. A run succeeds when every non-skipped node succeeded;
a single terminal failure outside continue_on_error fails it.

# Checkpointing and Resume

After every node transition the full Run is rewritten to
data/runs/{run_id}.json through a synced temp file and rename. On startup
the engine reloads all checkpoints: terminal runs are kept for the API,
running runs are repaired, nodes persisted as running become failed with
error "crashed" (idempotent nodes reset and re-dispatch instead) and the
scheduler restarts from the repaired state.

# Cancellation

Cancel stops new dispatch and cancels the context handed to every running
processor. Nodes finishing within the grace period keep their real result;
when the grace expires the survivors are failed with "cancelled" and the run
finishes cancelled.

# Usage

	eng, err := engine.New(engine.Config{
		RunsDir:          cfg.RunsDir(),
		MaxParallelNodes: cfg.Workflow.MaxParallelNodes,
		CancelGrace:      cfg.Workflow.CancelGrace(),
	}, registry, host, broker)

	if err := eng.Start(); err != nil { // resume interrupted runs
		return err
	}

	run, err := eng.StartRun("wf-index", trigger.Payload(ev), ev.ID)
	err = eng.Cancel(run.ID)

# See Also

  - pkg/workflow - definitions, validation and the compiled DAG
  - pkg/nodehost - the processor registry runs are executed against
  - pkg/trigger - routes events to workflows and builds payloads
*/
package engine
