/*
Package types defines the core data structures used throughout docflow.

This package contains the fundamental types of the document automation
domain: filesystem events, document records, workflow definitions, runs,
log entries, and API keys. All other packages build on these types for
persistence, routing, execution, and the HTTP surface.

# Architecture

The types fall into four groups:

Event pipeline:
  - Event: one observed or synthesized filesystem transition
  - EventKind: created, modified, deleted, moved, existing
  - EventStatus: pending, in_flight, done, failed, abandoned
  - DocumentRecord: one logical document tracked across disk and index

Workflow definitions:
  - Workflow: static DAG of nodes with edges and triggers
  - Node: a processor invocation with ports and execution policy
  - Edge: output-port to input-port wiring
  - Trigger: (source, kind, conditions) binding to an entry node
  - Condition: a single predicate over event fields

Execution state:
  - Run: one execution of one workflow for one trigger
  - NodeState: per-node status, attempts, inputs, outputs
  - RunStatus / NodeStatus: the two state machines

Telemetry and access:
  - LogEntry: structured telemetry record with correlation context
  - LogLevel: debug through critical, plus the distinct lifecycle level
  - APIKey: per-key project scoping and expiry

All types serialize to JSON; workflow definition types additionally carry
YAML tags so definitions may be written in either format.

# State machines

Event status:

	pending -> in_flight -> done            (terminal)
	                     -> failed  -> in_flight (retry, claimable again)
	                     -> abandoned       (terminal, attempts exhausted)

Node status within a run:

	pending -> ready -> running -> succeeded
	                            -> failed   (dependents become skipped)

A run succeeds iff every non-skipped node succeeded; it fails when any
node without continue_on_error fails; it is cancelled on explicit cancel.

# Usage

Declaring a workflow:

	wf := &types.Workflow{
		ID:   "index-documents",
		Name: "Index documents",
		Nodes: []*types.Node{
			{ID: "chunk", Type: "text_chunker", InputPorts: []types.InputPort{{Name: "event"}}, OutputPorts: []string{"chunks"}},
			{ID: "embed", Type: "embedder", InputPorts: []types.InputPort{{Name: "chunks"}}, OutputPorts: []string{"vectors"}, MaxAttempts: 3},
		},
		Edges: []*types.Edge{
			{FromNode: "chunk", FromPort: "chunks", ToNode: "embed", ToPort: "chunks"},
		},
		Triggers: []*types.Trigger{
			{ID: "on-create", Source: "watcher", Kind: types.EventCreated, TargetNode: "chunk"},
		},
	}
*/
package types
