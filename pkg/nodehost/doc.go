/*
Package nodehost isolates workflow node execution behind a typed envelope.

The host owns the registry of node processors and the boundary between the
engine and node code. Processors are registered explicitly at startup, no
dynamic loading, and every invocation runs inside a recovery boundary: a
panicking processor becomes a failure envelope, never a crashed run.

# Architecture

	┌───────────────────── NODE HOST ──────────────────────────┐
	│                                                            │
	│   engine ──Invoke(Request)──►  ┌──────────────────────┐  │
	│                                 │  Host                 │  │
	│                                 │  - type → Processor   │  │
	│                                 │  - panic recovery     │  │
	│                                 │  - tagged logger      │  │
	│                                 │  - duration metrics   │  │
	│                                 └─────────┬────────────┘  │
	│                                           │                │
	│              ┌────────────────────────────┼─────────────┐ │
	│              ▼              ▼             ▼             ▼ │
	│        passthrough        delay       emit_log   index_*  │
	│                                                            │
	│   engine ◄──Result{success|error,retryable}──             │
	└────────────────────────────────────────────────────────┘

# Result Envelope

A processor never returns a Go error to the engine. It returns a Result:
success with outputs keyed by port, or an error message plus a retryable
flag. The engine retries only retryable failures, so processors distinguish
"the network hiccuped" (wrap with Transient) from "this input can never
work" (plain failure).

# Invocation Logging

Each processor receives a zerolog logger already tagged with run_id,
node_id, node_type and, when the inputs carry one, document_id. Because the
process logger mirrors into the log sink, anything a processor logs is
queryable per document without the processor knowing the sink exists.

# Builtins

Five infrastructure processors ship with the daemon:

	passthrough   forward inputs as outputs
	delay         sleep config.duration_ms, cancellable
	emit_log      write a structured entry through the tagged logger
	index_remove  delete a document from the vector index
	mark_indexed  stamp a DocumentRecord after an indexing run

Domain processors register through the same API:

	host := nodehost.New()
	err := nodehost.RegisterBuiltins(host, store, index)
	err = host.Register("chunk_markdown", myChunker)
*/
package nodehost
