/*
Package log provides structured logging for docflow using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level.

# Architecture

A single global logger is initialized once via log.Init() and shared by all
packages. Components derive child loggers that stamp their identity on every
line:

	Global Logger (zerolog)
	    │
	    ├── WithComponent("eventstore")   component=eventstore
	    ├── WithComponent("engine")       component=engine
	    ├── WithRunID("run-123")          run_id=run-123
	    ├── WithWorkflowID("wf-abc")      workflow_id=wf-abc
	    └── WithDocumentID("d41d8c...")   document_id=d41d8c...

Output is either raw JSON (production) or a human console format
(development). When Config.Mirror is set, every event is additionally written
to the mirror as a raw JSON line regardless of the console setting; the log
sink uses this to fold process logs into the queryable store under the
docflow project.

# Usage

Initializing:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("daemon started")
	log.Errorf("failed to open event store", err)

Structured logging:

	logger := log.WithComponent("reconciler")
	logger.Warn().
		Int("pending", depth).
		Int("high_watermark", hw).
		Msg("skipping pass, queue above high-watermark")

Mirroring into the log sink:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Mirror:     sink.ProcessLogWriter(),
	})

# Levels

Debug and info follow the usual conventions. Warn marks conditions that need
attention but are handled (stale claims released, skipped reconcile passes).
Error marks failed operations. Fatal logs and exits, reserved for startup.

The sink-side "lifecycle" and "critical" levels are properties of LogEntry
records, not of the process logger; components write those through the sink
API directly.
*/
package log
