/*
Package reconciler converges the three independent views of the document
corpus and repairs drift between them by synthesizing events.

The watcher only sees changes that happen while it is running and while the
kernel notification queue keeps up. Everything it misses, and everything
that diverges behind its back, is healed here.

# Ground Truths

Each pass collects three sets:

	A  filesystem     every in-scope file under the watch roots
	B  event store    latest done event per path (a deletion counts as absent)
	C  vector index   every indexed entry

and resolves their differences:

	A − B          file never processed             → existing
	B − A          processed file gone from disk    → deleted
	C − (A ∪ B)    indexed with no file or history  → deleted (orphan)
	A ∩ B drift    content hash mismatch            → modified

The reconciler only appends events; the dispatcher applies the actual side
effects. Deletions are appended before backfill events so they drain first,
and the claim priority in the event store preserves that ordering.

Paths with queued or in-flight work are left alone. Work for them is
already scheduled, and the next pass re-evaluates them once it settles.

# Architecture

	            ┌───────────────┐
	 interval ──┤               │
	 daily ─────┤   runPass()   ├──▶ reconcile() ──▶ store.Append(...)
	 bus ───────┤  (no overlap) │
	 startup ───┤               │
	            └───────────────┘

Four triggers share one pass runner: a periodic ticker, a daily cron entry,
reconcile requests on the bus (watcher overflow, late-attached roots, the
admin API), and one startup pass that backfills files created while the
service was down. A trigger arriving mid-pass is dropped; the next pass
sees the same ground truth, so nothing is lost.

# Backpressure

When the pending event backlog exceeds the configured high watermark the
pass is skipped with a warning. Synthesizing thousands of events into an
already saturated queue would only starve the dispatcher further, and the
skipped pass costs nothing: reconciliation is level-triggered, the next
pass converges from whatever state it finds.

# Drift Detection

Size and mtime equality with the last processed event is trusted as
unchanged, so steady-state passes never read file contents. When metadata
moved, the file is hashed and compared against the last known content hash
(from the done event, falling back to the document record); a bare touch or
a same-bytes rewrite produces no event.

# Usage

	rec := reconciler.New(reconciler.Config{
		Roots:         cfg.Watch.Roots,
		Interval:      cfg.Reconcile.Interval(),
		DailyTime:     cfg.Reconcile.DailyTime,
		HighWatermark: cfg.Events.HighWatermark,
		IncludeExt:    cfg.Watch.IncludeExt,
		Exclude:       cfg.Watch.Exclude,
		IgnoreHidden:  cfg.Watch.IgnoreHidden,
		MaxFileBytes:  cfg.Watch.MaxFileBytes(),
	}, store, index, broker)

	if err := rec.Start(); err != nil {
		return err
	}
	defer rec.Stop()

The filter rules are shared with the watcher so both producers agree on
which files are in scope. If the vector index is unreachable the orphan
phase is skipped for that pass and the rest still runs.

# Metrics

	docflow_reconciliation_cycles_total       completed passes
	docflow_reconciliation_duration_seconds   pass duration
	docflow_reconciliation_skipped_total      passes skipped on backpressure
	docflow_reconciliation_synthesized_total  synthesized events, by kind

# See Also

  - pkg/watcher - real-time change detection feeding the same event store
  - pkg/eventstore - durable queue the synthesized events land in
  - pkg/vectorindex - the index interrogated for orphans
*/
package reconciler
