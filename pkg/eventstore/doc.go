/*
Package eventstore provides the durable file event queue at the heart of
docflow.

The eventstore package persists every detected file change as an event in a
single bbolt file, and hands events to handlers with at-least-once delivery.
Appends are fsynced before they return, claims are atomic, and a path never
has more than one event in flight. Document records, the pipeline's view of
each processed file, live in the same database so event completions and
record updates commit together.

# Architecture

The store is a bbolt B+tree with one bucket per concern:

	┌──────────────────── EVENT STORE ─────────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Store                            │          │
	│  │  - File: <dataDir>/events.db                │          │
	│  │  - Format: B+tree with MVCC                 │          │
	│  │  - Transactions: ACID with fsync            │          │
	│  │  - Appends: grouped commits via Batch       │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Bucket Structure                │          │
	│  │  ┌──────────────────────────────────────┐  │          │
	│  │  │ events     (event_id → Event)        │  │          │
	│  │  │ queue      (prio|time|id → event_id) │  │          │
	│  │  │ inflight   (path → event_id)         │  │          │
	│  │  │ dedup      (path|kind → event_id)    │  │          │
	│  │  │ done_paths (path → event_id)         │  │          │
	│  │  │ documents  (doc_id → DocumentRecord) │  │          │
	│  │  │ doc_paths  (path → doc_id)           │  │          │
	│  │  │ meta       (schema version)          │  │          │
	│  │  └──────────────────────────────────────┘  │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Event State Machine                │          │
	│  │                                              │          │
	│  │  append → pending → in_flight → done        │          │
	│  │              ▲          │                    │          │
	│  │              │          ├──→ failed ──┐      │          │
	│  │              └──────────┘   (requeue) │      │          │
	│  │                         │             │      │          │
	│  │                         └──→ abandoned◄──    │          │
	│  │                            (attempts out)   │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Queue Ordering

The queue bucket key is priority byte, detection nanos, then event id.
Cursor order therefore yields deletions before moves before modifications
before creations before backfill, and FIFO by detection time within a kind.
Claiming is a cursor walk that skips busy paths.

# Coalescing

Watchers observe editors as bursts: write, truncate, write again. The dedup
bucket maps (path, kind) to the newest pending event. An append landing
within the debounce window of that pending event folds into it, keeping the
later observation's metadata and detection time. In-flight events never
coalesce, a new observation after claim appends a fresh event.

# Durability

Append uses bbolt's Batch, which groups concurrent appends into a single
fsynced commit. MaxBatchDelay is 10ms, so an append returns durable in at
most one batch window plus the fsync itself. All other mutations use plain
Update transactions, which fsync on commit.

# Delivery Semantics

Delivery is at least once. A handler crash after claim leaves the event in
flight until ReleaseStale returns it to the queue with an attempt charged.
An event that runs out of attempts is abandoned, a terminal state recorded
with a lifecycle log entry. Completions are idempotent: re-completing a
terminal event is a no-op, so a crash between commit and acknowledgment is
harmless on replay.

# Usage

Appending and claiming:

	store, err := eventstore.Open(cfg.EventsDBPath(), eventstore.Config{
		Debounce:    cfg.Watch.Debounce(),
		MaxAttempts: cfg.Events.MaxAttempts,
	})

	id, coalesced, err := store.Append(&types.Event{
		Source: types.SourceWatcher,
		Kind:   types.EventCreated,
		Path:   "/srv/docs/report.pdf",
	})

	events, err := store.Claim(8, "dispatcher-1")
	for _, ev := range events {
		// process, then:
		err = store.Complete(ev.ID, types.EventDone, "")
	}

Reconciler ground truth:

	processed, err := store.LatestDoneByPath()
	pending, err := store.PendingCount()
*/
package eventstore
