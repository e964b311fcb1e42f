// Package dispatch joins the event store to the trigger router and the
// workflow engine. One claim loop pulls claimable events in priority order,
// applies the document record changes each kind implies, starts every routed
// workflow run, and completes the event. A handling failure requeues the
// event for another attempt; the store abandons it at the attempt cap.
//
// Handling is at-least-once. A crash between starting runs and completing
// the event replays the event after the claim TTL, which may start a run a
// second time for the same observation.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/docflow/pkg/bus"
	"github.com/cuemby/docflow/pkg/ids"
	"github.com/cuemby/docflow/pkg/log"
	"github.com/cuemby/docflow/pkg/trigger"
	"github.com/cuemby/docflow/pkg/types"
	"github.com/cuemby/docflow/pkg/vectorindex"
)

const (
	defaultClaimBatch = 16
	idleBackoffMin    = 100 * time.Millisecond
	idleBackoffMax    = 2 * time.Second
	indexCallTimeout  = 10 * time.Second
)

// Store is the slice of the event store the dispatcher consumes.
type Store interface {
	Claim(maxN int, handlerID string) ([]*types.Event, error)
	Complete(eventID string, outcome types.EventStatus, errMsg string) error
	CompleteDone(eventID string, upsert *types.DocumentRecord, deleteDocumentID string) error
	ReleaseStale(olderThan time.Duration) (released, abandoned int, err error)
	GetDocument(documentID string) (*types.DocumentRecord, error)
	PutDocument(rec *types.DocumentRecord) error
}

// Runner is the slice of the workflow engine the dispatcher consumes.
type Runner interface {
	StartRun(workflowID string, payload map[string]any, triggeredByEventID string) (*types.Run, error)
}

// Router matches an event against workflow triggers.
type Router interface {
	Route(ev *types.Event) []trigger.Route
}

// Config controls the claim loop.
type Config struct {
	HandlerID    string        // claim owner tag, defaults to host-pid
	ClaimBatch   int           // events pulled per claim, default 16
	ClaimTTL     time.Duration // in-flight age treated as a crashed holder
	ReleaseEvery time.Duration // stale claim sweep interval, default ClaimTTL/2
}

// Dispatcher drives event handling: claim, bookkeep, route, complete.
type Dispatcher struct {
	cfg    Config
	store  Store
	router Router
	engine Runner
	index  vectorindex.Index
	broker *bus.Broker
	logger zerolog.Logger
}

// New creates a dispatcher. Run must be called to begin claiming.
func New(cfg Config, store Store, router Router, engine Runner, index vectorindex.Index, broker *bus.Broker) *Dispatcher {
	if cfg.HandlerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "docflow"
		}
		cfg.HandlerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = defaultClaimBatch
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 5 * time.Minute
	}
	if cfg.ReleaseEvery <= 0 {
		cfg.ReleaseEvery = cfg.ClaimTTL / 2
	}
	return &Dispatcher{
		cfg:    cfg,
		store:  store,
		router: router,
		engine: engine,
		index:  index,
		broker: broker,
		logger: log.WithComponent("dispatch"),
	}
}

// Run is the claim loop, meant to run as a supervised task. It polls the
// store with geometric backoff while idle, wakes immediately on an
// event-appended notice, and sweeps stale claims on a fixed interval. The
// first sweep happens before the first claim so events held by a crashed
// process become claimable without waiting a full interval.
func (d *Dispatcher) Run(ctx context.Context) error {
	sub := d.broker.SubscribeTopics(bus.TopicEventAppended)
	defer d.broker.Unsubscribe(sub)

	d.releaseStale()

	release := time.NewTicker(d.cfg.ReleaseEvery)
	defer release.Stop()

	d.logger.Info().
		Str("handler_id", d.cfg.HandlerID).
		Int("claim_batch", d.cfg.ClaimBatch).
		Dur("claim_ttl", d.cfg.ClaimTTL).
		Msg("Dispatcher started")

	idle := idleBackoffMin
	for {
		handled, err := d.claimAndHandle(ctx)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			d.logger.Info().Msg("Dispatcher stopped")
			return nil
		}
		if handled > 0 {
			idle = idleBackoffMin
			continue
		}

		timer := time.NewTimer(idle)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.logger.Info().Msg("Dispatcher stopped")
			return nil
		case _, ok := <-sub:
			timer.Stop()
			if !ok {
				return nil
			}
			idle = idleBackoffMin
		case <-release.C:
			timer.Stop()
			d.releaseStale()
		case <-timer.C:
			idle *= 2
			if idle > idleBackoffMax {
				idle = idleBackoffMax
			}
		}
	}
}

// claimAndHandle pulls one batch and handles each event in claim order.
func (d *Dispatcher) claimAndHandle(ctx context.Context) (int, error) {
	events, err := d.store.Claim(d.cfg.ClaimBatch, d.cfg.HandlerID)
	if err != nil {
		return 0, fmt.Errorf("claim events: %w", err)
	}
	for i, ev := range events {
		if ctx.Err() != nil {
			// Claims left in flight here are recovered by the stale
			// sweep after restart.
			return i, nil
		}
		d.handle(ctx, ev)
	}
	return len(events), nil
}

// handle processes one claimed event end to end. Record bookkeeping happens
// before any run starts, because the mark_indexed processor reads the
// record mid-run. Completion commits the final record state and the event
// outcome in one transaction.
func (d *Dispatcher) handle(ctx context.Context, ev *types.Event) {
	logger := d.logger.With().
		Str("event_id", ev.ID).
		Str("kind", string(ev.Kind)).
		Str("path", ev.Path).
		Str("document_id", ev.DocumentID).
		Logger()

	var (
		upsert   *types.DocumentRecord
		deleteID string
	)
	switch ev.Kind {
	case types.EventCreated, types.EventModified, types.EventExisting:
		upsert = d.recordFor(ev)
		if err := d.store.PutDocument(upsert); err != nil {
			d.requeue(logger, ev, fmt.Errorf("stage document record: %w", err))
			return
		}
	case types.EventMoved:
		var err error
		upsert, deleteID, err = d.applyMove(ctx, ev)
		if err != nil {
			d.requeue(logger, ev, err)
			return
		}
	case types.EventDeleted:
		if err := d.removeFromIndex(ctx, ev.DocumentID); err != nil {
			d.requeue(logger, ev, err)
			return
		}
		deleteID = ev.DocumentID
	}

	routes := d.router.Route(ev)
	for _, rt := range routes {
		run, err := d.engine.StartRun(rt.WorkflowID, rt.Payload, ev.ID)
		if err != nil {
			d.requeue(logger, ev, fmt.Errorf("start workflow %s: %w", rt.WorkflowID, err))
			return
		}
		logger.Info().
			Str("run_id", run.ID).
			Str("workflow_id", rt.WorkflowID).
			Str("trigger_id", rt.TriggerID).
			Msg("Workflow run started")
	}

	if err := d.store.CompleteDone(ev.ID, upsert, deleteID); err != nil {
		// The event stays in flight; the stale sweep returns it to the
		// queue after the claim TTL.
		logger.Error().Err(err).Msg("Failed to complete event")
		return
	}
	logger.Debug().Int("runs", len(routes)).Msg("Event handled")
}

// recordFor builds the document record an event implies. Index fields are
// owned by the mark_indexed processor, so whatever the existing record
// carries is preserved.
func (d *Dispatcher) recordFor(ev *types.Event) *types.DocumentRecord {
	now := time.Now().UTC()
	rec := &types.DocumentRecord{
		DocumentID:  ev.DocumentID,
		CurrentPath: ev.Path,
		FileName:    filepath.Base(ev.Path),
		ContentHash: ev.ContentHash,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if prev, err := d.store.GetDocument(ev.DocumentID); err == nil {
		rec.CreatedAt = prev.CreatedAt
		rec.IndexedAt = prev.IndexedAt
		rec.VectorCollection = prev.VectorCollection
		rec.ChunkCount = prev.ChunkCount
		if rec.ContentHash == "" {
			rec.ContentHash = prev.ContentHash
		}
	}
	return rec
}

// applyMove stages the record changes a rename implies: the new path gets a
// record carrying the old document's creation time and content hash, the
// old id leaves the vector index, and the old record is deleted when the
// event completes. A move that maps to the same document id degrades to a
// plain upsert.
func (d *Dispatcher) applyMove(ctx context.Context, ev *types.Event) (*types.DocumentRecord, string, error) {
	rec := d.recordFor(ev)

	var oldID string
	if ev.PrevPath != "" {
		oldID = ids.DocumentID(ev.PrevPath)
	}
	if oldID == "" || oldID == ev.DocumentID {
		if err := d.store.PutDocument(rec); err != nil {
			return nil, "", fmt.Errorf("stage document record: %w", err)
		}
		return rec, "", nil
	}

	if prev, err := d.store.GetDocument(oldID); err == nil {
		rec.CreatedAt = prev.CreatedAt
		if rec.ContentHash == "" {
			rec.ContentHash = prev.ContentHash
		}
	}

	// The old id's vector entry points at a path that no longer exists.
	if err := d.removeFromIndex(ctx, oldID); err != nil {
		return nil, "", err
	}
	if err := d.store.PutDocument(rec); err != nil {
		return nil, "", fmt.Errorf("stage document record: %w", err)
	}
	return rec, oldID, nil
}

// removeFromIndex drops a document id from the vector index. From the
// event's point of view the failure is transient: the claim requeues and
// the removal is retried, and past the attempt cap the reconciler's orphan
// pass picks the entry up again.
func (d *Dispatcher) removeFromIndex(ctx context.Context, documentID string) error {
	rctx, cancel := context.WithTimeout(ctx, indexCallTimeout)
	defer cancel()
	if err := d.index.Remove(rctx, documentID); err != nil {
		return fmt.Errorf("remove %s from vector index: %w", documentID, err)
	}
	return nil
}

// requeue fails the claim so the event becomes claimable again. The store
// abandons it once attempts reach the cap.
func (d *Dispatcher) requeue(logger zerolog.Logger, ev *types.Event, err error) {
	logger.Warn().Err(err).Int("attempts", ev.Attempts).Msg("Event handling failed, requeueing")
	if cerr := d.store.Complete(ev.ID, types.EventFailed, err.Error()); cerr != nil {
		logger.Error().Err(cerr).Msg("Failed to requeue event")
	}
}

// releaseStale returns events whose claim outlived the TTL to the queue.
func (d *Dispatcher) releaseStale() {
	released, abandoned, err := d.store.ReleaseStale(d.cfg.ClaimTTL)
	if err != nil {
		d.logger.Error().Err(err).Msg("Stale claim sweep failed")
		return
	}
	if released > 0 || abandoned > 0 {
		d.logger.Warn().
			Int("released", released).
			Int("abandoned", abandoned).
			Dur("claim_ttl", d.cfg.ClaimTTL).
			Msg("Recovered stale claims")
	}
}
