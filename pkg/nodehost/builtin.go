package nodehost

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/docflow/pkg/types"
	"github.com/cuemby/docflow/pkg/vectorindex"
)

// DocumentStore is the slice of the event store the builtins need to
// maintain document records.
type DocumentStore interface {
	GetDocument(documentID string) (*types.DocumentRecord, error)
	PutDocument(rec *types.DocumentRecord) error
}

// RegisterBuiltins installs the infrastructure processors every deployment
// gets: passthrough, delay, emit_log, index_remove and mark_indexed.
// Domain processors (chunkers, embedders, LLM callers) register through the
// same Host API in downstream builds.
func RegisterBuiltins(h *Host, docs DocumentStore, index vectorindex.Index) error {
	builtins := map[string]Processor{
		"passthrough":  ProcessorFunc(passthrough),
		"delay":        ProcessorFunc(delay),
		"emit_log":     ProcessorFunc(emitLog),
		"index_remove": indexRemove{index: index},
		"mark_indexed": markIndexed{docs: docs},
	}
	for name, p := range builtins {
		if err := h.Register(name, p); err != nil {
			return fmt.Errorf("builtins: %w", err)
		}
	}
	return nil
}

// passthrough forwards its inputs unchanged. Useful as a fan-out point and
// as the trivial entry node in tests.
func passthrough(_ context.Context, req Request, _ zerolog.Logger) Result {
	return Succeed(req.Inputs)
}

// delay sleeps config.duration_ms, then forwards its inputs. Cancellation
// cuts the sleep short and fails the node with the context error.
func delay(ctx context.Context, req Request, _ zerolog.Logger) Result {
	ms, ok := configInt(req.Config, "duration_ms")
	if !ok || ms < 0 {
		return Failf("delay: config.duration_ms missing or invalid")
	}

	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
		return Succeed(req.Inputs)
	case <-ctx.Done():
		return Fail(ctx.Err())
	}
}

// emitLog writes one structured entry through the invocation logger, which
// already carries the run, node and document tags and mirrors into the log
// sink. Config: message (required), level (default info), fields (optional
// map folded into the entry).
func emitLog(_ context.Context, req Request, logger zerolog.Logger) Result {
	msg, ok := req.Config["message"].(string)
	if !ok || msg == "" {
		return Failf("emit_log: config.message missing")
	}

	ev := logger.Info()
	if lvl, ok := req.Config["level"].(string); ok {
		switch types.LogLevel(lvl) {
		case types.LevelDebug:
			ev = logger.Debug()
		case types.LevelInfo:
			ev = logger.Info()
		case types.LevelWarning:
			ev = logger.Warn()
		case types.LevelError, types.LevelCritical:
			ev = logger.Error()
		case types.LevelLifecycle:
			ev = logger.Info().Bool("lifecycle", true)
		default:
			return Failf("emit_log: unknown level %q", lvl)
		}
	}
	if fields, ok := req.Config["fields"].(map[string]any); ok {
		ev = ev.Fields(fields)
	}
	ev.Msg(msg)

	return Succeed(req.Inputs)
}

// indexRemove deletes a document from the vector index. The index treats
// removal of an absent id as success, so replays are harmless.
type indexRemove struct {
	index vectorindex.Index
}

func (p indexRemove) Process(ctx context.Context, req Request, logger zerolog.Logger) Result {
	id := documentID(req.Inputs)
	if id == "" {
		return Failf("index_remove: no document_id in inputs")
	}

	if err := p.index.Remove(ctx, id); err != nil {
		return Fail(Transient(fmt.Errorf("index_remove %s: %w", id, err)))
	}

	logger.Debug().Msg("Removed document from vector index")
	return Succeed(map[string]any{"document_id": id, "removed": true})
}

// markIndexed stamps a document record with the outcome of an indexing
// workflow: content hash, collection, chunk count and the indexing time.
type markIndexed struct {
	docs DocumentStore
}

func (p markIndexed) Process(_ context.Context, req Request, logger zerolog.Logger) Result {
	id := documentID(req.Inputs)
	if id == "" {
		return Failf("mark_indexed: no document_id in inputs")
	}

	rec, err := p.docs.GetDocument(id)
	if err != nil {
		return Failf("mark_indexed: document %s: %v", id, err)
	}

	now := time.Now().UTC()
	rec.IndexedAt = &now
	if hash, ok := req.Inputs["content_hash"].(string); ok && hash != "" {
		rec.ContentHash = hash
	}
	if coll, ok := stringValue(req.Inputs, req.Config, "vector_collection"); ok {
		rec.VectorCollection = coll
	}
	if n, ok := configInt(req.Inputs, "chunk_count"); ok {
		rec.ChunkCount = int(n)
	}

	if err := p.docs.PutDocument(rec); err != nil {
		return Fail(Transient(fmt.Errorf("mark_indexed %s: %w", id, err)))
	}

	logger.Debug().Int("chunk_count", rec.ChunkCount).Msg("Marked document indexed")
	return Succeed(map[string]any{
		"document_id": id,
		"indexed_at":  now,
		"chunk_count": rec.ChunkCount,
	})
}

// configInt reads an integer from a decoded JSON/YAML map, where numbers
// arrive as float64, int or int64 depending on the decoder.
func configInt(m map[string]any, key string) (int64, bool) {
	switch n := m[key].(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// stringValue reads a string key from inputs first, then config.
func stringValue(inputs, config map[string]any, key string) (string, bool) {
	if s, ok := inputs[key].(string); ok && s != "" {
		return s, true
	}
	if s, ok := config[key].(string); ok && s != "" {
		return s, true
	}
	return "", false
}
