// Package trigger routes events to workflow entry nodes.
//
// The router keeps an in-memory index keyed by (source, kind), with "*"
// matching events from any source. Trigger conditions are compiled once at
// build time; a trigger whose conditions do not compile is disabled with a
// warning and never crashes routing. Matching an event is two map lookups
// plus condition evaluation, cheap enough to sit on the dispatch hot path.
package trigger

import (
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/docflow/pkg/log"
	"github.com/cuemby/docflow/pkg/metrics"
	"github.com/cuemby/docflow/pkg/types"
)

// Route is one dispatch decision: start this workflow at this node with
// this payload.
type Route struct {
	WorkflowID string
	TriggerID  string
	TargetNode string
	Payload    map[string]any
}

type indexKey struct {
	source string
	kind   types.EventKind
}

type compiledTrigger struct {
	workflowID string
	triggerID  string
	targetNode string
	conditions []conditionFn
}

// Router matches events against the compiled trigger index.
type Router struct {
	mu       sync.RWMutex
	index    map[indexKey][]*compiledTrigger
	disabled int
	logger   zerolog.Logger
}

// NewRouter creates an empty router. Rebuild populates it.
func NewRouter() *Router {
	return &Router{
		index:  make(map[indexKey][]*compiledTrigger),
		logger: log.WithComponent("trigger"),
	}
}

// Rebuild recompiles the index from a workflow snapshot. Triggers that are
// explicitly disabled are skipped silently; triggers whose conditions fail
// to compile are skipped with a warning and counted as disabled. The swap
// is atomic, concurrent Route calls see either the old or the new index.
func (r *Router) Rebuild(workflows []*types.Workflow) {
	index := make(map[indexKey][]*compiledTrigger)
	disabled := 0

	for _, wf := range workflows {
		for _, tr := range wf.Triggers {
			if !tr.IsEnabled() {
				r.logger.Debug().Str("workflow_id", wf.ID).Str("trigger_id", tr.ID).
					Msg("Trigger disabled in definition, skipping")
				continue
			}
			conditions, err := compileConditions(tr.Conditions)
			if err != nil {
				disabled++
				r.logger.Warn().Err(err).
					Str("workflow_id", wf.ID).
					Str("trigger_id", tr.ID).
					Msg("Trigger conditions failed to compile, trigger disabled")
				continue
			}
			key := indexKey{source: tr.Source, kind: tr.Kind}
			index[key] = append(index[key], &compiledTrigger{
				workflowID: wf.ID,
				triggerID:  tr.ID,
				targetNode: tr.TargetNode,
				conditions: conditions,
			})
		}
	}

	// Deterministic routing order regardless of map iteration.
	for _, bucket := range index {
		sort.Slice(bucket, func(i, j int) bool {
			if bucket[i].workflowID != bucket[j].workflowID {
				return bucket[i].workflowID < bucket[j].workflowID
			}
			return bucket[i].triggerID < bucket[j].triggerID
		})
	}

	r.mu.Lock()
	r.index = index
	r.disabled = disabled
	r.mu.Unlock()

	metrics.TriggersDisabled.Set(float64(disabled))
	r.logger.Info().Int("disabled", disabled).Int("buckets", len(index)).
		Msg("Trigger index rebuilt")
}

// Route returns every workflow dispatch the event triggers. The payload is
// shared across routes; the engine copies what it stores.
func (r *Router) Route(ev *types.Event) []Route {
	payload := Payload(ev)

	r.mu.RLock()
	exact := r.index[indexKey{source: string(ev.Source), kind: ev.Kind}]
	wild := r.index[indexKey{source: "*", kind: ev.Kind}]
	r.mu.RUnlock()

	var out []Route
	for _, bucket := range [][]*compiledTrigger{exact, wild} {
		for _, ct := range bucket {
			if !ct.matches(payload) {
				continue
			}
			out = append(out, Route{
				WorkflowID: ct.workflowID,
				TriggerID:  ct.triggerID,
				TargetNode: ct.targetNode,
				Payload:    payload,
			})
			metrics.TriggerMatchesTotal.WithLabelValues(ct.workflowID).Inc()
		}
	}
	return out
}

// DisabledCount returns how many triggers were refused at the last rebuild.
func (r *Router) DisabledCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.disabled
}

func (ct *compiledTrigger) matches(payload map[string]any) bool {
	for _, cond := range ct.conditions {
		if !cond(payload) {
			return false
		}
	}
	return true
}

// Payload flattens an event into the map handed to workflow entry nodes.
// Conditions evaluate against these same fields.
func Payload(ev *types.Event) map[string]any {
	p := map[string]any{
		"event_id":    ev.ID,
		"source":      string(ev.Source),
		"kind":        string(ev.Kind),
		"path":        ev.Path,
		"document_id": ev.DocumentID,
		"file_name":   filepath.Base(ev.Path),
		"size_bytes":  ev.SizeBytes,
		"detected_at": ev.DetectedAt,
	}
	if ev.PrevPath != "" {
		p["prev_path"] = ev.PrevPath
	}
	if ev.ContentHash != "" {
		p["content_hash"] = ev.ContentHash
	}
	if ev.ModTime != nil {
		p["mtime"] = *ev.ModTime
	}
	return p
}
