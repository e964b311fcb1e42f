package reconciler

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/cuemby/docflow/pkg/bus"
	"github.com/cuemby/docflow/pkg/config"
	"github.com/cuemby/docflow/pkg/ids"
	"github.com/cuemby/docflow/pkg/log"
	"github.com/cuemby/docflow/pkg/metrics"
	"github.com/cuemby/docflow/pkg/types"
	"github.com/cuemby/docflow/pkg/vectorindex"
	"github.com/cuemby/docflow/pkg/watcher"
)

const indexListTimeout = 30 * time.Second

// Store is the slice of the event store the reconciler consumes.
type Store interface {
	Append(e *types.Event) (string, bool, error)
	LatestDoneByPath() (map[string]*types.Event, error)
	ActivePaths() (map[string]bool, error)
	PendingCount() (int, error)
	GetDocumentByPath(path string) (*types.DocumentRecord, error)
}

// Config controls scheduling and scanning for the reconciler.
type Config struct {
	Roots         []string
	Interval      time.Duration // 0 disables the periodic pass
	DailyTime     string        // "HH:MM", empty disables the daily pass
	HighWatermark int           // pending events above this skip the pass

	// Filter rules, shared with the watcher so both producers agree on
	// which files are in scope.
	IncludeExt   []string
	Exclude      []string
	IgnoreHidden bool
	MaxFileBytes int64
}

// Reconciler converges three views of the document corpus: the filesystem,
// the latest processed event per path, and the vector index. Differences
// are resolved by synthesizing events into the store; it never mutates the
// filesystem or the index directly.
type Reconciler struct {
	cfg    Config
	store  Store
	index  vectorindex.Index
	broker *bus.Broker
	filter *watcher.Filter
	logger zerolog.Logger

	cron   *cron.Cron
	passMu sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// diskFile is one in-scope file observed during a scan.
type diskFile struct {
	size  int64
	mtime time.Time
}

// New creates a reconciler. Start must be called to begin scheduling.
func New(cfg Config, store Store, index vectorindex.Index, broker *bus.Broker) *Reconciler {
	return &Reconciler{
		cfg:    cfg,
		store:  store,
		index:  index,
		broker: broker,
		filter: watcher.NewFilter(cfg.IncludeExt, cfg.Exclude, cfg.IgnoreHidden, cfg.MaxFileBytes),
		logger: log.WithComponent("reconciler"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the scheduling loop and, when configured, the daily cron
// entry. An initial pass runs immediately so a fresh deployment backfills
// pre-existing files without waiting a full interval.
func (r *Reconciler) Start() error {
	if r.cfg.DailyTime != "" {
		hour, minute, err := config.ParseClock(r.cfg.DailyTime)
		if err != nil {
			return fmt.Errorf("invalid daily time %q: %w", r.cfg.DailyTime, err)
		}
		r.cron = cron.New()
		_, err = r.cron.AddFunc(fmt.Sprintf("%d %d * * *", minute, hour), func() {
			r.runPass("daily")
		})
		if err != nil {
			return fmt.Errorf("schedule daily reconciliation: %w", err)
		}
		r.cron.Start()
	}

	go r.run()
	r.logger.Info().
		Strs("roots", r.cfg.Roots).
		Dur("interval", r.cfg.Interval).
		Str("daily_time", r.cfg.DailyTime).
		Msg("Reconciler started")
	return nil
}

// Stop halts scheduling. A pass already in progress finishes.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
	if r.cron != nil {
		ctx := r.cron.Stop()
		<-ctx.Done()
	}
	r.logger.Info().Msg("Reconciler stopped")
}

func (r *Reconciler) run() {
	defer close(r.doneCh)

	sub := r.broker.SubscribeTopics(bus.TopicReconcileRequested)
	defer r.broker.Unsubscribe(sub)

	var tick <-chan time.Time
	if r.cfg.Interval > 0 {
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	r.runPass("startup")

	for {
		select {
		case <-tick:
			r.runPass("interval")
		case notice, ok := <-sub:
			if !ok {
				return
			}
			reason := notice.Metadata["reason"]
			if reason == "" {
				reason = "requested"
			}
			r.runPass(reason)
		case <-r.stopCh:
			return
		}
	}
}

// runPass executes one reconciliation pass. Passes never overlap: a trigger
// arriving while one is running is dropped, which is safe because the next
// scheduled pass sees the same ground truth.
func (r *Reconciler) runPass(reason string) {
	if !r.passMu.TryLock() {
		r.logger.Debug().Str("reason", reason).Msg("Reconciliation already running, skipping trigger")
		return
	}
	defer r.passMu.Unlock()

	if err := r.reconcile(reason); err != nil {
		r.logger.Error().Err(err).Str("reason", reason).Msg("Reconciliation pass failed")
	}
}

// reconcile performs one full pass: scan, diff, synthesize.
func (r *Reconciler) reconcile(reason string) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	pending, err := r.store.PendingCount()
	if err != nil {
		return fmt.Errorf("count pending events: %w", err)
	}
	if r.cfg.HighWatermark > 0 && pending > r.cfg.HighWatermark {
		metrics.ReconciliationSkippedTotal.Inc()
		r.logger.Warn().
			Int("pending", pending).
			Int("high_watermark", r.cfg.HighWatermark).
			Str("reason", reason).
			Msg("Skipping reconciliation pass, event backlog above high watermark")
		return nil
	}

	disk := r.scanDisk()

	doneByPath, err := r.store.LatestDoneByPath()
	if err != nil {
		return fmt.Errorf("load processed paths: %w", err)
	}
	// A path whose latest processed event is a deletion counts as absent:
	// the system already knows the file is gone.
	processed := make(map[string]*types.Event, len(doneByPath))
	for path, ev := range doneByPath {
		if ev.Kind != types.EventDeleted {
			processed[path] = ev
		}
	}

	active, err := r.store.ActivePaths()
	if err != nil {
		return fmt.Errorf("load active paths: %w", err)
	}

	indexed, indexOK := r.listIndex()

	var synthesized []*types.Event

	// Deletions first. A deletion for a path that is about to be recreated
	// must be processed before the creation, and the claim priority only
	// orders events that are already appended.
	for path, prev := range processed {
		if _, onDisk := disk[path]; onDisk || active[path] {
			continue
		}
		synthesized = append(synthesized, &types.Event{
			Source:     types.SourceReconciler,
			Kind:       types.EventDeleted,
			Path:       path,
			DocumentID: prev.DocumentID,
		})
	}

	// Orphans: indexed documents with no file and no processing history.
	if indexOK {
		for _, entry := range indexed {
			path := ids.CanonicalPath(entry.Path)
			if _, onDisk := disk[path]; onDisk {
				continue
			}
			if _, ok := processed[path]; ok || active[path] {
				continue
			}
			synthesized = append(synthesized, &types.Event{
				Source:     types.SourceReconciler,
				Kind:       types.EventDeleted,
				Path:       path,
				DocumentID: entry.DocumentID,
			})
		}
	}

	// Backfill and drift detection.
	for path, f := range disk {
		if active[path] {
			continue
		}
		prev, ok := processed[path]
		if !ok {
			mtime := f.mtime
			synthesized = append(synthesized, &types.Event{
				Source:    types.SourceReconciler,
				Kind:      types.EventExisting,
				Path:      path,
				SizeBytes: f.size,
				ModTime:   &mtime,
			})
			continue
		}
		if hash, changed := r.detectChange(path, f, prev); changed {
			mtime := f.mtime
			synthesized = append(synthesized, &types.Event{
				Source:      types.SourceReconciler,
				Kind:        types.EventModified,
				Path:        path,
				SizeBytes:   f.size,
				ModTime:     &mtime,
				ContentHash: hash,
			})
		}
	}

	appended := 0
	for _, ev := range synthesized {
		if _, _, err := r.store.Append(ev); err != nil {
			r.logger.Error().Err(err).Str("path", ev.Path).Str("kind", string(ev.Kind)).
				Msg("Failed to append synthesized event")
			continue
		}
		metrics.ReconciliationSynthesizedTotal.WithLabelValues(string(ev.Kind)).Inc()
		appended++
	}
	if appended > 0 {
		r.broker.Publish(&bus.Notice{
			Topic:    bus.TopicEventAppended,
			Message:  "reconciliation synthesized events",
			Metadata: map[string]string{"count": fmt.Sprintf("%d", appended)},
		})
	}

	r.logger.Info().
		Str("reason", reason).
		Int("disk_files", len(disk)).
		Int("processed_paths", len(processed)).
		Int("indexed_entries", len(indexed)).
		Bool("index_checked", indexOK).
		Int("synthesized", appended).
		Msg("Reconciliation pass complete")
	return nil
}

// scanDisk walks every configured root and returns the in-scope files.
// Missing roots and unreadable subtrees are logged and skipped; losing one
// root for a pass means its files simply produce no diff this time.
func (r *Reconciler) scanDisk() map[string]diskFile {
	out := make(map[string]diskFile)
	for _, root := range r.cfg.Roots {
		if _, err := os.Stat(root); err != nil {
			r.logger.Warn().Err(err).Str("root", root).Msg("Watch root unavailable, skipping in this pass")
			continue
		}
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				r.logger.Warn().Err(err).Str("path", path).Msg("Unreadable path during scan")
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if path != root && !r.filter.AllowDir(path) {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if !r.filter.Allow(path, info.Size()) {
				return nil
			}
			out[ids.CanonicalPath(path)] = diskFile{size: info.Size(), mtime: info.ModTime().UTC()}
			return nil
		})
		if err != nil {
			r.logger.Warn().Err(err).Str("root", root).Msg("Scan aborted for root")
		}
	}
	return out
}

// listIndex fetches the vector index contents. On failure the orphan phase
// is skipped for this pass rather than failing the whole reconciliation.
func (r *Reconciler) listIndex() ([]vectorindex.Entry, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), indexListTimeout)
	defer cancel()

	entries, err := r.index.List(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Vector index unavailable, skipping orphan detection in this pass")
		return nil, false
	}
	return entries, true
}

// detectChange decides whether a file on disk differs from its last
// processed state. Size and mtime equality is trusted as unchanged; when
// metadata moved the content is hashed so a rewrite-with-same-bytes (or a
// bare touch) does not trigger reprocessing.
func (r *Reconciler) detectChange(path string, f diskFile, prev *types.Event) (string, bool) {
	if prev.ModTime != nil && prev.SizeBytes == f.size && prev.ModTime.Equal(f.mtime) {
		return "", false
	}

	hash, err := ids.HashFile(path)
	if err != nil {
		r.logger.Debug().Err(err).Str("path", path).Msg("Cannot hash file, deferring to next pass")
		return "", false
	}

	known := prev.ContentHash
	if known == "" {
		if rec, err := r.store.GetDocumentByPath(path); err == nil {
			known = rec.ContentHash
		}
	}
	if known != "" && known == hash {
		return "", false
	}
	return hash, true
}
