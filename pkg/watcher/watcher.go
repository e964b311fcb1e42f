// Package watcher turns filesystem notifications into durable file events.
//
// The watcher follows configured roots recursively with fsnotify, filters
// raw notifications, pairs rename notifications into move events where it
// can, and appends the result to the event store. It deliberately stays
// cheap: no hashing, no file reads, just stat calls. Content hashes are
// computed downstream where they are needed.
//
// Notification queues can overflow under bursts. The watcher treats
// overflow as lost state and requests an immediate reconciliation pass
// instead of trusting its view of the world.
package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/cuemby/docflow/pkg/bus"
	"github.com/cuemby/docflow/pkg/log"
	"github.com/cuemby/docflow/pkg/metrics"
	"github.com/cuemby/docflow/pkg/types"
)

// renamePairWindow is how long a rename notification waits for its create
// counterpart before degrading to a delete.
const renamePairWindow = 500 * time.Millisecond

// missingRootRetryInterval is how often unavailable roots are re-probed.
const missingRootRetryInterval = 30 * time.Second

// Appender is the slice of the event store the watcher needs.
type Appender interface {
	Append(e *types.Event) (string, bool, error)
}

// Config holds watcher settings.
type Config struct {
	Roots        []string
	IncludeExt   []string
	Exclude      []string
	IgnoreHidden bool
	MaxFileBytes int64
}

// Watcher recursively watches folder roots and appends file events.
type Watcher struct {
	cfg    Config
	store  Appender
	broker *bus.Broker
	filter *Filter
	logger zerolog.Logger

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	doneCh chan struct{}

	mu            sync.Mutex
	missingRoots  []string
	pendingRename string
	renameTimer   *time.Timer
}

// New creates a watcher. Start must be called to begin watching.
func New(cfg Config, store Appender, broker *bus.Broker) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		cfg:    cfg,
		store:  store,
		broker: broker,
		filter: NewFilter(cfg.IncludeExt, cfg.Exclude, cfg.IgnoreHidden, cfg.MaxFileBytes),
		logger: log.WithComponent("watcher"),
		fsw:    fsw,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start attaches the configured roots and begins the event loop. Roots that
// do not exist yet are logged and retried periodically, never fatal.
func (w *Watcher) Start() error {
	for _, root := range w.cfg.Roots {
		if err := w.addRoot(root); err != nil {
			w.logger.Warn().Str("root", root).Err(err).
				Msg("watch root unavailable, will retry")
			w.missingRoots = append(w.missingRoots, root)
		}
	}

	go w.run()
	w.logger.Info().
		Int("roots", len(w.cfg.Roots)-len(w.missingRoots)).
		Int("missing", len(w.missingRoots)).
		Msg("watcher started")
	return nil
}

// Stop ends the event loop and releases the fsnotify watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
	_ = w.fsw.Close()
	w.logger.Info().Msg("watcher stopped")
}

// addRoot attaches a root and all its subdirectories.
func (w *Watcher) addRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("watch root %s is not a directory", root)
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn().Str("path", path).Err(err).Msg("skipping unreadable path")
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && !w.filter.AllowDir(path) {
			return fs.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn().Str("path", path).Err(err).Msg("failed to watch directory")
		}
		return nil
	})
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	retry := time.NewTicker(missingRootRetryInterval)
	defer retry.Stop()

	for {
		select {
		case <-w.stopCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleNotification(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.handleError(err)

		case <-retry.C:
			w.retryMissingRoots()
		}
	}
}

// handleNotification maps one raw fsnotify notification to zero or more
// file events.
func (w *Watcher) handleNotification(ev fsnotify.Event) {
	metrics.WatcherNotificationsTotal.WithLabelValues(ev.Op.String()).Inc()

	switch {
	case ev.Has(fsnotify.Create):
		w.handleCreate(ev.Name)
	case ev.Has(fsnotify.Write):
		w.handleWrite(ev.Name)
	case ev.Has(fsnotify.Remove):
		w.flushPendingRename()
		if w.filter.AllowPath(ev.Name) {
			w.append(types.EventDeleted, ev.Name, "", nil)
		}
	case ev.Has(fsnotify.Rename):
		w.noteRename(ev.Name)
	}
	// Chmod is deliberately ignored.
}

func (w *Watcher) handleCreate(path string) {
	info, err := os.Stat(path)
	if err != nil {
		// Gone already. A rename pair may still be pending for it.
		w.flushPendingRename()
		return
	}

	if info.IsDir() {
		// A directory appeared inside the tree: watch it and backfill
		// files that landed before the watch attached.
		w.flushPendingRename()
		if !w.filter.AllowDir(path) {
			return
		}
		if err := w.addRoot(path); err != nil {
			w.logger.Warn().Str("path", path).Err(err).Msg("failed to watch new directory")
			return
		}
		w.scanNewDir(path)
		return
	}

	if prev := w.takePairedRename(path); prev != "" {
		if w.filter.Allow(path, info.Size()) {
			w.append(types.EventMoved, path, prev, info)
		}
		return
	}

	if w.filter.Allow(path, info.Size()) {
		w.append(types.EventCreated, path, "", info)
	}
}

func (w *Watcher) handleWrite(path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	if w.filter.Allow(path, info.Size()) {
		w.append(types.EventModified, path, "", info)
	}
}

// noteRename remembers a rename origin and schedules its degradation to a
// delete if no create pairs with it in time.
func (w *Watcher) noteRename(path string) {
	w.flushPendingRename()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pendingRename = path
	w.renameTimer = time.AfterFunc(renamePairWindow, func() {
		w.flushPendingRename()
	})
}

// takePairedRename claims the pending rename origin if the created path
// looks like its destination. Pairing is by base name: a move keeps the
// name, a same-directory rename does not and degrades to delete plus
// create.
func (w *Watcher) takePairedRename(createdPath string) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pendingRename == "" {
		return ""
	}
	if filepath.Base(w.pendingRename) != filepath.Base(createdPath) {
		return ""
	}
	prev := w.pendingRename
	w.pendingRename = ""
	if w.renameTimer != nil {
		w.renameTimer.Stop()
		w.renameTimer = nil
	}
	return prev
}

// flushPendingRename emits the pending rename origin as a delete. Called
// when the pairing window closes or a non-create notification proves the
// rename had no destination inside the tree.
func (w *Watcher) flushPendingRename() {
	w.mu.Lock()
	prev := w.pendingRename
	w.pendingRename = ""
	if w.renameTimer != nil {
		w.renameTimer.Stop()
		w.renameTimer = nil
	}
	w.mu.Unlock()

	if prev != "" && w.filter.AllowPath(prev) {
		w.append(types.EventDeleted, prev, "", nil)
	}
}

// scanNewDir backfills created events for files inside a directory that
// appeared as a whole (unzip, mv of a tree into the watched area).
func (w *Watcher) scanNewDir(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if w.filter.Allow(path, info.Size()) {
			w.append(types.EventCreated, path, "", info)
		}
		return nil
	})
}

func (w *Watcher) handleError(err error) {
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		metrics.WatcherOverflowsTotal.Inc()
		w.logger.Warn().Msg("notification queue overflowed, requesting reconciliation")
		w.broker.Publish(&bus.Notice{
			Topic:    bus.TopicReconcileRequested,
			Message:  "watcher overflow",
			Metadata: map[string]string{"reason": "overflow"},
		})
		return
	}
	w.logger.Error().Err(err).Msg("watcher error")
}

func (w *Watcher) retryMissingRoots() {
	w.mu.Lock()
	missing := w.missingRoots
	w.missingRoots = nil
	w.mu.Unlock()

	var stillMissing []string
	attached := false
	for _, root := range missing {
		if err := w.addRoot(root); err != nil {
			stillMissing = append(stillMissing, root)
			continue
		}
		w.logger.Info().Str("root", root).Msg("watch root attached")
		attached = true
	}

	w.mu.Lock()
	w.missingRoots = append(w.missingRoots, stillMissing...)
	w.mu.Unlock()

	if attached {
		// Files under a late root were never observed. Let the
		// reconciler backfill them.
		w.broker.Publish(&bus.Notice{
			Topic:    bus.TopicReconcileRequested,
			Message:  "watch root attached",
			Metadata: map[string]string{"reason": "root_attached"},
		})
	}
}

// append records one file event and wakes the dispatcher.
func (w *Watcher) append(kind types.EventKind, path, prevPath string, info os.FileInfo) {
	ev := &types.Event{
		Source:     types.SourceWatcher,
		Kind:       kind,
		Path:       path,
		PrevPath:   prevPath,
		DetectedAt: time.Now().UTC(),
	}
	if info != nil {
		ev.SizeBytes = info.Size()
		mtime := info.ModTime().UTC()
		ev.ModTime = &mtime
	}

	id, coalesced, err := w.store.Append(ev)
	if err != nil {
		w.logger.Error().Str("path", path).Str("kind", string(kind)).Err(err).
			Msg("failed to append event")
		return
	}

	w.logger.Debug().
		Str("event_id", id).
		Str("kind", string(kind)).
		Str("path", path).
		Bool("coalesced", coalesced).
		Msg("file event appended")

	w.broker.Publish(&bus.Notice{
		Topic:    bus.TopicEventAppended,
		Metadata: map[string]string{"event_id": id},
	})
}
