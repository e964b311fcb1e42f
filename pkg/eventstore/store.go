package eventstore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/docflow/pkg/ids"
	"github.com/cuemby/docflow/pkg/log"
	"github.com/cuemby/docflow/pkg/metrics"
	"github.com/cuemby/docflow/pkg/types"
)

var (
	// Bucket names
	bucketEvents    = []byte("events")     // event_id -> Event JSON
	bucketQueue     = []byte("queue")      // priority|detected_at|event_id -> event_id
	bucketInflight  = []byte("inflight")   // path -> event_id
	bucketDedup     = []byte("dedup")      // path|kind -> event_id
	bucketDonePaths = []byte("done_paths") // path -> event_id of latest done event
	bucketDocuments = []byte("documents")  // document_id -> DocumentRecord JSON
	bucketDocPaths  = []byte("doc_paths")  // path -> document_id
	bucketMeta      = []byte("meta")

	metaSchemaKey = []byte("schema_version")
)

const schemaVersion = "1"

// Sentinel errors. Callers match these to map storage failures to API
// responses.
var (
	ErrEventNotFound    = errors.New("event not found")
	ErrDocumentNotFound = errors.New("document not found")
	ErrInvalidOutcome   = errors.New("invalid completion outcome")
	ErrNotInFlight      = errors.New("event not in flight")
)

// Config holds event store tuning.
type Config struct {
	// Debounce is the coalescing window. A second event for the same
	// (path, kind) arriving while a pending one is newer than this window
	// merges into it instead of appending.
	Debounce time.Duration

	// MaxAttempts is the number of processing attempts before an event is
	// abandoned.
	MaxAttempts int
}

// Store is the durable file event queue, backed by a single bbolt file.
type Store struct {
	db          *bolt.DB
	debounce    time.Duration
	maxAttempts int
	logger      zerolog.Logger
}

// Open opens or creates the event store at path.
func Open(path string, cfg Config) (*Store, error) {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Batch groups concurrent appends into one fsync. The delay bounds
	// how long an append can wait for companions before it is durable.
	db.MaxBatchDelay = 10 * time.Millisecond

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketEvents,
			bucketQueue,
			bucketInflight,
			bucketDedup,
			bucketDonePaths,
			bucketDocuments,
			bucketDocPaths,
			bucketMeta,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(metaSchemaKey); v == nil {
			return meta.Put(metaSchemaKey, []byte(schemaVersion))
		} else if string(v) != schemaVersion {
			return fmt.Errorf("unsupported schema version %s", v)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:          db,
		debounce:    cfg.Debounce,
		maxAttempts: cfg.MaxAttempts,
		logger:      log.WithComponent("eventstore"),
	}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// queueKey orders the pending index by kind priority, then detection time,
// then id for uniqueness.
func queueKey(kind types.EventKind, detectedAt time.Time, id string) []byte {
	key := make([]byte, 1+8+len(id))
	key[0] = byte(kind.ClaimPriority())
	binary.BigEndian.PutUint64(key[1:9], uint64(detectedAt.UnixNano()))
	copy(key[9:], id)
	return key
}

// dedupKey identifies the coalescing slot for a (path, kind) pair. NUL is
// not valid in paths, so the key cannot collide.
func dedupKey(path string, kind types.EventKind) []byte {
	key := make([]byte, 0, len(path)+1+len(kind))
	key = append(key, path...)
	key = append(key, 0)
	key = append(key, kind...)
	return key
}

// Append durably records a file event and returns its id. The event is
// fsynced before return. If a pending event for the same (path, kind)
// exists within the debounce window, the new observation coalesces into it:
// the later detection wins and the existing id is returned with coalesced
// set.
func (s *Store) Append(e *types.Event) (string, bool, error) {
	if e.Path == "" {
		return "", false, fmt.Errorf("event path must not be empty")
	}
	if !e.Kind.Valid() {
		return "", false, fmt.Errorf("invalid event kind %q", e.Kind)
	}

	e.Path = ids.CanonicalPath(e.Path)
	if e.PrevPath != "" {
		e.PrevPath = ids.CanonicalPath(e.PrevPath)
	}
	if e.Source == "" {
		e.Source = types.SourceAPI
	}
	if e.DetectedAt.IsZero() {
		e.DetectedAt = time.Now().UTC()
	}
	if e.DocumentID == "" {
		e.DocumentID = ids.DocumentID(e.Path)
	}

	newID := ids.NewULID()

	var (
		resultID  string
		coalesced bool
	)

	// Batch may retry the closure, so it only derives state from the tx
	// plus values fixed above.
	err := s.db.Batch(func(tx *bolt.Tx) error {
		resultID = ""
		coalesced = false

		events := tx.Bucket(bucketEvents)
		queue := tx.Bucket(bucketQueue)
		dedup := tx.Bucket(bucketDedup)

		dKey := dedupKey(e.Path, e.Kind)
		if prevID := dedup.Get(dKey); prevID != nil {
			if data := events.Get(prevID); data != nil {
				var prev types.Event
				if err := json.Unmarshal(data, &prev); err != nil {
					return fmt.Errorf("failed to decode event %s: %w", prevID, err)
				}
				if prev.Status == types.EventPending && e.DetectedAt.Sub(prev.DetectedAt) <= s.debounce {
					return s.coalesce(events, queue, &prev, e, &resultID, &coalesced)
				}
			}
		}

		stored := *e
		stored.ID = newID
		stored.Status = types.EventPending
		stored.Attempts = 0
		stored.Owner = ""
		stored.ClaimedAt = nil
		stored.LastError = ""

		data, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		if err := events.Put([]byte(newID), data); err != nil {
			return err
		}
		if err := queue.Put(queueKey(stored.Kind, stored.DetectedAt, newID), []byte(newID)); err != nil {
			return err
		}
		if err := dedup.Put(dKey, []byte(newID)); err != nil {
			return err
		}

		resultID = newID
		return nil
	})
	if err != nil {
		return "", false, err
	}

	if coalesced {
		metrics.EventsCoalescedTotal.Inc()
	} else {
		metrics.EventsAppendedTotal.WithLabelValues(string(e.Source), string(e.Kind)).Inc()
	}
	return resultID, coalesced, nil
}

// coalesce folds a fresh observation into an existing pending event. The
// later detection's metadata wins, and the queue entry moves to the new
// detection time.
func (s *Store) coalesce(events, queue *bolt.Bucket, prev *types.Event, e *types.Event, resultID *string, coalesced *bool) error {
	oldKey := queueKey(prev.Kind, prev.DetectedAt, prev.ID)

	if e.DetectedAt.After(prev.DetectedAt) {
		prev.DetectedAt = e.DetectedAt
		prev.Source = e.Source
		prev.SizeBytes = e.SizeBytes
		prev.ModTime = e.ModTime
		prev.ContentHash = e.ContentHash
		if e.PrevPath != "" {
			prev.PrevPath = e.PrevPath
		}
	}

	data, err := json.Marshal(prev)
	if err != nil {
		return err
	}
	if err := events.Put([]byte(prev.ID), data); err != nil {
		return err
	}
	if err := queue.Delete(oldKey); err != nil {
		return err
	}
	if err := queue.Put(queueKey(prev.Kind, prev.DetectedAt, prev.ID), []byte(prev.ID)); err != nil {
		return err
	}

	*resultID = prev.ID
	*coalesced = true
	return nil
}

// Claim atomically marks up to maxN claimable events in flight for
// handlerID and returns them. Order is kind priority first (deletions
// before creations), detection time second. Paths with an event already in
// flight are skipped, so no two handlers ever process the same path
// concurrently.
func (s *Store) Claim(maxN int, handlerID string) ([]*types.Event, error) {
	if maxN < 1 {
		return nil, nil
	}

	var claimed []*types.Event

	err := s.db.Update(func(tx *bolt.Tx) error {
		claimed = claimed[:0]

		events := tx.Bucket(bucketEvents)
		queue := tx.Bucket(bucketQueue)
		inflight := tx.Bucket(bucketInflight)

		busy := make(map[string]bool)
		if err := inflight.ForEach(func(k, _ []byte) error {
			busy[string(k)] = true
			return nil
		}); err != nil {
			return err
		}

		type pick struct {
			key   []byte
			event *types.Event
		}
		var picks []pick
		var orphans [][]byte

		c := queue.Cursor()
		for k, v := c.First(); k != nil && len(picks) < maxN; k, v = c.Next() {
			data := events.Get(v)
			if data == nil {
				orphans = append(orphans, append([]byte(nil), k...))
				continue
			}
			var ev types.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				return fmt.Errorf("failed to decode event %s: %w", v, err)
			}
			if ev.Status != types.EventPending && ev.Status != types.EventFailed {
				// Stale index entry, drop it.
				orphans = append(orphans, append([]byte(nil), k...))
				continue
			}
			if busy[ev.Path] {
				continue
			}
			busy[ev.Path] = true
			picks = append(picks, pick{key: append([]byte(nil), k...), event: &ev})
		}

		for _, k := range orphans {
			if err := queue.Delete(k); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		for _, p := range picks {
			p.event.Status = types.EventInFlight
			p.event.Owner = handlerID
			p.event.ClaimedAt = &now

			data, err := json.Marshal(p.event)
			if err != nil {
				return err
			}
			if err := events.Put([]byte(p.event.ID), data); err != nil {
				return err
			}
			if err := queue.Delete(p.key); err != nil {
				return err
			}
			if err := inflight.Put([]byte(p.event.Path), []byte(p.event.ID)); err != nil {
				return err
			}
			claimed = append(claimed, p.event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(claimed) > 0 {
		metrics.EventsClaimedTotal.Add(float64(len(claimed)))
	}
	return claimed, nil
}

// Complete finishes an in-flight event. Outcome done marks the event
// processed and records it as the latest done event for its path. Outcome
// failed requeues the event for another attempt, or abandons it once
// attempts reach the maximum. Completing an already terminal event is a
// no-op, so crash-replayed completions are safe.
func (s *Store) Complete(eventID string, outcome types.EventStatus, errMsg string) error {
	if outcome != types.EventDone && outcome != types.EventFailed {
		return fmt.Errorf("%w: %s", ErrInvalidOutcome, outcome)
	}

	var res completion
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		res, err = s.completeTx(tx, eventID, outcome, errMsg)
		return err
	})
	if err != nil {
		return err
	}
	s.finishCompletion(res)
	return nil
}

// CompleteDone marks an event done and applies the document record changes
// it implies in the same transaction, so a crash never leaves a processed
// event without its record update. Either or both of upsert and
// deleteDocumentID may be zero.
func (s *Store) CompleteDone(eventID string, upsert *types.DocumentRecord, deleteDocumentID string) error {
	var res completion
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		res, err = s.completeTx(tx, eventID, types.EventDone, "")
		if err != nil {
			return err
		}
		if upsert != nil {
			if err := putDocumentTx(tx, upsert); err != nil {
				return err
			}
		}
		if deleteDocumentID != "" {
			if err := deleteDocumentTx(tx, deleteDocumentID); err != nil && !errors.Is(err, ErrDocumentNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.finishCompletion(res)
	return nil
}

// completion carries the outcome of a completeTx call out of the
// transaction, so metrics and lifecycle logs happen only after commit.
type completion struct {
	finalStatus types.EventStatus
	abandoned   *types.Event
	applied     bool
}

func (s *Store) completeTx(tx *bolt.Tx, eventID string, outcome types.EventStatus, errMsg string) (completion, error) {
	events := tx.Bucket(bucketEvents)
	inflight := tx.Bucket(bucketInflight)
	queue := tx.Bucket(bucketQueue)

	data := events.Get([]byte(eventID))
	if data == nil {
		return completion{}, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	var ev types.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return completion{}, fmt.Errorf("failed to decode event %s: %w", eventID, err)
	}

	if ev.Status.Terminal() {
		// Crash replay after a completed commit. Nothing to do.
		return completion{}, nil
	}
	if ev.Status != types.EventInFlight {
		return completion{}, fmt.Errorf("%w: %s is %s", ErrNotInFlight, eventID, ev.Status)
	}

	if cur := inflight.Get([]byte(ev.Path)); cur != nil && string(cur) == ev.ID {
		if err := inflight.Delete([]byte(ev.Path)); err != nil {
			return completion{}, err
		}
	}

	ev.Owner = ""
	ev.ClaimedAt = nil

	var abandoned *types.Event
	switch outcome {
	case types.EventDone:
		ev.Status = types.EventDone
		ev.LastError = ""
		if err := s.recordDone(tx, &ev); err != nil {
			return completion{}, err
		}
	case types.EventFailed:
		ev.Attempts++
		ev.LastError = errMsg
		if ev.Attempts >= s.maxAttempts {
			ev.Status = types.EventAbandoned
			abandonedCopy := ev
			abandoned = &abandonedCopy
		} else {
			ev.Status = types.EventFailed
			if err := queue.Put(queueKey(ev.Kind, ev.DetectedAt, ev.ID), []byte(ev.ID)); err != nil {
				return completion{}, err
			}
		}
	}

	out, err := json.Marshal(&ev)
	if err != nil {
		return completion{}, err
	}
	if err := events.Put([]byte(ev.ID), out); err != nil {
		return completion{}, err
	}

	return completion{finalStatus: ev.Status, abandoned: abandoned, applied: true}, nil
}

func (s *Store) finishCompletion(res completion) {
	if res.applied {
		metrics.EventsCompletedTotal.WithLabelValues(string(res.finalStatus)).Inc()
	}
	if res.abandoned != nil {
		s.logAbandoned(res.abandoned)
	}
}

// recordDone updates the latest-done index for the event's path. A move
// also clears the index entry of the previous path so reconciliation does
// not resurrect it.
func (s *Store) recordDone(tx *bolt.Tx, ev *types.Event) error {
	done := tx.Bucket(bucketDonePaths)
	events := tx.Bucket(bucketEvents)

	if cur := done.Get([]byte(ev.Path)); cur != nil {
		if data := events.Get(cur); data != nil {
			var prev types.Event
			if err := json.Unmarshal(data, &prev); err == nil && prev.DetectedAt.After(ev.DetectedAt) {
				// A later observation already completed. Keep it.
				return nil
			}
		}
	}

	if err := done.Put([]byte(ev.Path), []byte(ev.ID)); err != nil {
		return err
	}
	if ev.Kind == types.EventMoved && ev.PrevPath != "" && ev.PrevPath != ev.Path {
		if err := done.Delete([]byte(ev.PrevPath)); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseStale returns events claimed longer than olderThan ago to the
// pending queue, counting the interrupted claim as a failed attempt. Events
// out of attempts are abandoned. Returns how many events were released and
// how many abandoned.
func (s *Store) ReleaseStale(olderThan time.Duration) (released, abandonedCount int, err error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var abandonedEvents []*types.Event

	err = s.db.Update(func(tx *bolt.Tx) error {
		released, abandonedCount = 0, 0
		abandonedEvents = abandonedEvents[:0]

		events := tx.Bucket(bucketEvents)
		queue := tx.Bucket(bucketQueue)
		inflight := tx.Bucket(bucketInflight)

		type stale struct {
			path  string
			event *types.Event
		}
		var stales []stale

		if err := inflight.ForEach(func(k, v []byte) error {
			data := events.Get(v)
			if data == nil {
				stales = append(stales, stale{path: string(k)})
				return nil
			}
			var ev types.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				return fmt.Errorf("failed to decode event %s: %w", v, err)
			}
			if ev.ClaimedAt == nil || ev.ClaimedAt.Before(cutoff) {
				stales = append(stales, stale{path: string(k), event: &ev})
			}
			return nil
		}); err != nil {
			return err
		}

		for _, st := range stales {
			if err := inflight.Delete([]byte(st.path)); err != nil {
				return err
			}
			if st.event == nil {
				continue
			}

			ev := st.event
			ev.Attempts++
			ev.Owner = ""
			ev.ClaimedAt = nil

			if ev.Attempts >= s.maxAttempts {
				ev.Status = types.EventAbandoned
				ev.LastError = "claim expired"
				abandonedCount++
				abandonedEvents = append(abandonedEvents, ev)
			} else {
				ev.Status = types.EventPending
				if err := queue.Put(queueKey(ev.Kind, ev.DetectedAt, ev.ID), []byte(ev.ID)); err != nil {
					return err
				}
				released++
			}

			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if err := events.Put([]byte(ev.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	if released > 0 {
		metrics.EventsReleasedTotal.Add(float64(released))
	}
	for _, ev := range abandonedEvents {
		metrics.EventsCompletedTotal.WithLabelValues(string(types.EventAbandoned)).Inc()
		s.logAbandoned(ev)
	}
	return released, abandonedCount, nil
}

func (s *Store) logAbandoned(ev *types.Event) {
	log.Lifecycle("eventstore").
		Str("event_id", ev.ID).
		Str("document_id", ev.DocumentID).
		Str("path", ev.Path).
		Str("kind", string(ev.Kind)).
		Int("attempts", ev.Attempts).
		Str("last_error", ev.LastError).
		Msg("event abandoned after max attempts")
}

// GetEvent returns a single event by id.
func (s *Store) GetEvent(id string) (*types.Event, error) {
	var ev types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEvents).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrEventNotFound, id)
		}
		return json.Unmarshal(data, &ev)
	})
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// ScanSince returns up to limit events appended after the cursor, oldest
// first, with the cursor to resume from. An empty cursor starts at the
// beginning. Event ids are ULIDs, so key order is append order.
func (s *Store) ScanSince(cursor string, limit int) ([]*types.Event, string, error) {
	if limit < 1 {
		limit = 100
	}

	var out []*types.Event
	next := cursor

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()

		var k, v []byte
		if cursor == "" {
			k, v = c.First()
		} else {
			k, v = c.Seek([]byte(cursor))
			if k != nil && string(k) == cursor {
				k, v = c.Next()
			}
		}

		for ; k != nil && len(out) < limit; k, v = c.Next() {
			var ev types.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("failed to decode event %s: %w", k, err)
			}
			out = append(out, &ev)
			next = ev.ID
		}
		return nil
	})
	if err != nil {
		return nil, cursor, err
	}
	return out, next, nil
}

// ListOptions filters ListEvents.
type ListOptions struct {
	Status types.EventStatus
	Kind   types.EventKind
	Path   string
	Limit  int
}

// ListEvents returns events newest first, filtered by the non-zero fields
// of opts.
func (s *Store) ListEvents(opts ListOptions) ([]*types.Event, error) {
	limit := opts.Limit
	if limit < 1 || limit > 1000 {
		limit = 100
	}

	var out []*types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var ev types.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("failed to decode event %s: %w", k, err)
			}
			if opts.Status != "" && ev.Status != opts.Status {
				continue
			}
			if opts.Kind != "" && ev.Kind != opts.Kind {
				continue
			}
			if opts.Path != "" && ev.Path != opts.Path {
				continue
			}
			out = append(out, &ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LatestDoneByPath returns the latest done event for every path the
// pipeline has processed. This is the reconciler's ground truth of
// processed state.
func (s *Store) LatestDoneByPath() (map[string]*types.Event, error) {
	out := make(map[string]*types.Event)
	err := s.db.View(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		return tx.Bucket(bucketDonePaths).ForEach(func(k, v []byte) error {
			data := events.Get(v)
			if data == nil {
				return nil
			}
			var ev types.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				return fmt.Errorf("failed to decode event %s: %w", v, err)
			}
			out[string(k)] = &ev
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LatestDone returns the latest done event for one path, or nil if the
// path has none.
func (s *Store) LatestDone(path string) (*types.Event, error) {
	path = ids.CanonicalPath(path)
	var ev *types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketDonePaths).Get([]byte(path))
		if id == nil {
			return nil
		}
		data := tx.Bucket(bucketEvents).Get(id)
		if data == nil {
			return nil
		}
		var e types.Event
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		ev = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// PendingCount returns the number of claimable events. The reconciler uses
// this for backpressure before synthesizing more work.
func (s *Store) PendingCount() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketQueue).Stats().KeyN
		return nil
	})
	return n, err
}

// InFlightCount returns the number of claimed events.
func (s *Store) InFlightCount() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketInflight).Stats().KeyN
		return nil
	})
	return n, err
}

// ActivePaths returns every path that has a non-terminal event. The
// reconciler skips these paths: work for them is already queued or running,
// synthesizing more would only duplicate it.
func (s *Store) ActivePaths() (map[string]bool, error) {
	out := make(map[string]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(_, v []byte) error {
			var probe struct {
				Status types.EventStatus `json:"status"`
				Path   string            `json:"path"`
			}
			if err := json.Unmarshal(v, &probe); err != nil {
				return err
			}
			if !probe.Status.Terminal() {
				out[probe.Path] = true
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountsByStatus returns the number of events per status.
func (s *Store) CountsByStatus() (map[string]int, error) {
	out := make(map[string]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(_, v []byte) error {
			var probe struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(v, &probe); err != nil {
				return err
			}
			out[probe.Status]++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountsByKind returns the number of events per kind.
func (s *Store) CountsByKind() (map[string]int, error) {
	out := make(map[string]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(_, v []byte) error {
			var probe struct {
				Kind string `json:"kind"`
			}
			if err := json.Unmarshal(v, &probe); err != nil {
				return err
			}
			out[probe.Kind]++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
