package logsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/docflow/pkg/ids"
	"github.com/cuemby/docflow/pkg/log"
	"github.com/cuemby/docflow/pkg/metrics"
	"github.com/cuemby/docflow/pkg/types"
)

// ErrInvalidEntry marks a rejected submission. The API layer maps it to
// a 400 response.
var ErrInvalidEntry = errors.New("invalid log entry")

const (
	maxMessageBytes = 8 * 1024
	maxDetailsBytes = 64 * 1024

	defaultBatchSize     = 500
	defaultFlushInterval = time.Second
	defaultRingMax       = 10000
)

// Config tunes the write path.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	RingMax       int
}

// Sink accepts log entries, stages them in a ring buffer and flushes
// batches to the store from a single writer goroutine. Reads go straight
// to the store.
type Sink struct {
	store  *Store
	cfg    Config
	ring   *ring
	logger zerolog.Logger

	kickCh chan struct{}

	mu           sync.Mutex
	lastReceived time.Time
	lastReported uint64
}

// New creates a sink on top of store. Zero config fields take defaults.
func New(store *Store, cfg Config) *Sink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.RingMax <= 0 {
		cfg.RingMax = defaultRingMax
	}
	return &Sink{
		store:  store,
		cfg:    cfg,
		ring:   newRing(cfg.RingMax),
		logger: log.WithComponent("logsink"),
		kickCh: make(chan struct{}, 1),
	}
}

// Submit validates and stages one entry, returning its assigned id.
func (s *Sink) Submit(e *types.LogEntry) (string, error) {
	assigned, err := s.SubmitBatch([]*types.LogEntry{e})
	if err != nil {
		return "", err
	}
	return assigned[0], nil
}

// SubmitBatch validates and stages entries, preserving submission order.
// Validation is all-or-nothing: one bad entry rejects the batch, matching
// the all-or-nothing insert downstream.
func (s *Sink) SubmitBatch(entries []*types.LogEntry) ([]string, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidEntry)
	}
	for i, e := range entries {
		if err := validateEntry(e); err != nil {
			if len(entries) == 1 {
				return nil, err
			}
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
	}

	assigned := make([]string, len(entries))
	s.mu.Lock()
	for i, e := range entries {
		e.ID = ids.NewULID()
		e.ReceivedAt = s.nextReceivedAtLocked()
		if e.Timestamp.IsZero() {
			e.Timestamp = e.ReceivedAt
		} else {
			e.Timestamp = e.Timestamp.UTC()
		}
		assigned[i] = e.ID
	}
	s.mu.Unlock()

	s.ring.add(entries...)
	metrics.LogsIngestedTotal.Add(float64(len(entries)))

	if s.ring.len() >= s.cfg.BatchSize {
		select {
		case s.kickCh <- struct{}{}:
		default:
		}
	}
	return assigned, nil
}

// nextReceivedAtLocked hands out strictly increasing timestamps so
// cross-producer ordering by received_at is total.
func (s *Sink) nextReceivedAtLocked() time.Time {
	now := time.Now().UTC()
	if !now.After(s.lastReceived) {
		now = s.lastReceived.Add(time.Nanosecond)
	}
	s.lastReceived = now
	return now
}

func validateEntry(e *types.LogEntry) error {
	if e == nil {
		return fmt.Errorf("%w: nil entry", ErrInvalidEntry)
	}
	if !e.Level.Valid() {
		return fmt.Errorf("%w: unknown level %q", ErrInvalidEntry, e.Level)
	}
	if e.Project == "" {
		return fmt.Errorf("%w: project is required", ErrInvalidEntry)
	}
	if e.Module == "" {
		return fmt.Errorf("%w: module is required", ErrInvalidEntry)
	}
	if len(e.Message) > maxMessageBytes {
		return fmt.Errorf("%w: message exceeds %d bytes", ErrInvalidEntry, maxMessageBytes)
	}
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("%w: details not serializable: %v", ErrInvalidEntry, err)
		}
		if len(raw) > maxDetailsBytes {
			return fmt.Errorf("%w: details exceed %d bytes", ErrInvalidEntry, maxDetailsBytes)
		}
	}
	return nil
}

// RunFlusher drains the ring until ctx is cancelled, then performs a
// final flush. It is the logs table's only writer and is meant to run
// under the supervisor.
func (s *Sink) RunFlusher(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(); err != nil {
				s.logger.Error().Err(err).Int("staged", s.ring.len()).
					Msg("Final log flush failed, staged entries lost")
			}
			return nil
		case <-s.kickCh:
		case <-ticker.C:
		}

		if err := s.flushOnce(); err != nil {
			s.logger.Error().Err(err).Msg("Log flush failed, entries stay staged")
		}
		s.reportDrops()
	}
}

// Flush synchronously drains everything currently staged.
func (s *Sink) Flush() error {
	for s.ring.len() > 0 {
		if err := s.flushOnce(); err != nil {
			return err
		}
	}
	return nil
}

// flushOnce writes at most one ring's worth of batches. A failed batch is
// requeued at the front so order holds across retries.
func (s *Sink) flushOnce() error {
	for {
		batch := s.ring.take(s.cfg.BatchSize)
		if len(batch) == 0 {
			return nil
		}

		timer := time.Now()
		if err := s.store.InsertBatch(batch); err != nil {
			s.ring.requeue(batch)
			return err
		}
		metrics.LogFlushDuration.Observe(time.Since(timer).Seconds())
		metrics.LogsFlushedTotal.Add(float64(len(batch)))

		if len(batch) < s.cfg.BatchSize {
			return nil
		}
	}
}

// reportDrops surfaces ring overflow once per flush cycle instead of per
// dropped entry.
func (s *Sink) reportDrops() {
	total := s.ring.droppedCount()
	s.mu.Lock()
	delta := total - s.lastReported
	s.lastReported = total
	s.mu.Unlock()

	if delta == 0 {
		return
	}
	metrics.LogsDroppedTotal.Add(float64(delta))
	log.Lifecycle("logsink").
		Uint64("dropped", delta).
		Uint64("dropped_total", total).
		Msg("Ring buffer overflow dropped oldest entries")
}

// Staged reports how many entries wait in the ring.
func (s *Sink) Staged() int {
	return s.ring.len()
}

// Query delegates to the store.
func (s *Sink) Query(f Filter) ([]*types.LogEntry, error) {
	return s.store.Query(f)
}

// GetByID delegates to the store.
func (s *Sink) GetByID(id string) (*types.LogEntry, error) {
	return s.store.GetByID(id)
}

// Stats combines store counts with the ring drop counter.
func (s *Sink) Stats() (Stats, error) {
	st, err := s.store.Stats()
	if err != nil {
		return st, err
	}
	st.Dropped = s.ring.droppedCount()
	return st, nil
}

// DeleteOlderThan delegates to the store.
func (s *Sink) DeleteOlderThan(cutoff time.Time, project string, level types.LogLevel) (int64, error) {
	return s.store.DeleteOlderThan(cutoff, project, level)
}

// DeleteAll delegates to the store.
func (s *Sink) DeleteAll() (int64, error) {
	return s.store.DeleteAll()
}

// Lifecycle returns the full ordered history correlated by one of the
// document keys, oldest first, across the given project scope.
func (s *Sink) Lifecycle(documentID, fileName, fileHash string, scope []string) ([]*types.LogEntry, error) {
	return s.store.Query(Filter{
		DocumentID:      documentID,
		FileName:        fileName,
		FileHash:        fileHash,
		Scope:           scope,
		SortBy:          "timestamp",
		SortOrder:       "asc",
		Limit:           maxQueryLimit,
		IncludeArchived: true,
	})
}
