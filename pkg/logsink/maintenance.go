package logsink

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/cuemby/docflow/pkg/config"
	"github.com/cuemby/docflow/pkg/log"
	"github.com/cuemby/docflow/pkg/metrics"
	"github.com/cuemby/docflow/pkg/types"
)

// Maintenance runs the daily retention pass: compress old days into
// archive segments, prune expired live rows, expire old segments. The
// three phases run in order and the pass aborts on a compression error
// so cleanup never deletes rows that failed to archive.
type Maintenance struct {
	store      *Store
	archiveDir string
	cfg        config.LogsConfig
	logger     zerolog.Logger
	cron       *cron.Cron
}

// NewMaintenance wires a maintenance pass against store. Segments are
// written under archiveDir.
func NewMaintenance(store *Store, archiveDir string, cfg config.LogsConfig) *Maintenance {
	return &Maintenance{
		store:      store,
		archiveDir: archiveDir,
		cfg:        cfg,
		logger:     log.WithComponent("logsink"),
	}
}

// Start schedules the daily pass at the configured clock time.
func (m *Maintenance) Start() error {
	hour, minute, err := config.ParseClock(m.cfg.MaintenanceTime)
	if err != nil {
		return fmt.Errorf("invalid maintenance time %q: %w", m.cfg.MaintenanceTime, err)
	}

	m.cron = cron.New()
	_, err = m.cron.AddFunc(fmt.Sprintf("%d %d * * *", minute, hour), func() {
		if err := m.RunOnce(); err != nil {
			m.logger.Error().Err(err).Msg("Log maintenance pass failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule log maintenance: %w", err)
	}
	m.cron.Start()

	m.logger.Info().Str("at", m.cfg.MaintenanceTime).Msg("Log maintenance scheduled")
	return nil
}

// Stop halts the schedule and waits for a pass in flight.
func (m *Maintenance) Stop() {
	if m.cron != nil {
		ctx := m.cron.Stop()
		<-ctx.Done()
	}
}

// RunOnce executes one maintenance pass.
func (m *Maintenance) RunOnce() error {
	now := time.Now().UTC()

	archived, err := m.compress(now)
	if err != nil {
		return fmt.Errorf("compress phase: %w", err)
	}
	pruned, err := m.cleanup(now)
	if err != nil {
		return fmt.Errorf("cleanup phase: %w", err)
	}
	expired, err := m.expire(now)
	if err != nil {
		return fmt.Errorf("expire phase: %w", err)
	}

	log.Lifecycle("logsink").
		Int("archived", archived).
		Int64("pruned", pruned).
		Int("expired_segments", expired).
		Msg("Log maintenance pass completed")
	return nil
}

// compress moves whole days older than compress_after_days into zip
// segments. Each day commits independently; a crash leaves a day either
// fully archived or fully live.
func (m *Maintenance) compress(now time.Time) (int, error) {
	if m.cfg.CompressAfterDays <= 0 {
		return 0, nil
	}
	cutoff := startOfDay(now).AddDate(0, 0, -m.cfg.CompressAfterDays)

	days, err := m.store.daysBefore(cutoff)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, day := range days {
		n, err := m.compressDay(day)
		if err != nil {
			return total, fmt.Errorf("day %s: %w", day, err)
		}
		total += n
	}
	if total > 0 {
		metrics.LogsArchivedTotal.Add(float64(total))
	}
	return total, nil
}

func (m *Maintenance) compressDay(day string) (int, error) {
	live, err := m.store.entriesForDay(day)
	if err != nil {
		return 0, err
	}
	if len(live) == 0 {
		return 0, nil
	}

	// A prior partial pass may have archived this day already; merge and
	// dedupe by id so re-runs converge instead of duplicating.
	entries := live
	if existing, err := m.store.archiveForDay(day); err != nil {
		return 0, err
	} else if existing != nil {
		archived, err := readSegment(existing.Path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				m.logger.Error().Err(err).Str("segment", existing.Path).
					Msg("Existing segment unreadable, rebuilding from live rows")
			}
		} else {
			entries = mergeByID(archived, live)
		}
	}

	path, err := writeSegment(m.archiveDir, day, entries)
	if err != nil {
		return 0, err
	}
	if err := m.store.commitDayArchive(day, path, entries); err != nil {
		return 0, err
	}

	m.logger.Debug().Str("day", day).Int("entries", len(entries)).Msg("Day compressed")
	return len(live), nil
}

// cleanup deletes live rows past the retention window.
func (m *Maintenance) cleanup(now time.Time) (int64, error) {
	if m.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := startOfDay(now).AddDate(0, 0, -m.cfg.RetentionDays)
	n, err := m.store.DeleteOlderThan(cutoff, "", "")
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.LogsPrunedTotal.Add(float64(n))
	}
	return n, nil
}

// expire removes archive segments past the archive retention window.
func (m *Maintenance) expire(now time.Time) (int, error) {
	if m.cfg.ArchiveRetentionDays <= 0 {
		return 0, nil
	}
	cutoffDay := dayKey(startOfDay(now).AddDate(0, 0, -m.cfg.ArchiveRetentionDays))

	segments, err := m.store.archivesBefore(cutoffDay)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, seg := range segments {
		if err := os.Remove(seg.Path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove segment %s: %w", seg.Path, err)
		}
		if err := m.store.deleteArchiveRow(seg.Day); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func mergeByID(archived, live []*types.LogEntry) []*types.LogEntry {
	seen := make(map[string]struct{}, len(archived)+len(live))
	merged := make([]*types.LogEntry, 0, len(archived)+len(live))
	for _, e := range archived {
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		merged = append(merged, e)
	}
	for _, e := range live {
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		merged = append(merged, e)
	}
	sortEntries(merged, "timestamp", true)
	return merged
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
