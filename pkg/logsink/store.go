package logsink

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/cuemby/docflow/pkg/log"
	"github.com/cuemby/docflow/pkg/types"
)

// ErrEntryNotFound is returned when a log entry id has no live row.
var ErrEntryNotFound = errors.New("log entry not found")

// maxQueryLimit caps a single query's result size.
const maxQueryLimit = 1000

const schema = `
CREATE TABLE IF NOT EXISTS logs (
	id          TEXT PRIMARY KEY,
	timestamp   INTEGER NOT NULL,
	received_at INTEGER NOT NULL,
	project     TEXT NOT NULL,
	level       TEXT NOT NULL,
	module      TEXT NOT NULL,
	message     TEXT NOT NULL,
	details     TEXT,
	context     TEXT,
	document_id TEXT,
	file_name   TEXT,
	file_hash   TEXT,
	run_id      TEXT
);
CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs (timestamp);
CREATE INDEX IF NOT EXISTS idx_logs_project ON logs (project, timestamp);
CREATE INDEX IF NOT EXISTS idx_logs_level ON logs (level, timestamp);
CREATE INDEX IF NOT EXISTS idx_logs_document ON logs (document_id) WHERE document_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_logs_file_name ON logs (file_name) WHERE file_name IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_logs_file_hash ON logs (file_hash) WHERE file_hash IS NOT NULL;
CREATE TABLE IF NOT EXISTS log_archives (
	day           TEXT PRIMARY KEY,
	path          TEXT NOT NULL,
	entry_count   INTEGER NOT NULL,
	min_timestamp INTEGER NOT NULL,
	max_timestamp INTEGER NOT NULL,
	created_at    INTEGER NOT NULL
);
`

// Store persists log entries in SQLite. The flusher is the only writer of
// the logs table; readers run ordinary queries against the WAL. Archive
// segment files live outside the database, the log_archives table holds
// one pointer row per compressed day.
type Store struct {
	db         *sql.DB
	path       string
	archiveDir string
	logger     zerolog.Logger
}

// Open opens (creating if needed) the log database at path. Archive
// segments are read from and written under archiveDir.
func Open(path, archiveDir string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open log database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate log schema: %w", err)
	}

	return &Store{
		db:         db,
		path:       path,
		archiveDir: archiveDir,
		logger:     log.WithComponent("logsink"),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertBatch persists entries in one transaction. Either every entry
// lands or none does; callers re-send on failure.
func (s *Store) InsertBatch(entries []*types.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin log batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO logs
		(id, timestamp, received_at, project, level, module, message, details, context, document_id, file_name, file_hash, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare log insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		details, err := marshalField(e.Details)
		if err != nil {
			return fmt.Errorf("failed to encode details for %s: %w", e.ID, err)
		}
		context, err := marshalField(e.Context)
		if err != nil {
			return fmt.Errorf("failed to encode context for %s: %w", e.ID, err)
		}
		docID, fileName, fileHash, runID := extractCorrelation(e)

		_, err = stmt.Exec(
			e.ID,
			e.Timestamp.UnixNano(),
			e.ReceivedAt.UnixNano(),
			e.Project,
			string(e.Level),
			e.Module,
			e.Message,
			details,
			context,
			nullable(docID),
			nullable(fileName),
			nullable(fileHash),
			nullable(runID),
		)
		if err != nil {
			return fmt.Errorf("failed to insert log %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit log batch: %w", err)
	}
	return nil
}

// Filter selects log entries. Zero-valued fields are ignored. Scope, when
// non-empty, restricts results to the named projects on top of Project;
// the auth layer uses it to confine a key to its allowlist.
type Filter struct {
	Project    string
	Scope      []string
	Level      types.LogLevel
	Module     string
	DocumentID string
	FileName   string
	FileHash   string
	RunID      string
	Start      *time.Time
	End        *time.Time
	SortBy     string
	SortOrder  string
	Limit      int
	Offset     int

	// IncludeArchived forces archive segments into the result even when
	// no start date is given. Lifecycle queries set it so document
	// histories reach past the compression horizon.
	IncludeArchived bool
}

var sortColumns = map[string]string{
	"timestamp":   "timestamp",
	"received_at": "received_at",
	"level":       "level",
	"project":     "project",
	"module":      "module",
}

func (f Filter) sortColumn() string {
	if col, ok := sortColumns[f.SortBy]; ok {
		return col
	}
	return "timestamp"
}

func (f Filter) ascending() bool {
	return strings.EqualFold(f.SortOrder, "asc")
}

func (f Filter) limit() int {
	if f.Limit < 0 || f.Limit > maxQueryLimit {
		return maxQueryLimit
	}
	return f.Limit
}

// Query returns entries matching f. When the requested range reaches into
// compressed days (or IncludeArchived is set) the matching archive
// segments are merged with live rows before sorting and pagination.
func (s *Store) Query(f Filter) ([]*types.LogEntry, error) {
	if f.Limit == 0 {
		return []*types.LogEntry{}, nil
	}

	var segments []archiveRow
	if f.Start != nil || f.IncludeArchived {
		var err error
		segments, err = s.overlappingArchives(f.Start, f.End)
		if err != nil {
			return nil, err
		}
	}

	if len(segments) == 0 {
		return s.queryLive(f, true)
	}

	live, err := s.queryLive(f, false)
	if err != nil {
		return nil, err
	}
	merged := live
	for _, seg := range segments {
		entries, err := readSegment(seg.Path)
		if err != nil {
			// A missing or corrupt segment must not hide live rows.
			s.logger.Error().Err(err).Str("segment", seg.Path).Msg("Failed to read archive segment")
			continue
		}
		for _, e := range entries {
			if matchEntry(f, e) {
				merged = append(merged, e)
			}
		}
	}

	sortEntries(merged, f.sortColumn(), f.ascending())
	if f.Offset >= len(merged) {
		return []*types.LogEntry{}, nil
	}
	merged = merged[f.Offset:]
	if limit := f.limit(); len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// queryLive runs f against the logs table. With paginate false the limit
// and offset are left off so the caller can merge archives first.
func (s *Store) queryLive(f Filter, paginate bool) ([]*types.LogEntry, error) {
	where, args := buildWhere(f)

	q := "SELECT id, timestamp, received_at, project, level, module, message, details, context FROM logs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	dir := "DESC"
	if f.ascending() {
		dir = "ASC"
	}
	q += fmt.Sprintf(" ORDER BY %s %s, received_at %s", f.sortColumn(), dir, dir)
	if paginate {
		q += " LIMIT ? OFFSET ?"
		args = append(args, f.limit(), f.Offset)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	entries := []*types.LogEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func buildWhere(f Filter) ([]string, []any) {
	var where []string
	var args []any

	if f.Project != "" {
		where = append(where, "project = ?")
		args = append(args, f.Project)
	}
	if len(f.Scope) > 0 {
		where = append(where, "project IN ("+placeholders(len(f.Scope))+")")
		for _, p := range f.Scope {
			args = append(args, p)
		}
	}
	if f.Level != "" {
		where = append(where, "level = ?")
		args = append(args, string(f.Level))
	}
	if f.Module != "" {
		where = append(where, "module = ?")
		args = append(args, f.Module)
	}
	if f.DocumentID != "" {
		where = append(where, "document_id = ?")
		args = append(args, f.DocumentID)
	}
	if f.FileName != "" {
		where = append(where, "file_name = ?")
		args = append(args, f.FileName)
	}
	if f.FileHash != "" {
		where = append(where, "file_hash = ?")
		args = append(args, f.FileHash)
	}
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Start != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Start.UnixNano())
	}
	if f.End != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, f.End.UnixNano())
	}
	return where, args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// matchEntry applies f's predicates to an archived entry in memory,
// mirroring buildWhere.
func matchEntry(f Filter, e *types.LogEntry) bool {
	if f.Project != "" && e.Project != f.Project {
		return false
	}
	if len(f.Scope) > 0 {
		found := false
		for _, p := range f.Scope {
			if e.Project == p {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Level != "" && e.Level != f.Level {
		return false
	}
	if f.Module != "" && e.Module != f.Module {
		return false
	}
	docID, fileName, fileHash, runID := extractCorrelation(e)
	if f.DocumentID != "" && docID != f.DocumentID {
		return false
	}
	if f.FileName != "" && fileName != f.FileName {
		return false
	}
	if f.FileHash != "" && fileHash != f.FileHash {
		return false
	}
	if f.RunID != "" && runID != f.RunID {
		return false
	}
	if f.Start != nil && e.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && e.Timestamp.After(*f.End) {
		return false
	}
	return true
}

func sortEntries(entries []*types.LogEntry, column string, asc bool) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !asc {
			a, b = b, a
		}
		switch column {
		case "received_at":
			if !a.ReceivedAt.Equal(b.ReceivedAt) {
				return a.ReceivedAt.Before(b.ReceivedAt)
			}
		case "level":
			if a.Level != b.Level {
				return a.Level < b.Level
			}
		case "project":
			if a.Project != b.Project {
				return a.Project < b.Project
			}
		case "module":
			if a.Module != b.Module {
				return a.Module < b.Module
			}
		default:
			if !a.Timestamp.Equal(b.Timestamp) {
				return a.Timestamp.Before(b.Timestamp)
			}
		}
		return a.ReceivedAt.Before(b.ReceivedAt)
	})
}

// GetByID fetches one live entry. Archived entries are served through
// range queries, not point lookups.
func (s *Store) GetByID(id string) (*types.LogEntry, error) {
	row := s.db.QueryRow(
		"SELECT id, timestamp, received_at, project, level, module, message, details, context FROM logs WHERE id = ?", id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Stats summarizes the sink's stored state. Dropped is filled in by the
// sink, which owns the ring counter.
type Stats struct {
	LiveEntries     int64            `json:"live_entries"`
	ArchivedEntries int64            `json:"archived_entries"`
	ArchiveSegments int              `json:"archive_segments"`
	ByLevel         map[string]int64 `json:"by_level"`
	ByProject       map[string]int64 `json:"by_project"`
	Dropped         uint64           `json:"dropped"`
	DBSizeBytes     int64            `json:"db_size_bytes"`
}

// Stats computes row counts and database size.
func (s *Store) Stats() (Stats, error) {
	st := Stats{
		ByLevel:   map[string]int64{},
		ByProject: map[string]int64{},
	}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM logs").Scan(&st.LiveEntries); err != nil {
		return st, fmt.Errorf("failed to count logs: %w", err)
	}
	if err := s.db.QueryRow(
		"SELECT COUNT(*), COALESCE(SUM(entry_count), 0) FROM log_archives").
		Scan(&st.ArchiveSegments, &st.ArchivedEntries); err != nil {
		return st, fmt.Errorf("failed to count archives: %w", err)
	}

	rows, err := s.db.Query("SELECT level, COUNT(*) FROM logs GROUP BY level")
	if err != nil {
		return st, fmt.Errorf("failed to count logs by level: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var level string
		var n int64
		if err := rows.Scan(&level, &n); err != nil {
			return st, err
		}
		st.ByLevel[level] = n
	}
	if err := rows.Err(); err != nil {
		return st, err
	}

	prows, err := s.db.Query("SELECT project, COUNT(*) FROM logs GROUP BY project")
	if err != nil {
		return st, fmt.Errorf("failed to count logs by project: %w", err)
	}
	defer prows.Close()
	for prows.Next() {
		var project string
		var n int64
		if err := prows.Scan(&project, &n); err != nil {
			return st, err
		}
		st.ByProject[project] = n
	}
	if err := prows.Err(); err != nil {
		return st, err
	}

	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}
	return st, nil
}

// DeleteOlderThan removes live rows older than cutoff, optionally
// narrowed to one project and/or level. Returns the number removed.
func (s *Store) DeleteOlderThan(cutoff time.Time, project string, level types.LogLevel) (int64, error) {
	where := []string{"timestamp < ?"}
	args := []any{cutoff.UnixNano()}
	if project != "" {
		where = append(where, "project = ?")
		args = append(args, project)
	}
	if level != "" {
		where = append(where, "level = ?")
		args = append(args, string(level))
	}

	res, err := s.db.Exec("DELETE FROM logs WHERE "+strings.Join(where, " AND "), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete logs: %w", err)
	}
	return res.RowsAffected()
}

// DeleteAll removes every live row, every archive pointer and every
// segment file. Returns the number of live rows removed.
func (s *Store) DeleteAll() (int64, error) {
	segments, err := s.allArchives()
	if err != nil {
		return 0, err
	}

	res, err := s.db.Exec("DELETE FROM logs")
	if err != nil {
		return 0, fmt.Errorf("failed to clear logs: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := s.db.Exec("DELETE FROM log_archives"); err != nil {
		return n, fmt.Errorf("failed to clear archive pointers: %w", err)
	}
	for _, seg := range segments {
		if err := os.Remove(seg.Path); err != nil && !os.IsNotExist(err) {
			s.logger.Error().Err(err).Str("segment", seg.Path).Msg("Failed to remove archive segment")
		}
	}
	return n, nil
}

type archiveRow struct {
	Day          string
	Path         string
	EntryCount   int64
	MinTimestamp int64
	MaxTimestamp int64
}

func (s *Store) overlappingArchives(start, end *time.Time) ([]archiveRow, error) {
	q := "SELECT day, path, entry_count, min_timestamp, max_timestamp FROM log_archives"
	var where []string
	var args []any
	if start != nil {
		where = append(where, "max_timestamp >= ?")
		args = append(args, start.UnixNano())
	}
	if end != nil {
		where = append(where, "min_timestamp <= ?")
		args = append(args, end.UnixNano())
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY day"
	return s.scanArchives(q, args...)
}

func (s *Store) allArchives() ([]archiveRow, error) {
	return s.scanArchives("SELECT day, path, entry_count, min_timestamp, max_timestamp FROM log_archives ORDER BY day")
}

// archivesBefore returns segments whose day key sorts before cutoffDay.
func (s *Store) archivesBefore(cutoffDay string) ([]archiveRow, error) {
	return s.scanArchives(
		"SELECT day, path, entry_count, min_timestamp, max_timestamp FROM log_archives WHERE day < ? ORDER BY day",
		cutoffDay)
}

func (s *Store) scanArchives(q string, args ...any) ([]archiveRow, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query archives: %w", err)
	}
	defer rows.Close()

	var out []archiveRow
	for rows.Next() {
		var r archiveRow
		if err := rows.Scan(&r.Day, &r.Path, &r.EntryCount, &r.MinTimestamp, &r.MaxTimestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) archiveForDay(day string) (*archiveRow, error) {
	rows, err := s.scanArchives(
		"SELECT day, path, entry_count, min_timestamp, max_timestamp FROM log_archives WHERE day = ?", day)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// daysBefore lists the distinct UTC day keys of live rows older than
// cutoff, oldest first.
func (s *Store) daysBefore(cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT DISTINCT strftime('%Y%m%d', timestamp / 1000000000, 'unixepoch') FROM logs WHERE timestamp < ? ORDER BY 1",
		cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to list archivable days: %w", err)
	}
	defer rows.Close()

	var days []string
	for rows.Next() {
		var day string
		if err := rows.Scan(&day); err != nil {
			return nil, err
		}
		days = append(days, day)
	}
	return days, rows.Err()
}

// entriesForDay returns the day's live rows in timestamp order.
func (s *Store) entriesForDay(day string) ([]*types.LogEntry, error) {
	start, end, err := dayBounds(day)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(
		"SELECT id, timestamp, received_at, project, level, module, message, details, context FROM logs WHERE timestamp >= ? AND timestamp < ? ORDER BY timestamp, received_at",
		start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load day %s: %w", day, err)
	}
	defer rows.Close()

	var entries []*types.LogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// commitDayArchive records the segment pointer and removes the day's live
// rows in one transaction. The segment file must already be synced to
// disk: a crash before this commit leaves the day fully live, a crash
// after leaves it fully archived.
func (s *Store) commitDayArchive(day, path string, entries []*types.LogEntry) error {
	start, end, err := dayBounds(day)
	if err != nil {
		return err
	}
	minTS, maxTS := start, start
	if len(entries) > 0 {
		minTS = entries[0].Timestamp.UnixNano()
		maxTS = entries[0].Timestamp.UnixNano()
		for _, e := range entries {
			n := e.Timestamp.UnixNano()
			if n < minTS {
				minTS = n
			}
			if n > maxTS {
				maxTS = n
			}
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin archive commit: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		"INSERT OR REPLACE INTO log_archives (day, path, entry_count, min_timestamp, max_timestamp, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		day, path, len(entries), minTS, maxTS, time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record archive pointer: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM logs WHERE timestamp >= ? AND timestamp < ?", start, end); err != nil {
		return fmt.Errorf("failed to remove archived rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive for %s: %w", day, err)
	}
	return nil
}

func (s *Store) deleteArchiveRow(day string) error {
	if _, err := s.db.Exec("DELETE FROM log_archives WHERE day = ?", day); err != nil {
		return fmt.Errorf("failed to delete archive pointer %s: %w", day, err)
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*types.LogEntry, error) {
	var (
		e          types.LogEntry
		ts, recv   int64
		level      string
		details    sql.NullString
		rawContext sql.NullString
	)
	if err := row.Scan(&e.ID, &ts, &recv, &e.Project, &level, &e.Module, &e.Message, &details, &rawContext); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan log entry: %w", err)
	}
	e.Timestamp = time.Unix(0, ts).UTC()
	e.ReceivedAt = time.Unix(0, recv).UTC()
	e.Level = types.LogLevel(level)
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
			return nil, fmt.Errorf("failed to decode details for %s: %w", e.ID, err)
		}
	}
	if rawContext.Valid && rawContext.String != "" {
		if err := json.Unmarshal([]byte(rawContext.String), &e.Context); err != nil {
			return nil, fmt.Errorf("failed to decode context for %s: %w", e.ID, err)
		}
	}
	return &e, nil
}

func marshalField(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nullable(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

// extractCorrelation pulls the correlation columns out of an entry's
// context, falling back to details. Events carry content_hash while log
// producers tend to write file_hash; both populate the hash column.
func extractCorrelation(e *types.LogEntry) (docID, fileName, fileHash, runID string) {
	pick := func(keys ...string) string {
		for _, m := range []map[string]any{e.Context, e.Details} {
			if m == nil {
				continue
			}
			for _, k := range keys {
				if v, ok := m[k].(string); ok && v != "" {
					return v
				}
			}
		}
		return ""
	}
	return pick("document_id"), pick("file_name"), pick("file_hash", "content_hash"), pick("run_id")
}
