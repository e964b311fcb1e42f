package logsink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/cuemby/docflow/pkg/types"
)

const dayFormat = "20060102"

// segmentScanBuffer bounds one archived JSONL line. Entries top out around
// 72 KiB (message 8 KiB + details 64 KiB) before JSON escaping.
const segmentScanBuffer = 256 * 1024

func dayKey(t time.Time) string {
	return t.UTC().Format(dayFormat)
}

// dayBounds returns the half-open [start, end) nanosecond range of a UTC day.
func dayBounds(day string) (int64, int64, error) {
	t, err := time.ParseInLocation(dayFormat, day, time.UTC)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid day key %q: %w", day, err)
	}
	return t.UnixNano(), t.AddDate(0, 0, 1).UnixNano(), nil
}

// writeSegment writes one day's entries as a zip holding a single JSONL
// file, syncing before the rename so the segment is durable when it
// appears under its final name.
func writeSegment(dir, day string, entries []*types.LogEntry) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, day+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create segment temp file: %w", err)
	}
	tmpName := tmp.Name()

	fail := func(err error) (string, error) {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}

	zw := zip.NewWriter(tmp)
	w, err := zw.Create(day + ".jsonl")
	if err != nil {
		return fail(fmt.Errorf("failed to create segment entry: %w", err))
	}
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fail(fmt.Errorf("failed to encode entry %s: %w", e.ID, err))
		}
	}
	if err := zw.Close(); err != nil {
		return fail(fmt.Errorf("failed to finalize segment: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("failed to sync segment: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return fail(fmt.Errorf("failed to close segment: %w", err))
	}

	final := filepath.Join(dir, day+".zip")
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to publish segment: %w", err)
	}
	return final, nil
}

// readSegment loads every entry from a segment file.
func readSegment(path string) ([]*types.LogEntry, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %s: %w", path, err)
	}
	defer zr.Close()

	var entries []*types.LogEntry
	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, ".jsonl") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open segment entry %s: %w", f.Name, err)
		}
		sc := bufio.NewScanner(rc)
		sc.Buffer(make([]byte, 64*1024), segmentScanBuffer)
		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}
			var e types.LogEntry
			if err := json.Unmarshal(line, &e); err != nil {
				rc.Close()
				return nil, fmt.Errorf("failed to decode archived entry in %s: %w", path, err)
			}
			entries = append(entries, &e)
		}
		if err := sc.Err(); err != nil {
			rc.Close()
			return nil, fmt.Errorf("failed to read segment %s: %w", path, err)
		}
		rc.Close()
	}
	return entries, nil
}
