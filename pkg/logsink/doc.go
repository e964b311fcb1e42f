// Package logsink is the telemetry store: structured log entries from
// workflow processors, external producers, and the daemon itself land in
// SQLite and stay queryable across compression and retention.
//
// The write path is Submit -> ring buffer -> flusher -> one INSERT
// transaction per batch. The flusher is the only writer; a failed batch
// stays in the ring and is retried, and when the ring overflows the
// oldest entries are dropped and counted. received_at is assigned
// monotonically at submission so cross-producer ordering is total even
// when producer clocks disagree.
//
// Retention runs as a daily pass: days older than the compression
// horizon move into data/archives/{YYYYMMDD}.zip segments (one JSONL
// file per day) with a pointer row per segment, then expired live rows
// and expired segments are removed. Range queries that reach past the
// compression horizon merge segment contents with live rows before
// sorting and pagination, so callers never see the boundary.
package logsink
