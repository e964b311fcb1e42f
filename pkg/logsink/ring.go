package logsink

import (
	"sync"

	"github.com/cuemby/docflow/pkg/types"
)

// ring is the in-memory staging buffer between Submit and the flusher.
// When full it drops the oldest entries and counts them; losing the
// newest would hide exactly the records someone is about to look for.
type ring struct {
	mu      sync.Mutex
	entries []*types.LogEntry
	max     int
	dropped uint64
}

func newRing(max int) *ring {
	return &ring{max: max}
}

// add appends entries, evicting from the front once the buffer exceeds
// its cap. Returns how many were evicted.
func (r *ring) add(entries ...*types.LogEntry) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, entries...)
	return r.evictLocked()
}

// take removes and returns up to n entries from the front.
func (r *ring) take(n int) []*types.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n > len(r.entries) {
		n = len(r.entries)
	}
	if n == 0 {
		return nil
	}
	batch := make([]*types.LogEntry, n)
	copy(batch, r.entries)
	rest := copy(r.entries, r.entries[n:])
	for i := rest; i < len(r.entries); i++ {
		r.entries[i] = nil
	}
	r.entries = r.entries[:rest]
	return batch
}

// requeue puts a failed batch back at the front, preserving order. The
// cap still holds afterwards; the requeued entries are the oldest, so
// they are the first to go if the buffer overflowed meanwhile.
func (r *ring) requeue(batch []*types.LogEntry) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(batch, r.entries...)
	return r.evictLocked()
}

func (r *ring) evictLocked() int {
	over := len(r.entries) - r.max
	if over <= 0 {
		return 0
	}
	r.entries = append([]*types.LogEntry(nil), r.entries[over:]...)
	r.dropped += uint64(over)
	return over
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *ring) droppedCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
