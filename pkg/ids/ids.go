// Package ids provides identifier generation for events, logs, runs, and
// documents.
package ids

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// NewULID generates a new ULID. ULIDs sort lexicographically by creation
// time, which the event store relies on for chronological scans.
func NewULID() string {
	entropyLock.Lock()
	defer entropyLock.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewULIDFromTime generates a new ULID with a specific timestamp.
func NewULIDFromTime(t time.Time) string {
	entropyLock.Lock()
	defer entropyLock.Unlock()

	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	return id.String()
}

// ParseULID parses a ULID string.
func ParseULID(s string) (ulid.ULID, error) {
	return ulid.Parse(s)
}

// IsULID checks if a string is a valid ULID.
func IsULID(s string) bool {
	_, err := ulid.Parse(s)
	return err == nil
}

// ULIDTime extracts the timestamp from a ULID string.
func ULIDTime(s string) (time.Time, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(id.Time()), nil
}

// NewRunID generates a new workflow run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// DocumentID derives the stable document identifier for a file path. The
// same path always yields the same identifier, across restarts and across
// producers, so watcher, reconciler, and API events agree on which document
// a path belongs to.
func DocumentID(path string) string {
	canonical := CanonicalPath(path)
	sum := sha256.Sum256([]byte(canonical))
	return "doc_" + hex.EncodeToString(sum[:16])
}

// CanonicalPath normalizes a path for identity purposes. Separators are
// normalized, redundant elements are removed, and trailing separators are
// dropped. The path is not resolved against the filesystem, so symlinked
// locations remain distinct.
func CanonicalPath(path string) string {
	p := strings.ReplaceAll(path, "\\", "/")
	p = filepath.ToSlash(filepath.Clean(filepath.FromSlash(p)))
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// ContentHash fingerprints a byte slice as a hex-encoded SHA-256 digest.
// Document records and modification detection both compare fingerprints, so
// every producer must use the same digest.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashReader fingerprints a stream without buffering it in memory.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile fingerprints a file's contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return HashReader(f)
}
