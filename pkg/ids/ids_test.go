package ids

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewULID(t *testing.T) {
	id := NewULID()
	assert.Len(t, id, 26)
	assert.True(t, IsULID(id))
}

func TestNewULID_Monotonic(t *testing.T) {
	prev := NewULID()
	for i := 0; i < 100; i++ {
		next := NewULID()
		assert.Less(t, prev, next, "ULIDs must sort by generation order")
		prev = next
	}
}

func TestNewULID_Concurrent(t *testing.T) {
	const n = 50
	var wg sync.WaitGroup
	seen := sync.Map{}

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := NewULID()
			_, dup := seen.LoadOrStore(id, true)
			assert.False(t, dup, "duplicate ULID %s", id)
		}()
	}
	wg.Wait()
}

func TestULIDTime(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	id := NewULIDFromTime(at)

	got, err := ULIDTime(id)
	require.NoError(t, err)
	assert.Equal(t, at.UnixMilli(), got.UnixMilli())

	_, err = ULIDTime("not-a-ulid")
	assert.Error(t, err)
}

func TestNewRunID(t *testing.T) {
	a := NewRunID()
	b := NewRunID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)
}

func TestDocumentID_Deterministic(t *testing.T) {
	a := DocumentID("/srv/docs/report.pdf")
	b := DocumentID("/srv/docs/report.pdf")
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "doc_"))
	assert.Len(t, a, 4+32)
}

func TestDocumentID_PathNormalization(t *testing.T) {
	base := DocumentID("/srv/docs/report.pdf")

	assert.Equal(t, base, DocumentID("/srv/docs/report.pdf/"))
	assert.Equal(t, base, DocumentID("/srv/docs//report.pdf"))
	assert.Equal(t, base, DocumentID("/srv/docs/./report.pdf"))
	assert.Equal(t, base, DocumentID("/srv/other/../docs/report.pdf"))
	assert.Equal(t, base, DocumentID(`\srv\docs\report.pdf`))

	assert.NotEqual(t, base, DocumentID("/srv/docs/Report.pdf"))
	assert.NotEqual(t, base, DocumentID("/srv/docs/report2.pdf"))
}

func TestContentHash(t *testing.T) {
	// sha256 of "hello"
	const want = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

	assert.Equal(t, want, ContentHash([]byte("hello")))

	got, err := HashReader(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	got, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, ContentHash([]byte("hello")), got)

	_, err = HashFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestCanonicalPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/a/b/c", "/a/b/c"},
		{"/a/b/c/", "/a/b/c"},
		{"/a//b/c", "/a/b/c"},
		{"/a/./b", "/a/b"},
		{"/a/x/../b", "/a/b"},
		{`\a\b\c`, "/a/b/c"},
		{"/", "/"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CanonicalPath(tt.in), "input %q", tt.in)
	}
}
