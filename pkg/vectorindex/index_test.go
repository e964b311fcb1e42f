package vectorindex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryIndex(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Upsert(ctx, Entry{DocumentID: "doc_b", Path: "/d/b.md", Chunks: 3}))
	require.NoError(t, m.Upsert(ctx, Entry{DocumentID: "doc_a", Path: "/d/a.md", Chunks: 1}))

	entries, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "doc_a", entries[0].DocumentID, "List is ordered by document id")

	// Upsert replaces.
	require.NoError(t, m.Upsert(ctx, Entry{DocumentID: "doc_a", Path: "/d/a2.md", Chunks: 9}))
	entries, err = m.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "/d/a2.md", entries[0].Path)

	require.NoError(t, m.Remove(ctx, "doc_a"))
	require.NoError(t, m.Remove(ctx, "doc_a"), "removing an absent entry is a no-op")
	assert.Equal(t, 1, m.Len())

	assert.NoError(t, m.Healthy(ctx))
}

func TestNewSelectsBackend(t *testing.T) {
	_, isMemory := New("", "documents").(*Memory)
	assert.True(t, isMemory)

	_, isHTTP := New("http://localhost:6333", "documents").(*HTTPIndex)
	assert.True(t, isHTTP)
}

// fakeVectorService implements the REST contract HTTPIndex speaks.
type fakeVectorService struct {
	entries map[string]Entry
}

func (f *fakeVectorService) handler() http.Handler {
	// Method dispatch is done inside the handlers because the Go 1.21
	// net/http ServeMux does not support "METHOD /path" patterns.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/collections/documents/entries", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		out := struct {
			Entries []Entry `json:"entries"`
		}{Entries: make([]Entry, 0, len(f.entries))}
		for _, e := range f.entries {
			out.Entries = append(out.Entries, e)
		}
		json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/collections/documents/entries/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			var e Entry
			if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			f.entries[e.DocumentID] = e
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			id := strings.TrimPrefix(r.URL.Path, "/collections/documents/entries/")
			if _, ok := f.entries[id]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(f.entries, id)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	return mux
}

func TestHTTPIndexRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := &fakeVectorService{entries: make(map[string]Entry)}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	idx := NewHTTPIndex(srv.URL, "documents")

	require.NoError(t, idx.Healthy(ctx))

	require.NoError(t, idx.Upsert(ctx, Entry{DocumentID: "doc_1", Path: "/d/1.md", Chunks: 4}))

	entries, err := idx.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "doc_1", entries[0].DocumentID)
	assert.Equal(t, 4, entries[0].Chunks)

	require.NoError(t, idx.Remove(ctx, "doc_1"))
	require.NoError(t, idx.Remove(ctx, "doc_1"), "404 on delete means already gone")

	entries, err = idx.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHTTPIndexErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "collection missing", http.StatusInternalServerError)
	}))
	defer srv.Close()

	idx := NewHTTPIndex(srv.URL, "documents")
	_, err := idx.List(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestHTTPIndexBreakerOpens(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	idx := NewHTTPIndex(srv.URL, "documents")
	ctx := context.Background()

	// Default trip threshold is more than five consecutive failures.
	for i := 0; i < 6; i++ {
		err := idx.Healthy(ctx)
		require.Error(t, err)
	}

	before := hits.Load()
	err := idx.Healthy(ctx)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, before, hits.Load(), "open breaker fails fast without a request")
}
