// Package vectorindex abstracts the vector store that holds indexed
// document chunks. The pipeline only needs set semantics from it: which
// documents are present, upserts, and removals. Embedding and similarity
// search stay inside workflow nodes and are out of scope here.
//
// Two implementations ship. Memory keeps the set in process and backs
// single-binary deployments and tests. HTTPIndex talks to an external
// vector service and wraps every call in a circuit breaker so a flapping
// index cannot stall reconciliation.
package vectorindex

import "context"

// Entry is one indexed document as the vector store sees it.
type Entry struct {
	DocumentID string `json:"document_id"`
	Path       string `json:"path"`
	Chunks     int    `json:"chunks"`
}

// Index is the single interface every vector store backend implements.
type Index interface {
	// List returns all entries in the collection. The reconciler uses
	// this as ground truth for orphan detection.
	List(ctx context.Context) ([]Entry, error)

	// Upsert records a document as indexed.
	Upsert(ctx context.Context, entry Entry) error

	// Remove deletes a document from the index. Removing an absent
	// document is not an error.
	Remove(ctx context.Context, documentID string) error

	// Healthy reports whether the backend is reachable.
	Healthy(ctx context.Context) error
}

// New selects a backend: an HTTP client when indexURL is set, otherwise the
// embedded in-memory index.
func New(indexURL, collection string) Index {
	if indexURL == "" {
		return NewMemory()
	}
	return NewHTTPIndex(indexURL, collection)
}
