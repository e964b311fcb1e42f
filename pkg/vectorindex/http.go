package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cuemby/docflow/pkg/log"
)

// HTTPIndex talks to an external vector index service over its REST
// surface:
//
//	GET    /collections/{collection}/entries
//	PUT    /collections/{collection}/entries/{document_id}
//	DELETE /collections/{collection}/entries/{document_id}
//	GET    /healthz
//
// Calls run through a circuit breaker. After five consecutive failures the
// breaker opens for thirty seconds and calls fail fast, so reconciliation
// passes degrade instead of hanging on a dead index.
type HTTPIndex struct {
	baseURL    string
	collection string
	client     *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewHTTPIndex creates a client for the vector index at baseURL.
func NewHTTPIndex(baseURL, collection string) *HTTPIndex {
	logger := log.WithComponent("vectorindex")
	settings := gobreaker.Settings{
		Name:    "vectorindex",
		Timeout: 30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("vector index breaker state changed")
		},
	}

	return &HTTPIndex{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		client:     &http.Client{Timeout: 10 * time.Second},
		breaker:    gobreaker.NewCircuitBreaker(settings),
	}
}

func (h *HTTPIndex) entriesURL() string {
	return fmt.Sprintf("%s/collections/%s/entries", h.baseURL, url.PathEscape(h.collection))
}

func (h *HTTPIndex) entryURL(documentID string) string {
	return h.entriesURL() + "/" + url.PathEscape(documentID)
}

// do runs one HTTP exchange through the breaker and decodes the response
// into out when out is non-nil.
func (h *HTTPIndex) do(ctx context.Context, method, rawURL string, body, out any) error {
	_, err := h.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			reader = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := h.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		// Removing an absent entry is success by contract.
		if resp.StatusCode == http.StatusNotFound && method == http.MethodDelete {
			return nil, nil
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("vector index %s %s: status %d: %s",
				method, rawURL, resp.StatusCode, strings.TrimSpace(string(snippet)))
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("vector index response decode: %w", err)
			}
		}
		return nil, nil
	})
	return err
}

// List returns all entries in the collection.
func (h *HTTPIndex) List(ctx context.Context) ([]Entry, error) {
	var payload struct {
		Entries []Entry `json:"entries"`
	}
	if err := h.do(ctx, http.MethodGet, h.entriesURL(), nil, &payload); err != nil {
		return nil, err
	}
	return payload.Entries, nil
}

// Upsert records a document as indexed.
func (h *HTTPIndex) Upsert(ctx context.Context, entry Entry) error {
	return h.do(ctx, http.MethodPut, h.entryURL(entry.DocumentID), entry, nil)
}

// Remove deletes a document from the index.
func (h *HTTPIndex) Remove(ctx context.Context, documentID string) error {
	return h.do(ctx, http.MethodDelete, h.entryURL(documentID), nil, nil)
}

// Healthy probes the service health endpoint.
func (h *HTTPIndex) Healthy(ctx context.Context) error {
	return h.do(ctx, http.MethodGet, h.baseURL+"/healthz", nil, nil)
}
