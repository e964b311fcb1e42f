package eventstore

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/docflow/pkg/ids"
	"github.com/cuemby/docflow/pkg/types"
)

// Document record operations. Records live in the same bbolt file as
// events, so an event completion and its record update commit atomically
// when done through CompleteWithRecord.

// PutDocument upserts a document record, keyed by document id. The path
// index follows the record's current path.
func (s *Store) PutDocument(rec *types.DocumentRecord) error {
	if rec.DocumentID == "" {
		return fmt.Errorf("document id must not be empty")
	}
	rec.CurrentPath = ids.CanonicalPath(rec.CurrentPath)

	return s.db.Update(func(tx *bolt.Tx) error {
		return putDocumentTx(tx, rec)
	})
}

func putDocumentTx(tx *bolt.Tx, rec *types.DocumentRecord) error {
	docs := tx.Bucket(bucketDocuments)
	paths := tx.Bucket(bucketDocPaths)

	now := time.Now().UTC()
	if prev := docs.Get([]byte(rec.DocumentID)); prev != nil {
		var old types.DocumentRecord
		if err := json.Unmarshal(prev, &old); err == nil {
			rec.CreatedAt = old.CreatedAt
			if old.CurrentPath != rec.CurrentPath {
				if err := paths.Delete([]byte(old.CurrentPath)); err != nil {
					return err
				}
			}
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := docs.Put([]byte(rec.DocumentID), data); err != nil {
		return err
	}
	return paths.Put([]byte(rec.CurrentPath), []byte(rec.DocumentID))
}

// GetDocument returns a document record by id.
func (s *Store) GetDocument(id string) (*types.DocumentRecord, error) {
	var rec types.DocumentRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDocuments).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetDocumentByPath returns the document record whose current path matches.
func (s *Store) GetDocumentByPath(path string) (*types.DocumentRecord, error) {
	path = ids.CanonicalPath(path)
	var rec types.DocumentRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketDocPaths).Get([]byte(path))
		if id == nil {
			return fmt.Errorf("%w: path %s", ErrDocumentNotFound, path)
		}
		data := tx.Bucket(bucketDocuments).Get(id)
		if data == nil {
			return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteDocument removes a document record and its path index entry.
func (s *Store) DeleteDocument(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteDocumentTx(tx, id)
	})
}

func deleteDocumentTx(tx *bolt.Tx, id string) error {
	docs := tx.Bucket(bucketDocuments)
	data := docs.Get([]byte(id))
	if data == nil {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	var rec types.DocumentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	if err := tx.Bucket(bucketDocPaths).Delete([]byte(rec.CurrentPath)); err != nil {
		return err
	}
	return docs.Delete([]byte(id))
}

// ListDocuments returns all document records.
func (s *Store) ListDocuments() ([]*types.DocumentRecord, error) {
	var out []*types.DocumentRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).ForEach(func(_, v []byte) error {
			var rec types.DocumentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountDocuments returns the number of document records.
func (s *Store) CountDocuments() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketDocuments).Stats().KeyN
		return nil
	})
	return n, err
}
