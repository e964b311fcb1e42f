package eventstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/docflow/pkg/ids"
	"github.com/cuemby/docflow/pkg/types"
)

func TestPutAndGetDocument(t *testing.T) {
	s := newTestStore(t, Config{})

	docID := ids.DocumentID("/srv/docs/report.pdf")
	indexed := time.Now().UTC()
	err := s.PutDocument(&types.DocumentRecord{
		DocumentID:       docID,
		CurrentPath:      "/srv/docs/report.pdf",
		FileName:         "report.pdf",
		ContentHash:      "h1",
		IndexedAt:        &indexed,
		VectorCollection: "documents",
		ChunkCount:       12,
	})
	require.NoError(t, err)

	rec, err := s.GetDocument(docID)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", rec.FileName)
	assert.Equal(t, 12, rec.ChunkCount)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.False(t, rec.UpdatedAt.IsZero())

	byPath, err := s.GetDocumentByPath("/srv/docs/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, docID, byPath.DocumentID)
}

func TestPutDocumentMovesPathIndex(t *testing.T) {
	s := newTestStore(t, Config{})

	docID := "doc_x"
	require.NoError(t, s.PutDocument(&types.DocumentRecord{
		DocumentID:  docID,
		CurrentPath: "/a/old.md",
	}))

	first, err := s.GetDocument(docID)
	require.NoError(t, err)

	require.NoError(t, s.PutDocument(&types.DocumentRecord{
		DocumentID:  docID,
		CurrentPath: "/a/new.md",
	}))

	_, err = s.GetDocumentByPath("/a/old.md")
	assert.ErrorIs(t, err, ErrDocumentNotFound, "old path index entry removed")

	moved, err := s.GetDocumentByPath("/a/new.md")
	require.NoError(t, err)
	assert.Equal(t, docID, moved.DocumentID)
	assert.Equal(t, first.CreatedAt, moved.CreatedAt, "creation time survives updates")
}

func TestDeleteDocument(t *testing.T) {
	s := newTestStore(t, Config{})

	require.NoError(t, s.PutDocument(&types.DocumentRecord{
		DocumentID:  "doc_y",
		CurrentPath: "/a/b.md",
	}))

	require.NoError(t, s.DeleteDocument("doc_y"))

	_, err := s.GetDocument("doc_y")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
	_, err = s.GetDocumentByPath("/a/b.md")
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	err = s.DeleteDocument("doc_y")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestListAndCountDocuments(t *testing.T) {
	s := newTestStore(t, Config{})

	for _, path := range []string{"/a/1.md", "/a/2.md", "/a/3.md"} {
		require.NoError(t, s.PutDocument(&types.DocumentRecord{
			DocumentID:  ids.DocumentID(path),
			CurrentPath: path,
		}))
	}

	docs, err := s.ListDocuments()
	require.NoError(t, err)
	assert.Len(t, docs, 3)

	n, err := s.CountDocuments()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
