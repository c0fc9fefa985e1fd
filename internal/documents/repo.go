package documents

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// Reader looks documents up by id.
type Reader interface {
	GetByID(ctx context.Context, documentID string) (Document, error)
}

// Repo defines persistence operations for documents.
type Repo interface {
	Reader
	Create(ctx context.Context, doc Document) error
}
