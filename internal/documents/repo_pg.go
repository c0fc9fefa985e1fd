package documents

import (
	"context"
	"database/sql"
	"errors"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

// Create inserts a new document.
func (r *PGRepo) Create(ctx context.Context, doc Document) error {
	const query = `
INSERT INTO documents (id, organization_id, title, file_name, mime_type, size_bytes, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.DB.ExecContext(ctx, query,
		doc.ID,
		doc.OrganizationID,
		doc.Title,
		doc.FileName,
		doc.MimeType,
		doc.SizeBytes,
		doc.CreatedAt,
	)
	return err
}

// GetByID returns a live document by id.
func (r *PGRepo) GetByID(ctx context.Context, documentID string) (Document, error) {
	const query = `
SELECT id, organization_id, title, file_name, mime_type, size_bytes, created_at
FROM documents
WHERE id = $1 AND deleted_at IS NULL
LIMIT 1`
	var doc Document
	err := r.DB.QueryRowContext(ctx, query, documentID).Scan(
		&doc.ID,
		&doc.OrganizationID,
		&doc.Title,
		&doc.FileName,
		&doc.MimeType,
		&doc.SizeBytes,
		&doc.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	return doc, nil
}

var _ Repo = (*PGRepo)(nil)
var _ Repo = (*MemoryRepo)(nil)
