package results

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a result record does not exist.
var ErrNotFound = errors.New("analysis result not found")

// Repo persists result records.
type Repo interface {
	// Save stores rec, replacing any earlier record of the same analysis, and returns the stored record.
	Save(ctx context.Context, rec Record) (Record, error)
	GetByID(ctx context.Context, id string) (Record, error)
	// ListByOrganization returns records created at or after since, newest first.
	ListByOrganization(ctx context.Context, organizationID string, since time.Time, limit int) ([]Record, error)
	Confirm(ctx context.Context, id string, scores Scores, confirmedBy string, at time.Time) (Record, error)
}
