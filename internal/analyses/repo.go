package analyses

import (
	"context"
	"time"
)

// Repo defines persistence operations for analysis jobs.
type Repo interface {
	Create(ctx context.Context, job Job) error
	// CreateExclusive inserts job unless another active job exists for the same document.
	CreateExclusive(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	// Transition applies ch only while the job status is one of from. On a mismatch it
	// returns the current job together with ErrStatusMismatch.
	Transition(ctx context.Context, id string, from []Status, ch Change) (Job, error)
	ListActive(ctx context.Context, scope Scope, page Page) ([]Job, int, error)
	// ListStale returns jobs in status not updated since before, oldest first.
	ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]Job, error)
}
