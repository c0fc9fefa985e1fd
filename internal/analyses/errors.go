package analyses

import "errors"

var (
	ErrNotFound = errors.New("analysis not found")
	// ErrStatusMismatch is returned by Repo.Transition when the job is not in an expected status.
	ErrStatusMismatch    = errors.New("analysis status changed")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInFlight is returned by Repo.CreateExclusive while another active job exists for the document.
	ErrInFlight = errors.New("analysis already in flight for document")
)
