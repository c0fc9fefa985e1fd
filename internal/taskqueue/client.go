package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultMaxRetries applies when EnqueueOptions.MaxRetries is unset.
const DefaultMaxRetries = 3

var (
	// ErrNotSupported is returned by backends that cannot perform an operation.
	ErrNotSupported = errors.New("operation not supported by queue backend")
	// ErrTaskNotFound is returned when a handle does not name a known task.
	ErrTaskNotFound = errors.New("task not found")
	// ErrAlreadyDispatched is returned when cancelling a task a worker already pulled.
	ErrAlreadyDispatched = errors.New("task already dispatched")
	// ErrTaskNotOwned is returned when a worker settles a task it no longer holds.
	ErrTaskNotOwned = errors.New("task lock not held")
)

// EnqueueOptions tunes a single delivery. A nil MaxRetries means
// DefaultMaxRetries; zero allows no redelivery at all.
type EnqueueOptions struct {
	Delay      time.Duration
	MaxRetries *int
}

func (o EnqueueOptions) maxRetries() int {
	if o.MaxRetries == nil || *o.MaxRetries < 0 {
		return DefaultMaxRetries
	}
	return *o.MaxRetries
}

// Handle identifies an enqueued task within its backend.
type Handle struct {
	Queue string
	ID    string
}

// String encodes the handle as queue#id.
func (h Handle) String() string {
	if h.IsZero() {
		return ""
	}
	return h.Queue + "#" + h.ID
}

// IsZero reports whether h names no task.
func (h Handle) IsZero() bool {
	return h.ID == ""
}

// ParseHandle decodes a value produced by Handle.String.
func ParseHandle(raw string) (Handle, error) {
	idx := strings.LastIndex(raw, "#")
	if idx <= 0 || idx == len(raw)-1 {
		return Handle{}, fmt.Errorf("malformed task handle %q", raw)
	}
	return Handle{Queue: raw[:idx], ID: raw[idx+1:]}, nil
}

// PendingTask is an introspection view of a task awaiting dispatch.
type PendingTask struct {
	Handle     string    `json:"handle"`
	AnalysisID string    `json:"analysisId"`
	Priority   Priority  `json:"priority"`
	Attempt    int       `json:"attempt"`
	MaxRetries int       `json:"maxRetries"`
	RunAt      time.Time `json:"runAt"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Stats summarises queue depth. Counts from managed backends are approximate.
type Stats struct {
	Backend    string           `json:"backend"`
	Paused     bool             `json:"paused"`
	Pending    int              `json:"pending"`
	Delayed    int              `json:"delayed"`
	InFlight   int              `json:"inFlight"`
	Failed     int              `json:"failed"`
	ByPriority map[Priority]int `json:"byPriority"`
}

// Client is the orchestrator's view of the task-delivery backend.
//
// Cancel is best effort: once a worker has pulled a task it returns
// ErrAlreadyDispatched, and the job status stays authoritative.
type Client interface {
	Enqueue(ctx context.Context, msg Message, opts EnqueueOptions) (Handle, error)
	Cancel(ctx context.Context, h Handle) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	ListPending(ctx context.Context, limit int) ([]PendingTask, error)
	Stats(ctx context.Context) (Stats, error)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying or redelivering.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
