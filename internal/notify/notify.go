// Package notify fires audit and notification events. Delivery failures are
// logged and never reach the caller.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"compliance-backend/internal/shared/telemetry"
)

// Event names emitted by the orchestrator.
const (
	EventAnalysisCreated   = "analysis.created"
	EventAnalysisCancelled = "analysis.cancelled"
	EventAnalysisCompleted = "analysis.completed"
	EventAnalysisFailed    = "analysis.failed"
)

// Event is one audit record.
type Event struct {
	Name           string         `json:"event"`
	AnalysisID     string         `json:"analysisId"`
	DocumentID     string         `json:"documentId,omitempty"`
	OrganizationID string         `json:"organizationId"`
	UserID         string         `json:"userId,omitempty"`
	RequestID      string         `json:"requestId,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
}

// Emitter delivers events.
type Emitter interface {
	Emit(ctx context.Context, e Event) error
}

// LogEmitter writes events to the structured log.
type LogEmitter struct{}

func (LogEmitter) Emit(_ context.Context, e Event) error {
	fields := map[string]any{
		"event":           e.Name,
		"analysis_id":     e.AnalysisID,
		"organization_id": e.OrganizationID,
	}
	if e.UserID != "" {
		fields["user_id"] = e.UserID
	}
	if e.RequestID != "" {
		fields["request_id"] = e.RequestID
	}
	for k, v := range e.Attributes {
		fields[k] = v
	}
	telemetry.Info("audit.event", fields)
	return nil
}

// Multi fans an event out to every emitter and joins their errors.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, em := range m {
		if em == nil {
			continue
		}
		if err := em.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async fires events on background goroutines with a bounded timeout.
type Async struct {
	Emitter Emitter
	Timeout time.Duration

	wg sync.WaitGroup
}

// NewAsync wraps emitter.
func NewAsync(emitter Emitter, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Async{Emitter: emitter, Timeout: timeout}
}

// Fire returns immediately. The event outlives ctx cancellation.
func (a *Async) Fire(ctx context.Context, e Event) {
	if a == nil || a.Emitter == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	base := context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.logFailure(e, fmt.Errorf("panic: %v", r))
			}
		}()
		emitCtx, cancel := context.WithTimeout(base, a.Timeout)
		defer cancel()
		if err := a.Emitter.Emit(emitCtx, e); err != nil {
			a.logFailure(e, err)
		}
	}()
}

// Wait blocks until every fired event settled. Used on shutdown and in tests.
func (a *Async) Wait() {
	if a == nil {
		return
	}
	a.wg.Wait()
}

func (a *Async) logFailure(e Event, err error) {
	telemetry.Warn("notify.failed", map[string]any{
		"event":           e.Name,
		"analysis_id":     e.AnalysisID,
		"organization_id": e.OrganizationID,
		"error":           err.Error(),
	})
}
