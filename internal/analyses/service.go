package analyses

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"compliance-backend/internal/analyzer"
	"compliance-backend/internal/documents"
	"compliance-backend/internal/notify"
	"compliance-backend/internal/parameters"
	"compliance-backend/internal/results"
	"compliance-backend/internal/shared/apperr"
	"compliance-backend/internal/shared/metrics"
	"compliance-backend/internal/shared/telemetry"
	"compliance-backend/internal/taskqueue"
)

// InFlightPolicy decides what happens when a document already has an active job.
type InFlightPolicy string

const (
	// InFlightAllow creates independent jobs.
	InFlightAllow InFlightPolicy = "allow"
	// InFlightReject answers Conflict while another job for the document is active.
	InFlightReject InFlightPolicy = "reject"
)

// ParameterSource produces the effective parameters of an organization.
type ParameterSource interface {
	Generate(ctx context.Context, organizationID string) (parameters.Parameters, error)
	LastKnownGood(organizationID string) (parameters.Parameters, bool)
}

// ResultWriter records completed executions in the historical corpus.
type ResultWriter interface {
	Save(ctx context.Context, rec results.Record) (results.Record, error)
}

// Service orchestrates analysis jobs: creation, dispatch, execution and cancellation.
type Service struct {
	Repo      Repo
	Documents documents.Reader
	Params    ParameterSource
	Queue     taskqueue.Client
	Analyzer  analyzer.Client
	Results   ResultWriter
	Notifier  *notify.Async
	InFlight  InFlightPolicy
	Now       func() time.Time

	// RedeliveryWindow is how long the queue holds a message back after a
	// failed delivery. Zero means defaultRedeliveryWindow.
	RedeliveryWindow time.Duration
}

const (
	defaultRedeliveryWindow = 20 * time.Minute

	confirmAttempts = 3
	confirmBackoff  = 25 * time.Millisecond
)

// StartRequest asks for a new analysis of a document.
type StartRequest struct {
	DocumentID     string  `json:"documentId"`
	OrganizationID string  `json:"-"`
	UserID         string  `json:"-"`
	Priority       string  `json:"priority"`
	Options        Options `json:"options"`
}

// StartAnalysis validates the request, persists a pending job, enqueues it and
// returns once the queue confirmed the task. It never waits for execution.
//
// The job becomes visible as queued only after a successful enqueue. A failed
// enqueue, or one whose handle cannot be recorded, leaves it failed.
func (s *Service) StartAnalysis(ctx context.Context, req StartRequest) (Job, error) {
	req.DocumentID = strings.TrimSpace(req.DocumentID)
	if req.DocumentID == "" {
		return Job{}, apperr.Validation("documentId is required", nil)
	}
	if strings.TrimSpace(req.OrganizationID) == "" {
		return Job{}, apperr.Validation("organizationId is required", nil)
	}
	priority, err := taskqueue.ParsePriority(req.Priority)
	if err != nil {
		return Job{}, apperr.Validation("invalid priority", map[string]any{"priority": req.Priority})
	}

	doc, err := s.Documents.GetByID(ctx, req.DocumentID)
	if err != nil {
		if errors.Is(err, documents.ErrNotFound) {
			return Job{}, apperr.NotFound("document not found")
		}
		return Job{}, apperr.Unavailable("document store unavailable", err)
	}
	if doc.OrganizationID != req.OrganizationID {
		return Job{}, apperr.Forbidden("document belongs to another organization")
	}

	params, err := s.resolveParameters(ctx, req.OrganizationID)
	if err != nil {
		return Job{}, err
	}
	if unknown := unknownRules(params, req.Options.CustomRuleIDs); len(unknown) > 0 {
		return Job{}, apperr.Validation("unknown custom rules", map[string]any{"customRuleIds": unknown})
	}

	now := s.now()
	job := Job{
		ID:             uuid.NewString(),
		DocumentID:     doc.ID,
		OrganizationID: req.OrganizationID,
		RequestedBy:    req.UserID,
		Status:         StatusPending,
		Priority:       priority,
		Options:        req.Options,
		Parameters:     &params,
		CurrentStep:    "awaiting_dispatch",
		MaxRetries:     params.MaxRetries,
		TimeoutSeconds: params.TimeoutSeconds,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.create(ctx, job); err != nil {
		return Job{}, err
	}

	requestID := RequestIDFromContext(ctx)
	handle, err := s.Queue.Enqueue(ctx, taskqueue.Message{
		AnalysisID:     job.ID,
		DocumentID:     job.DocumentID,
		OrganizationID: job.OrganizationID,
		Priority:       priority,
		RequestID:      requestID,
		EnqueuedAt:     now.Format(time.RFC3339),
	}, taskqueue.EnqueueOptions{MaxRetries: intPtr(job.MaxRetries)})
	if err != nil {
		s.failUndispatched(ctx, job, "enqueue failed: "+sanitizeError(err))
		return Job{}, apperr.Unavailable("task queue unavailable", err)
	}

	queued, err := s.confirmQueued(ctx, job, handle)
	switch {
	case err == nil:
		job = queued
	case errors.Is(err, ErrStatusMismatch):
		// A worker or a cancel got there first. The worker path moves pending
		// jobs on itself; a cancelled job must not keep its delivery.
		job = queued
		if job.Status == StatusCancelled {
			s.cancelDelivery(ctx, job.ID, handle)
		}
	default:
		telemetry.Error("analysis.queue_confirm_failed", map[string]any{
			"analysis_id": job.ID,
			"request_id":  requestID,
			"error":       sanitizeError(err),
		})
		s.cancelDelivery(ctx, job.ID, handle)
		s.failUndispatched(ctx, job, "enqueue could not be confirmed: "+sanitizeError(err))
		return Job{}, apperr.Unavailable("analysis store unavailable", err)
	}

	metrics.IncAnalysisStarted()
	s.Notifier.Fire(ctx, notify.Event{
		Name:           notify.EventAnalysisCreated,
		AnalysisID:     job.ID,
		DocumentID:     job.DocumentID,
		OrganizationID: job.OrganizationID,
		UserID:         req.UserID,
		RequestID:      requestID,
		Attributes:     map[string]any{"priority": string(priority)},
		OccurredAt:     now,
	})
	return job, nil
}

func (s *Service) resolveParameters(ctx context.Context, organizationID string) (parameters.Parameters, error) {
	params, err := s.Params.Generate(ctx, organizationID)
	if err == nil {
		return params, nil
	}
	if !apperr.Is(err, apperr.CodeUnavailable) {
		return parameters.Parameters{}, err
	}
	fallback, ok := s.Params.LastKnownGood(organizationID)
	if !ok {
		return parameters.Parameters{}, err
	}
	telemetry.Warn("analysis.parameters_fallback", map[string]any{
		"organization_id": organizationID,
		"config_version":  fallback.Metadata.ConfigVersion,
		"error":           sanitizeError(err),
	})
	return fallback, nil
}

func unknownRules(params parameters.Parameters, ids []string) []string {
	var unknown []string
	for _, id := range ids {
		if !params.HasRule(id) {
			unknown = append(unknown, id)
		}
	}
	return unknown
}

func (s *Service) create(ctx context.Context, job Job) error {
	var err error
	if s.InFlight == InFlightReject {
		err = s.Repo.CreateExclusive(ctx, job)
	} else {
		err = s.Repo.Create(ctx, job)
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInFlight):
		return apperr.Conflict("an analysis is already in progress for this document", map[string]any{
			"documentId": job.DocumentID,
		})
	default:
		return apperr.Unavailable("analysis store unavailable", err)
	}
}

// confirmQueued records the queue handle, retrying briefly when the store
// errors. A status mismatch is returned as is.
func (s *Service) confirmQueued(ctx context.Context, job Job, handle taskqueue.Handle) (Job, error) {
	handleText := handle.String()
	var lastErr error
	for attempt := 0; attempt < confirmAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Job{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * confirmBackoff):
			}
		}
		queued, err := s.transition(ctx, job, []Status{StatusPending}, Change{
			Status:      StatusQueued,
			TaskHandle:  &handleText,
			CurrentStep: strPtr("queued"),
		})
		if err == nil || errors.Is(err, ErrStatusMismatch) {
			return queued, err
		}
		lastErr = err
	}
	return Job{}, lastErr
}

func (s *Service) failUndispatched(ctx context.Context, job Job, msg string) {
	_, err := s.transition(context.WithoutCancel(ctx), job, []Status{StatusPending}, Change{
		Status:      StatusFailed,
		Error:       &msg,
		CurrentStep: strPtr("failed"),
		CompletedAt: timePtr(s.now()),
	})
	if err != nil {
		telemetry.Error("analysis.enqueue_failure_unrecorded", map[string]any{
			"analysis_id": job.ID,
			"error":       sanitizeError(err),
		})
	}
	metrics.IncAnalysisFailed()
}

// Get returns the job snapshot with a time estimate.
func (s *Service) Get(ctx context.Context, organizationID, id string) (Progress, error) {
	job, err := s.load(ctx, organizationID, id)
	if err != nil {
		return Progress{}, err
	}
	return progressOf(job, s.now()), nil
}

func (s *Service) load(ctx context.Context, organizationID, id string) (Job, error) {
	if strings.TrimSpace(id) == "" {
		return Job{}, apperr.Validation("analysis id is required", nil)
	}
	job, err := s.Repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Job{}, apperr.NotFound("analysis not found")
		}
		return Job{}, apperr.Unavailable("analysis store unavailable", err)
	}
	if job.OrganizationID != organizationID {
		return Job{}, apperr.Forbidden("analysis belongs to another organization")
	}
	return job, nil
}

// CancelAnalysis moves an active job to cancelled. Cancelling a terminal job is a
// no-op returning the job as it is, so a cancel racing a completion never
// overwrites the completion.
func (s *Service) CancelAnalysis(ctx context.Context, organizationID, userID, id string) (Job, error) {
	job, err := s.load(ctx, organizationID, id)
	if err != nil {
		return Job{}, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	cancelled, err := s.transition(ctx, job, ActiveStatuses, Change{
		Status:      StatusCancelled,
		CurrentStep: strPtr("cancelled"),
		CompletedAt: timePtr(s.now()),
	})
	if errors.Is(err, ErrStatusMismatch) {
		return cancelled, nil
	}
	if err != nil {
		return Job{}, apperr.Unavailable("analysis store unavailable", err)
	}

	if handle, err := taskqueue.ParseHandle(cancelled.TaskHandle); err == nil && !handle.IsZero() {
		s.cancelDelivery(ctx, cancelled.ID, handle)
	}
	metrics.IncAnalysisCancelled()
	s.Notifier.Fire(ctx, notify.Event{
		Name:           notify.EventAnalysisCancelled,
		AnalysisID:     cancelled.ID,
		DocumentID:     cancelled.DocumentID,
		OrganizationID: cancelled.OrganizationID,
		UserID:         userID,
		RequestID:      RequestIDFromContext(ctx),
		Attributes:     map[string]any{"previousStatus": string(job.Status)},
		OccurredAt:     s.now(),
	})
	return cancelled, nil
}

// cancelDelivery is best effort: the job status already decides the outcome.
func (s *Service) cancelDelivery(ctx context.Context, analysisID string, handle taskqueue.Handle) {
	err := s.Queue.Cancel(context.WithoutCancel(ctx), handle)
	fields := map[string]any{
		"analysis_id": analysisID,
		"task_handle": handle.String(),
	}
	switch {
	case err == nil:
		telemetry.Info("analysis.delivery_cancelled", fields)
	case errors.Is(err, taskqueue.ErrNotSupported), errors.Is(err, taskqueue.ErrAlreadyDispatched):
		fields["reason"] = err.Error()
		telemetry.Debug("analysis.delivery_cancel_skipped", fields)
	default:
		fields["error"] = sanitizeError(err)
		telemetry.Warn("analysis.delivery_cancel_failed", fields)
	}
}

// ListActiveAnalyses pages through the non-terminal jobs of one organization.
func (s *Service) ListActiveAnalyses(ctx context.Context, scope Scope, page Page) (ActivePage, error) {
	if scope.OrganizationID() == "" {
		return ActivePage{}, apperr.Validation("organizationId is required", nil)
	}
	page = page.normalize()
	items, total, err := s.Repo.ListActive(ctx, scope, page)
	if err != nil {
		return ActivePage{}, apperr.Unavailable("analysis store unavailable", err)
	}
	return ActivePage{Items: items, Total: total, Limit: page.Limit, Offset: page.Offset}, nil
}

// transition writes ch while job is in one of from and logs the move.
func (s *Service) transition(ctx context.Context, job Job, from []Status, ch Change) (Job, error) {
	for _, f := range from {
		if !CanTransition(f, ch.Status) {
			return Job{}, ErrInvalidTransition
		}
	}
	if ch.At.IsZero() {
		ch.At = s.now()
	}
	updated, err := s.Repo.Transition(ctx, job.ID, from, ch)
	if err != nil {
		if errors.Is(err, ErrStatusMismatch) {
			telemetry.Info("analysis.transition_skipped", map[string]any{
				"analysis_id":     job.ID,
				"organization_id": job.OrganizationID,
				"current_status":  string(updated.Status),
				"wanted_status":   string(ch.Status),
			})
		}
		return updated, err
	}
	if job.Status != updated.Status {
		telemetry.Info("analysis.status", map[string]any{
			"analysis_id":       updated.ID,
			"organization_id":   updated.OrganizationID,
			"status_transition": string(job.Status) + "->" + string(updated.Status),
			"request_id":        RequestIDFromContext(ctx),
		})
	}
	return updated, nil
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) redeliveryWindow() time.Duration {
	if s.RedeliveryWindow > 0 {
		return s.RedeliveryWindow
	}
	return defaultRedeliveryWindow
}

func strPtr(s string) *string { return &s }

func intPtr(v int) *int { return &v }

func timePtr(t time.Time) *time.Time { return &t }
