package analyses

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"compliance-backend/internal/analyzer"
	"compliance-backend/internal/documents"
	"compliance-backend/internal/notify"
	"compliance-backend/internal/results"
	"compliance-backend/internal/shared/apperr"
	"compliance-backend/internal/shared/metrics"
	"compliance-backend/internal/shared/telemetry"
	"compliance-backend/internal/taskqueue"
)

// Execution checkpoints. The analyzer reports its own progress between
// analyzerFloor and analyzerCeil.
const (
	stepValidating       = "validating"
	stepLoadingDocument  = "loading_document"
	stepPreparing        = "preparing_parameters"
	stepAwaitingCallback = "awaiting_callback"
	stepPersisting       = "persisting_results"
	stepCompleted        = "completed"
	stepRetryScheduled   = "retry_scheduled"

	analyzerFloor   = 45
	analyzerCeil    = 85
	awaitingPercent = 60
)

// ProcessTask executes one delivered task. Deliveries are at-least-once, so a
// task for a terminal job is acknowledged without doing anything.
//
// A nil return settles the delivery. A non-nil return asks the queue to
// redeliver; permanent errors are wrapped with taskqueue.Permanent.
func (s *Service) ProcessTask(ctx context.Context, msg taskqueue.Message, attempt int) error {
	if attempt < 1 {
		attempt = 1
	}
	ctx = WithRequestID(ctx, msg.RequestID)
	job, err := s.Repo.Get(ctx, msg.AnalysisID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return taskqueue.Permanent(fmt.Errorf("analysis %s: %w", msg.AnalysisID, err))
		}
		return fmt.Errorf("load analysis: %w", err)
	}
	if msg.OrganizationID != "" && msg.OrganizationID != job.OrganizationID {
		return taskqueue.Permanent(fmt.Errorf("analysis %s: organization mismatch", job.ID))
	}

	job, ok, err := s.claim(ctx, job, attempt)
	if err != nil || !ok {
		return err
	}

	res, err := s.execute(ctx, job)
	if err != nil {
		if errors.Is(err, analyzer.ErrCancelled) {
			telemetry.Info("analysis.execution_stopped", map[string]any{
				"analysis_id": job.ID,
				"reason":      "cancelled",
			})
			return nil
		}
		return s.handleFailure(ctx, job, attempt, err)
	}
	if res.Pending {
		_, err := s.checkpoint(ctx, job, awaitingPercent, stepAwaitingCallback)
		if errors.Is(err, analyzer.ErrCancelled) {
			return nil
		}
		return err
	}
	if err := s.finish(ctx, job, res); err != nil {
		return s.handleFailure(ctx, job, attempt, err)
	}
	return nil
}

// claim moves the job to running. A pending job is first promoted to queued:
// the delivery itself proves the enqueue succeeded.
func (s *Service) claim(ctx context.Context, job Job, attempt int) (Job, bool, error) {
	for i := 0; i < 3; i++ {
		switch {
		case job.Status.Terminal():
			telemetry.Info("analysis.delivery_skipped", map[string]any{
				"analysis_id": job.ID,
				"status":      string(job.Status),
				"attempt":     attempt,
			})
			return job, false, nil
		case job.Status == StatusPending:
			next, err := s.transition(ctx, job, []Status{StatusPending}, Change{
				Status:      StatusQueued,
				CurrentStep: strPtr("queued"),
			})
			if err != nil && !errors.Is(err, ErrStatusMismatch) {
				return Job{}, false, fmt.Errorf("promote analysis: %w", err)
			}
			job = next
		default:
			ch := Change{
				Status:          StatusRunning,
				ProgressPercent: intPtr(5),
				CurrentStep:     strPtr(stepValidating),
				RetryCount:      intPtr(attempt - 1),
			}
			if job.StartedAt == nil {
				ch.StartedAt = timePtr(s.now())
			}
			next, err := s.transition(ctx, job, []Status{StatusQueued, StatusRunning}, ch)
			if err == nil {
				return next, true, nil
			}
			if !errors.Is(err, ErrStatusMismatch) {
				return Job{}, false, fmt.Errorf("start analysis: %w", err)
			}
			job = next
		}
	}
	return Job{}, false, fmt.Errorf("analysis %s: status kept changing", job.ID)
}

func (s *Service) execute(ctx context.Context, job Job) (analyzer.Result, error) {
	if _, err := s.checkpoint(ctx, job, 15, stepLoadingDocument); err != nil {
		return analyzer.Result{}, err
	}
	doc, err := s.Documents.GetByID(ctx, job.DocumentID)
	if err != nil {
		if errors.Is(err, documents.ErrNotFound) {
			return analyzer.Result{}, taskqueue.Permanent(err)
		}
		return analyzer.Result{}, apperr.Unavailable("document store unavailable", err)
	}
	if doc.OrganizationID != job.OrganizationID {
		return analyzer.Result{}, taskqueue.Permanent(errors.New("document changed organization"))
	}

	if _, err := s.checkpoint(ctx, job, 35, stepPreparing); err != nil {
		return analyzer.Result{}, err
	}
	params := job.Parameters
	if params == nil {
		p, err := s.resolveParameters(ctx, job.OrganizationID)
		if err != nil {
			return analyzer.Result{}, err
		}
		params = &p
	}

	if job.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(job.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	return s.Analyzer.Analyze(ctx, analyzer.Request{
		AnalysisID:     job.ID,
		DocumentID:     job.DocumentID,
		OrganizationID: job.OrganizationID,
		Parameters:     *params,
		Options: map[string]any{
			"includeAI":               job.Options.IncludeAI,
			"generateRecommendations": job.Options.GenerateRecommendations,
			"detailedMetrics":         job.Options.DetailedMetrics,
			"customRuleIds":           job.Options.CustomRuleIDs,
		},
	}, func(ctx context.Context, percent int, step string) error {
		scaled := analyzerFloor + percent*(analyzerCeil-analyzerFloor)/100
		_, err := s.checkpoint(ctx, job, scaled, step)
		return err
	})
}

// checkpoint records progress on a running job. It returns analyzer.ErrCancelled
// once the job left running, which is how cancellation reaches the execution.
func (s *Service) checkpoint(ctx context.Context, job Job, percent int, step string) (Job, error) {
	if percent < 0 {
		percent = 0
	}
	if percent > 99 {
		percent = 99
	}
	updated, err := s.Repo.Transition(context.WithoutCancel(ctx), job.ID, []Status{StatusRunning}, Change{
		Status:          StatusRunning,
		At:              s.now(),
		ProgressPercent: &percent,
		CurrentStep:     &step,
	})
	if errors.Is(err, ErrStatusMismatch) {
		return updated, analyzer.ErrCancelled
	}
	if err != nil {
		return Job{}, apperr.Unavailable("analysis store unavailable", err)
	}
	return updated, nil
}

func (s *Service) finish(ctx context.Context, job Job, res analyzer.Result) error {
	if _, err := s.checkpoint(ctx, job, 95, stepPersisting); err != nil {
		if errors.Is(err, analyzer.ErrCancelled) {
			return nil
		}
		return err
	}
	ref, err := s.recordResult(ctx, job, res.Overall, res.Scores, res.Findings, res.ResultRef)
	if err != nil {
		return err
	}
	_, err = s.complete(ctx, job, ref)
	return err
}

func (s *Service) recordResult(ctx context.Context, job Job, overall float64, scores *results.Scores, findings results.Findings, ref string) (string, error) {
	if s.Results == nil || (scores == nil && len(findings) == 0) {
		return ref, nil
	}
	rec, err := s.Results.Save(ctx, results.Record{
		ID:             uuid.NewString(),
		AnalysisID:     job.ID,
		DocumentID:     job.DocumentID,
		OrganizationID: job.OrganizationID,
		Overall:        overall,
		Scores:         scores,
		Findings:       findings,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return "", apperr.Unavailable("result store unavailable", err)
	}
	if ref == "" {
		ref = rec.ID
	}
	return ref, nil
}

// complete is the compare-and-set that decides a completion against a concurrent cancel.
func (s *Service) complete(ctx context.Context, job Job, ref string) (Job, error) {
	now := s.now()
	done, err := s.transition(context.WithoutCancel(ctx), job, []Status{StatusRunning}, Change{
		Status:          StatusCompleted,
		ProgressPercent: intPtr(100),
		CurrentStep:     strPtr(stepCompleted),
		ResultRef:       &ref,
		Error:           strPtr(""),
		CompletedAt:     &now,
	})
	if errors.Is(err, ErrStatusMismatch) {
		return done, nil
	}
	if err != nil {
		return Job{}, apperr.Unavailable("analysis store unavailable", err)
	}
	metrics.IncAnalysisCompleted()
	if done.StartedAt != nil {
		metrics.ObserveAnalysisDuration(now.Sub(*done.StartedAt))
	}
	s.Notifier.Fire(ctx, notify.Event{
		Name:           notify.EventAnalysisCompleted,
		AnalysisID:     done.ID,
		DocumentID:     done.DocumentID,
		OrganizationID: done.OrganizationID,
		RequestID:      RequestIDFromContext(ctx),
		Attributes:     map[string]any{"resultRef": ref},
		OccurredAt:     now,
	})
	return done, nil
}

// handleFailure keeps the job running and asks for redelivery while attempts
// remain and the error is transient. Anything else fails the job.
func (s *Service) handleFailure(ctx context.Context, job Job, attempt int, cause error) error {
	msg := sanitizeError(cause)
	if isRetryable(cause) && attempt <= job.MaxRetries {
		step := fmt.Sprintf("%s (%d/%d)", stepRetryScheduled, attempt, job.MaxRetries)
		_, err := s.Repo.Transition(context.WithoutCancel(ctx), job.ID, []Status{StatusRunning}, Change{
			Status:      StatusRunning,
			At:          s.now(),
			CurrentStep: &step,
			Error:       &msg,
			RetryCount:  intPtr(attempt),
		})
		if errors.Is(err, ErrStatusMismatch) {
			return nil
		}
		telemetry.Warn("analysis.execution_retry", map[string]any{
			"analysis_id": job.ID,
			"attempt":     attempt,
			"max_retries": job.MaxRetries,
			"error":       msg,
		})
		return cause
	}
	_, err := s.fail(ctx, job, []Status{StatusRunning}, msg)
	return err
}

func (s *Service) fail(ctx context.Context, job Job, from []Status, reason string) (Job, error) {
	now := s.now()
	failed, err := s.transition(context.WithoutCancel(ctx), job, from, Change{
		Status:      StatusFailed,
		CurrentStep: strPtr("failed"),
		Error:       &reason,
		CompletedAt: &now,
	})
	if errors.Is(err, ErrStatusMismatch) {
		return failed, nil
	}
	if err != nil {
		return Job{}, fmt.Errorf("record failure: %w", err)
	}
	metrics.IncAnalysisFailed()
	telemetry.Error("analysis.failed", map[string]any{
		"analysis_id":     failed.ID,
		"organization_id": failed.OrganizationID,
		"error":           reason,
	})
	s.Notifier.Fire(ctx, notify.Event{
		Name:           notify.EventAnalysisFailed,
		AnalysisID:     failed.ID,
		DocumentID:     failed.DocumentID,
		OrganizationID: failed.OrganizationID,
		RequestID:      RequestIDFromContext(ctx),
		Attributes:     map[string]any{"error": reason},
		OccurredAt:     now,
	})
	return failed, nil
}

// Callback statuses reported by the analyzer.
const (
	CallbackProgress  = "progress"
	CallbackCompleted = "completed"
	CallbackFailed    = "failed"
)

// Callback is an asynchronous report from the analyzer.
type Callback struct {
	Status      string           `json:"status"`
	Progress    *int             `json:"progress,omitempty"`
	CurrentStep string           `json:"currentStep,omitempty"`
	Error       string           `json:"error,omitempty"`
	ResultRef   string           `json:"resultRef,omitempty"`
	Overall     float64          `json:"overall,omitempty"`
	Scores      *results.Scores  `json:"scores,omitempty"`
	Findings    results.Findings `json:"findings,omitempty"`
}

// ApplyCallback folds an analyzer report into the job. Reports for a job that is
// already terminal are acknowledged and ignored.
func (s *Service) ApplyCallback(ctx context.Context, id string, cb Callback) (Job, error) {
	job, err := s.Repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Job{}, apperr.NotFound("analysis not found")
		}
		return Job{}, apperr.Unavailable("analysis store unavailable", err)
	}
	if job.Status.Terminal() {
		return job, nil
	}

	var updated Job
	switch strings.ToLower(strings.TrimSpace(cb.Status)) {
	case CallbackProgress:
		if cb.Progress == nil || *cb.Progress < 0 || *cb.Progress > 100 {
			return Job{}, apperr.Validation("progress must be between 0 and 100", nil)
		}
		step := cb.CurrentStep
		if step == "" {
			step = job.CurrentStep
		}
		updated, err = s.checkpoint(ctx, job, *cb.Progress, step)
		if errors.Is(err, analyzer.ErrCancelled) {
			err = ErrStatusMismatch
		}
	case CallbackCompleted:
		ref, saveErr := s.recordResult(ctx, job, cb.Overall, cb.Scores, cb.Findings, cb.ResultRef)
		if saveErr != nil {
			return Job{}, saveErr
		}
		updated, err = s.complete(ctx, job, ref)
	case CallbackFailed:
		reason := strings.TrimSpace(cb.Error)
		if reason == "" {
			reason = "analyzer reported failure"
		}
		updated, err = s.fail(ctx, job, []Status{StatusQueued, StatusRunning}, reason)
	default:
		return Job{}, apperr.Validation("unknown callback status", map[string]any{"status": cb.Status})
	}

	if errors.Is(err, ErrStatusMismatch) {
		if updated.Status.Terminal() {
			return updated, nil
		}
		return Job{}, apperr.Conflict("analysis is not running", map[string]any{"status": string(updated.Status)})
	}
	if err != nil {
		return Job{}, err
	}
	// complete and fail swallow a lost race and hand back the current job.
	if !updated.Status.Terminal() && updated.Status != StatusRunning {
		return Job{}, apperr.Conflict("analysis is not running", map[string]any{"status": string(updated.Status)})
	}
	return updated, nil
}

// SweepStale fails jobs that can no longer finish: pending jobs whose enqueue was
// never confirmed, and running jobs past their execution deadline.
func (s *Service) SweepStale(ctx context.Context, pendingGrace, runningGrace time.Duration) (int, error) {
	now := s.now()
	swept := 0

	pending, err := s.Repo.ListStale(ctx, StatusPending, now.Add(-pendingGrace), 100)
	if err != nil {
		return 0, fmt.Errorf("list stale pending: %w", err)
	}
	for _, job := range pending {
		failed, err := s.fail(ctx, job, []Status{StatusPending}, "enqueue was never confirmed")
		if err != nil {
			return swept, err
		}
		if failed.Status == StatusFailed {
			swept++
		}
	}

	running, err := s.Repo.ListStale(ctx, StatusRunning, now.Add(-runningGrace), 100)
	if err != nil {
		return swept, fmt.Errorf("list stale running: %w", err)
	}
	for _, job := range running {
		if now.Before(s.runningDeadline(job, runningGrace)) {
			continue
		}
		failed, err := s.fail(ctx, job, []Status{StatusRunning}, "execution deadline exceeded")
		if err != nil {
			return swept, err
		}
		if failed.Status == StatusFailed {
			swept++
		}
	}
	metrics.AddSweptJobs(swept)
	return swept, nil
}

// runningDeadline is measured from the job's last write, so every attempt gets
// its own budget. A job waiting for redelivery after a transient failure is
// allowed the queue's redelivery window instead of the execution timeout.
func (s *Service) runningDeadline(job Job, grace time.Duration) time.Time {
	anchor := job.UpdatedAt
	if job.StartedAt != nil && job.StartedAt.After(anchor) {
		anchor = *job.StartedAt
	}
	budget := time.Duration(job.TimeoutSeconds) * time.Second
	if strings.HasPrefix(job.CurrentStep, stepRetryScheduled) {
		budget = s.redeliveryWindow()
	}
	return anchor.Add(budget + grace)
}
