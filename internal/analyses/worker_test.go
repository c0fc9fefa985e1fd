package analyses

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"compliance-backend/internal/analyzer"
	"compliance-backend/internal/orgconfig"
	"compliance-backend/internal/results"
	"compliance-backend/internal/shared/apperr"
	"compliance-backend/internal/taskqueue"
)

func TestProcessTaskCompletesAndRecordsResult(t *testing.T) {
	h := newHarness(t)
	job := h.start(t)
	var steps []string
	h.svc.Analyzer = analyzerFunc(func(ctx context.Context, req analyzer.Request, progress analyzer.ProgressFunc) (analyzer.Result, error) {
		if req.Parameters.Weights.Legal != 25 {
			t.Errorf("expected job parameter snapshot, got %+v", req.Parameters.Weights)
		}
		if err := progress(ctx, 50, "scoring"); err != nil {
			return analyzer.Result{}, err
		}
		current := h.status(t, req.AnalysisID)
		steps = append(steps, current.CurrentStep)
		if current.ProgressPercent != 65 {
			t.Errorf("expected scaled progress 65, got %d", current.ProgressPercent)
		}
		return analyzer.Result{
			Overall:  81,
			Scores:   &results.Scores{Structural: 80, Legal: 70, Clarity: 90, ABNT: 84},
			Findings: results.Findings{orgconfig.CategoryLegal: {High: 2}},
		}, nil
	})

	if err := h.svc.ProcessTask(context.Background(), h.message(job), 1); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	final := h.status(t, job.ID)
	if final.Status != StatusCompleted || final.ProgressPercent != 100 || final.StartedAt == nil || final.CompletedAt == nil {
		t.Fatalf("unexpected final job %+v", final)
	}
	if len(steps) != 1 || steps[0] != "scoring" {
		t.Fatalf("unexpected steps %v", steps)
	}
	rec, err := h.results.GetByID(context.Background(), final.ResultRef)
	if err != nil {
		t.Fatalf("result record: %v", err)
	}
	if rec.AnalysisID != job.ID || rec.Overall != 81 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestProcessTaskSkipsTerminalJobs(t *testing.T) {
	h := newHarness(t)
	job := h.start(t)
	if _, err := h.svc.CancelAnalysis(context.Background(), "org-1", "user-1", job.ID); err != nil {
		t.Fatalf("CancelAnalysis: %v", err)
	}
	called := false
	h.svc.Analyzer = analyzerFunc(func(context.Context, analyzer.Request, analyzer.ProgressFunc) (analyzer.Result, error) {
		called = true
		return analyzer.Result{}, nil
	})
	if err := h.svc.ProcessTask(context.Background(), h.message(job), 1); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if called || h.status(t, job.ID).Status != StatusCancelled {
		t.Fatalf("terminal job must not run")
	}
}

func TestProcessTaskStopsAtCheckpointAfterCancel(t *testing.T) {
	h := newHarness(t)
	job := h.start(t)
	h.svc.Analyzer = analyzerFunc(func(ctx context.Context, req analyzer.Request, progress analyzer.ProgressFunc) (analyzer.Result, error) {
		if _, err := h.svc.CancelAnalysis(ctx, "org-1", "user-1", req.AnalysisID); err != nil {
			t.Errorf("CancelAnalysis: %v", err)
		}
		if err := progress(ctx, 40, "scoring"); err != nil {
			return analyzer.Result{}, err
		}
		return analyzer.Result{Overall: 50}, nil
	})

	if err := h.svc.ProcessTask(context.Background(), h.message(job), 1); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if got := h.status(t, job.ID).Status; got != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got)
	}
}

func TestProcessTaskPromotesPendingJob(t *testing.T) {
	h := newHarness(t)
	job := Job{
		ID:             "job-p",
		DocumentID:     "doc-1",
		OrganizationID: "org-1",
		Status:         StatusPending,
		Priority:       taskqueue.PriorityNormal,
		MaxRetries:     1,
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
	}
	if err := h.repo.Create(context.Background(), job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	h.svc.Analyzer = analyzerFunc(func(context.Context, analyzer.Request, analyzer.ProgressFunc) (analyzer.Result, error) {
		return analyzer.Result{ResultRef: "ext-1"}, nil
	})
	if err := h.svc.ProcessTask(context.Background(), h.message(job), 1); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	final := h.status(t, job.ID)
	if final.Status != StatusCompleted || final.ResultRef != "ext-1" {
		t.Fatalf("unexpected job %+v", final)
	}
}

func TestProcessTaskRetriesTransientErrorsThenFails(t *testing.T) {
	h := newHarness(t)
	job := h.start(t)
	h.svc.Analyzer = analyzerFunc(func(context.Context, analyzer.Request, analyzer.ProgressFunc) (analyzer.Result, error) {
		return analyzer.Result{}, &analyzer.HTTPError{StatusCode: 503, Body: "busy"}
	})

	for attempt := 1; attempt <= 2; attempt++ {
		err := h.svc.ProcessTask(context.Background(), h.message(job), attempt)
		if err == nil {
			t.Fatalf("attempt %d: expected redelivery error", attempt)
		}
		current := h.status(t, job.ID)
		if current.Status != StatusRunning || current.RetryCount != attempt {
			t.Fatalf("attempt %d: unexpected job %+v", attempt, current)
		}
	}

	if err := h.svc.ProcessTask(context.Background(), h.message(job), 3); err != nil {
		t.Fatalf("final attempt should settle, got %v", err)
	}
	final := h.status(t, job.ID)
	if final.Status != StatusFailed || final.Error == "" {
		t.Fatalf("expected failed with error, got %+v", final)
	}
}

func TestProcessTaskFailsPermanentErrorsImmediately(t *testing.T) {
	h := newHarness(t)
	job := h.start(t)
	h.svc.Analyzer = analyzerFunc(func(context.Context, analyzer.Request, analyzer.ProgressFunc) (analyzer.Result, error) {
		return analyzer.Result{}, &analyzer.HTTPError{StatusCode: 422, Body: "unreadable document"}
	})
	if err := h.svc.ProcessTask(context.Background(), h.message(job), 1); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if got := h.status(t, job.ID).Status; got != StatusFailed {
		t.Fatalf("expected failed, got %s", got)
	}
}

func TestProcessTaskUnknownAnalysisIsPermanent(t *testing.T) {
	h := newHarness(t)
	err := h.svc.ProcessTask(context.Background(), taskqueue.Message{AnalysisID: "missing"}, 1)
	if !taskqueue.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestPendingAnalyzerWaitsForCallback(t *testing.T) {
	h := newHarness(t)
	job := h.start(t)
	h.svc.Analyzer = analyzerFunc(func(context.Context, analyzer.Request, analyzer.ProgressFunc) (analyzer.Result, error) {
		return analyzer.Result{Pending: true}, nil
	})
	if err := h.svc.ProcessTask(context.Background(), h.message(job), 1); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if got := h.status(t, job.ID); got.Status != StatusRunning || got.CurrentStep != stepAwaitingCallback {
		t.Fatalf("expected running awaiting callback, got %+v", got)
	}

	p := 70
	if _, err := h.svc.ApplyCallback(context.Background(), job.ID, Callback{Status: "progress", Progress: &p, CurrentStep: "scoring"}); err != nil {
		t.Fatalf("progress callback: %v", err)
	}
	done, err := h.svc.ApplyCallback(context.Background(), job.ID, Callback{
		Status:  "completed",
		Overall: 77,
		Scores:  &results.Scores{Structural: 77, Legal: 77, Clarity: 77, ABNT: 77},
	})
	if err != nil {
		t.Fatalf("completed callback: %v", err)
	}
	if done.Status != StatusCompleted || done.ResultRef == "" {
		t.Fatalf("unexpected job %+v", done)
	}

	late, err := h.svc.ApplyCallback(context.Background(), job.ID, Callback{Status: "failed", Error: "late"})
	if err != nil {
		t.Fatalf("late callback should be a no-op, got %v", err)
	}
	if late.Status != StatusCompleted {
		t.Fatalf("late callback changed status to %s", late.Status)
	}
}

func TestApplyCallbackValidation(t *testing.T) {
	h := newHarness(t)
	job := h.start(t)

	if _, err := h.svc.ApplyCallback(context.Background(), "missing", Callback{Status: "failed"}); apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := h.svc.ApplyCallback(context.Background(), job.ID, Callback{Status: "exploded"}); apperr.CodeOf(err) != apperr.CodeValidation {
		t.Fatalf("expected validation, got %v", err)
	}
	p := 50
	if _, err := h.svc.ApplyCallback(context.Background(), job.ID, Callback{Status: "progress", Progress: &p}); apperr.CodeOf(err) != apperr.CodeConflict {
		t.Fatalf("expected conflict for a job that is not running, got %v", err)
	}
}

func TestSweepStaleFailsStuckJobs(t *testing.T) {
	h := newHarness(t)
	started := testNow.Add(-time.Hour)
	stuck := []Job{
		{ID: "pending-old", DocumentID: "doc-1", OrganizationID: "org-1", Status: StatusPending, UpdatedAt: testNow.Add(-20 * time.Minute)},
		{ID: "pending-new", DocumentID: "doc-1", OrganizationID: "org-1", Status: StatusPending, UpdatedAt: testNow.Add(-time.Minute)},
		{ID: "running-old", DocumentID: "doc-1", OrganizationID: "org-1", Status: StatusRunning, TimeoutSeconds: 300, StartedAt: &started, UpdatedAt: testNow.Add(-30 * time.Minute)},
		{ID: "running-long", DocumentID: "doc-1", OrganizationID: "org-1", Status: StatusRunning, TimeoutSeconds: 7200, StartedAt: &started, UpdatedAt: testNow.Add(-30 * time.Minute)},
	}
	for _, job := range stuck {
		if err := h.repo.Create(context.Background(), job); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	n, err := h.svc.SweepStale(context.Background(), 10*time.Minute, 5*time.Minute)
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 swept jobs, got %d", n)
	}
	want := map[string]Status{
		"pending-old":  StatusFailed,
		"pending-new":  StatusPending,
		"running-old":  StatusFailed,
		"running-long": StatusRunning,
	}
	for id, status := range want {
		if got := h.status(t, id).Status; got != status {
			t.Fatalf("%s: expected %s, got %s", id, status, got)
		}
	}
}

func TestSweepStaleWaitsForRedeliveryAfterRetry(t *testing.T) {
	h := newHarness(t)
	now := testNow
	h.svc.Now = func() time.Time { return now }
	h.svc.RedeliveryWindow = 20 * time.Minute
	waiting := h.start(t)
	abandoned := h.start(t)

	busy := analyzerFunc(func(context.Context, analyzer.Request, analyzer.ProgressFunc) (analyzer.Result, error) {
		return analyzer.Result{}, &analyzer.HTTPError{StatusCode: 503, Body: "busy"}
	})
	h.svc.Analyzer = busy
	for _, job := range []Job{waiting, abandoned} {
		if err := h.svc.ProcessTask(context.Background(), h.message(job), 1); err == nil {
			t.Fatalf("%s: expected redelivery error", job.ID)
		}
	}

	now = testNow.Add(11 * time.Minute)
	n, err := h.svc.SweepStale(context.Background(), 10*time.Minute, 5*time.Minute)
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if n != 0 {
		t.Fatalf("jobs waiting for redelivery must not be swept, got %d", n)
	}

	now = testNow.Add(21 * time.Minute)
	calls := 0
	h.svc.Analyzer = analyzerFunc(func(context.Context, analyzer.Request, analyzer.ProgressFunc) (analyzer.Result, error) {
		calls++
		return analyzer.Result{Overall: 77}, nil
	})
	if err := h.svc.ProcessTask(context.Background(), h.message(waiting), 2); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if calls != 1 {
		t.Fatalf("second attempt must reach the analyzer, got %d calls", calls)
	}
	if got := h.status(t, waiting.ID); got.Status != StatusCompleted {
		t.Fatalf("expected completed after redelivery, got %+v", got)
	}

	now = testNow.Add(26 * time.Minute)
	n, err = h.svc.SweepStale(context.Background(), 10*time.Minute, 5*time.Minute)
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected the never redelivered job to be swept, got %d", n)
	}
	if got := h.status(t, abandoned.ID); got.Status != StatusFailed || got.Error != "execution deadline exceeded" {
		t.Fatalf("unexpected abandoned job %+v", got)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{context.DeadlineExceeded, true},
		{&analyzer.HTTPError{StatusCode: 502}, true},
		{&analyzer.HTTPError{StatusCode: 400}, false},
		{apperr.Unavailable("store", errors.New("down")), true},
		{taskqueue.Permanent(errors.New("bad")), false},
		{analyzer.ErrNotConfigured, false},
		{errors.New("read tcp: connection reset by peer"), true},
		{errors.New("invalid document"), false},
	}
	for _, tc := range cases {
		if got := isRetryable(tc.err); got != tc.want {
			t.Fatalf("isRetryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestSanitizeErrorKeepsWholeRunes(t *testing.T) {
	got := sanitizeError(errors.New(strings.Repeat("a", 499) + "ção"))
	if !utf8.ValidString(got) || got != strings.Repeat("a", 499) {
		t.Fatalf("expected cut before the split rune, got %q", got)
	}
	if got := sanitizeError(errors.New(" line one\nline two ")); got != "line one line two" {
		t.Fatalf("unexpected sanitized message %q", got)
	}
}
