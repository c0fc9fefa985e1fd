package analyses

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var jobRowColumns = []string{
	"id", "document_id", "organization_id", "requested_by", "status", "priority", "options", "parameters",
	"progress_percent", "current_step", "result_ref", "error", "retry_count", "max_retries", "timeout_seconds",
	"task_handle", "created_at", "updated_at", "started_at", "completed_at",
}

func jobRow(status string, now time.Time) []driver.Value {
	return []driver.Value{
		"job-1", "doc-1", "org-1", "user-1", status, "high",
		[]byte(`{"includeAI":true,"customRuleIds":["rule-1"]}`),
		[]byte(`{"organizationId":"org-1","timeoutSeconds":300,"maxRetries":2}`),
		40, "scoring", nil, nil, 0, 2, 300,
		"high#task-1", now, now, now, nil,
	}
}

func newMockRepo(t *testing.T) (*PGRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &PGRepo{DB: db}, mock
}

func TestPGRepoGetDecodesJob(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM analysis_jobs").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(jobRowColumns).AddRow(jobRow("running", now)...))

	job, err := repo.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != StatusRunning || job.Priority != "high" || !job.Options.IncludeAI || len(job.Options.CustomRuleIDs) != 1 {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Parameters == nil || job.Parameters.MaxRetries != 2 || job.StartedAt == nil || job.CompletedAt != nil {
		t.Fatalf("unexpected job details %+v", job)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoGetNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("FROM analysis_jobs").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(jobRowColumns))

	if _, err := repo.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGRepoTransitionIsConditional(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	step := "cancelled"
	mock.ExpectQuery(regexp.QuoteMeta("SET status = $2, updated_at = $3, current_step = $4, completed_at = $5") + `\s+` +
		regexp.QuoteMeta("WHERE id = $1 AND status IN ($6, $7)")).
		WithArgs("job-1", "cancelled", now, step, now, "queued", "running").
		WillReturnRows(sqlmock.NewRows(jobRowColumns).AddRow(jobRow("cancelled", now)...))

	job, err := repo.Transition(context.Background(), "job-1", []Status{StatusQueued, StatusRunning}, Change{
		Status:      StatusCancelled,
		At:          now,
		CurrentStep: &step,
		CompletedAt: &now,
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if job.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", job.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoTransitionMismatchReturnsCurrent(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("UPDATE analysis_jobs").
		WillReturnRows(sqlmock.NewRows(jobRowColumns))
	mock.ExpectQuery("FROM analysis_jobs").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(jobRowColumns).AddRow(jobRow("completed", now)...))

	job, err := repo.Transition(context.Background(), "job-1", []Status{StatusRunning}, Change{Status: StatusCancelled, At: now})
	if !errors.Is(err, ErrStatusMismatch) {
		t.Fatalf("expected ErrStatusMismatch, got %v", err)
	}
	if job.Status != StatusCompleted {
		t.Fatalf("expected current job, got %+v", job)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoCreateExclusiveRejectsInFlight(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT id FROM documents WHERE id = $1 FOR UPDATE")).
		WithArgs("doc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err := repo.CreateExclusive(context.Background(), Job{ID: "job-2", DocumentID: "doc-1", OrganizationID: "org-1", Status: StatusPending})
	if !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoCreateExclusiveInserts(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec("FOR UPDATE").WithArgs("doc-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("doc-1").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO analysis_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.CreateExclusive(context.Background(), Job{
		ID: "job-2", DocumentID: "doc-1", OrganizationID: "org-1", Status: StatusPending,
		Priority: "normal", CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateExclusive: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoListActiveFiltersByOrganization(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE organization_id = $1 AND status IN ('pending', 'queued', 'running')")).
		WithArgs("org-1", 1, 2).
		WillReturnRows(sqlmock.NewRows(jobRowColumns).AddRow(jobRow("queued", now)...))

	jobs, total, err := repo.ListActive(context.Background(), OrganizationScope("org-1"), Page{Limit: 1, Offset: 2})
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if total != 3 || len(jobs) != 1 || jobs[0].Status != StatusQueued {
		t.Fatalf("unexpected result total=%d jobs=%+v", total, jobs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoListActiveEmptyScopeMatchesNothing(t *testing.T) {
	repo, mock := newMockRepo(t)
	jobs, total, err := repo.ListActive(context.Background(), Scope{}, Page{Limit: 10})
	if err != nil || total != 0 || len(jobs) != 0 {
		t.Fatalf("expected empty result, got %v %d %v", jobs, total, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}
