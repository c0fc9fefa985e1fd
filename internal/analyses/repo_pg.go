package analyses

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"compliance-backend/internal/parameters"
	"compliance-backend/internal/shared/storage/db"
	"compliance-backend/internal/taskqueue"
)

const jobColumns = `id, document_id, organization_id, requested_by, status, priority, options, parameters,
       progress_percent, current_step, result_ref, error, retry_count, max_retries, timeout_seconds,
       task_handle, created_at, updated_at, started_at, completed_at`

const insertJob = `
INSERT INTO analysis_jobs (
	id, document_id, organization_id, requested_by, status, priority, options, parameters,
	progress_percent, current_step, retry_count, max_retries, timeout_seconds, task_handle,
	created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

type rowScanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Create inserts a new job.
func (r *PGRepo) Create(ctx context.Context, job Job) error {
	return insert(ctx, r.DB, job)
}

// CreateExclusive inserts job while holding the document row lock so two requests for
// the same document cannot both pass the in-flight check.
func (r *PGRepo) CreateExclusive(ctx context.Context, job Job) error {
	return db.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT id FROM documents WHERE id = $1 FOR UPDATE`, job.DocumentID); err != nil {
			return err
		}
		var inFlight bool
		err := tx.QueryRowContext(ctx, `
SELECT EXISTS (
	SELECT 1 FROM analysis_jobs
	WHERE document_id = $1 AND status IN ('pending', 'queued', 'running')
)`, job.DocumentID).Scan(&inFlight)
		if err != nil {
			return err
		}
		if inFlight {
			return ErrInFlight
		}
		return insert(ctx, tx, job)
	})
}

func insert(ctx context.Context, ex execer, job Job) error {
	options, err := json.Marshal(job.Options)
	if err != nil {
		return err
	}
	params := []byte(`{}`)
	if job.Parameters != nil {
		if params, err = json.Marshal(job.Parameters); err != nil {
			return err
		}
	}
	_, err = ex.ExecContext(ctx, insertJob,
		job.ID,
		job.DocumentID,
		job.OrganizationID,
		job.RequestedBy,
		string(job.Status),
		string(job.Priority),
		options,
		params,
		job.ProgressPercent,
		job.CurrentStep,
		job.RetryCount,
		job.MaxRetries,
		job.TimeoutSeconds,
		job.TaskHandle,
		job.CreatedAt,
		job.UpdatedAt,
	)
	return err
}

// Get returns a job by id.
func (r *PGRepo) Get(ctx context.Context, id string) (Job, error) {
	query := `SELECT ` + jobColumns + `
FROM analysis_jobs
WHERE id = $1
LIMIT 1`
	return scanJob(r.DB.QueryRowContext(ctx, query, id))
}

// Transition is a single conditional UPDATE; the status guard makes it a compare-and-set.
func (r *PGRepo) Transition(ctx context.Context, id string, from []Status, ch Change) (Job, error) {
	if len(from) == 0 {
		return Job{}, ErrInvalidTransition
	}
	args := []any{id, string(ch.Status), ch.At}
	sets := []string{"status = $2", "updated_at = $3"}
	set := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if ch.ProgressPercent != nil {
		set("progress_percent", *ch.ProgressPercent)
	}
	if ch.CurrentStep != nil {
		set("current_step", *ch.CurrentStep)
	}
	if ch.ResultRef != nil {
		set("result_ref", nullString(*ch.ResultRef))
	}
	if ch.Error != nil {
		set("error", nullString(*ch.Error))
	}
	if ch.RetryCount != nil {
		set("retry_count", *ch.RetryCount)
	}
	if ch.TaskHandle != nil {
		set("task_handle", *ch.TaskHandle)
	}
	if ch.StartedAt != nil {
		set("started_at", *ch.StartedAt)
	}
	if ch.CompletedAt != nil {
		set("completed_at", *ch.CompletedAt)
	}
	placeholders := make([]string, 0, len(from))
	for _, s := range from {
		args = append(args, string(s))
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}

	query := fmt.Sprintf(`UPDATE analysis_jobs
SET %s
WHERE id = $1 AND status IN (%s)
RETURNING %s`, strings.Join(sets, ", "), strings.Join(placeholders, ", "), jobColumns)
	job, err := scanJob(r.DB.QueryRowContext(ctx, query, args...))
	if !errors.Is(err, ErrNotFound) {
		return job, err
	}
	current, err := r.Get(ctx, id)
	if err != nil {
		return Job{}, err
	}
	return current, ErrStatusMismatch
}

// ListActive returns the non-terminal jobs of the scoped organization, newest first.
func (r *PGRepo) ListActive(ctx context.Context, scope Scope, page Page) ([]Job, int, error) {
	if scope.OrganizationID() == "" {
		return []Job{}, 0, nil
	}
	var total int
	err := r.DB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM analysis_jobs
WHERE organization_id = $1 AND status IN ('pending', 'queued', 'running')`, scope.OrganizationID()).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + jobColumns + `
FROM analysis_jobs
WHERE organization_id = $1 AND status IN ('pending', 'queued', 'running')
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3`
	rows, err := r.DB.QueryContext(ctx, query, scope.OrganizationID(), page.Limit, page.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// ListStale returns jobs in status last updated before the cutoff, oldest first.
func (r *PGRepo) ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + jobColumns + `
FROM analysis_jobs
WHERE status = $1 AND updated_at < $2
ORDER BY updated_at ASC
LIMIT $3`
	rows, err := r.DB.QueryContext(ctx, query, string(status), before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	out := make([]Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanJob(row rowScanner) (Job, error) {
	var (
		job         Job
		status      string
		priority    string
		options     []byte
		params      []byte
		resultRef   sql.NullString
		errText     sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&job.DocumentID,
		&job.OrganizationID,
		&job.RequestedBy,
		&status,
		&priority,
		&options,
		&params,
		&job.ProgressPercent,
		&job.CurrentStep,
		&resultRef,
		&errText,
		&job.RetryCount,
		&job.MaxRetries,
		&job.TimeoutSeconds,
		&job.TaskHandle,
		&job.CreatedAt,
		&job.UpdatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, err
	}
	job.Status = Status(status)
	job.Priority = taskqueue.Priority(priority)
	if len(options) > 0 {
		if err := json.Unmarshal(options, &job.Options); err != nil {
			return Job{}, fmt.Errorf("decode options: %w", err)
		}
	}
	if len(params) > 0 {
		var p parameters.Parameters
		if err := json.Unmarshal(params, &p); err != nil {
			return Job{}, fmt.Errorf("decode parameters: %w", err)
		}
		if p.OrganizationID != "" {
			job.Parameters = &p
		}
	}
	job.ResultRef = resultRef.String
	job.Error = errText.String
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
