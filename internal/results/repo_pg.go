package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

const recordColumns = `id, analysis_id, document_id, organization_id, overall, scores, confirmed_scores,
       findings, confirmed_by, confirmed_at, created_at`

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Save upserts a record on analysis_id. Confirmation columns survive a re-save.
func (r *PGRepo) Save(ctx context.Context, rec Record) (Record, error) {
	scores, err := marshalNullable(rec.Scores)
	if err != nil {
		return Record{}, err
	}
	findings := rec.Findings
	if findings == nil {
		findings = Findings{}
	}
	findingsJSON, err := json.Marshal(findings)
	if err != nil {
		return Record{}, err
	}
	query := `
INSERT INTO analysis_results (id, analysis_id, document_id, organization_id, overall, scores, findings, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (analysis_id) DO UPDATE
SET overall = EXCLUDED.overall, scores = EXCLUDED.scores, findings = EXCLUDED.findings
RETURNING ` + recordColumns
	return scanRecord(r.DB.QueryRowContext(ctx, query,
		rec.ID,
		rec.AnalysisID,
		rec.DocumentID,
		rec.OrganizationID,
		rec.Overall,
		scores,
		findingsJSON,
		rec.CreatedAt,
	))
}

// GetByID returns a record by id.
func (r *PGRepo) GetByID(ctx context.Context, id string) (Record, error) {
	query := `SELECT ` + recordColumns + `
FROM analysis_results
WHERE id = $1
LIMIT 1`
	return scanRecord(r.DB.QueryRowContext(ctx, query, id))
}

// ListByOrganization returns records created at or after since, newest first.
func (r *PGRepo) ListByOrganization(ctx context.Context, organizationID string, since time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + recordColumns + `
FROM analysis_results
WHERE organization_id = $1 AND created_at >= $2
ORDER BY created_at DESC, id DESC
LIMIT $3`
	rows, err := r.DB.QueryContext(ctx, query, organizationID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Confirm stores human-confirmed scores.
func (r *PGRepo) Confirm(ctx context.Context, id string, scores Scores, confirmedBy string, at time.Time) (Record, error) {
	payload, err := json.Marshal(scores)
	if err != nil {
		return Record{}, err
	}
	query := `
UPDATE analysis_results
SET confirmed_scores = $2, confirmed_by = $3, confirmed_at = $4
WHERE id = $1
RETURNING ` + recordColumns
	return scanRecord(r.DB.QueryRowContext(ctx, query, id, payload, confirmedBy, at))
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var scores, confirmed, findings []byte
	var confirmedAt sql.NullTime
	err := row.Scan(
		&rec.ID,
		&rec.AnalysisID,
		&rec.DocumentID,
		&rec.OrganizationID,
		&rec.Overall,
		&scores,
		&confirmed,
		&findings,
		&rec.ConfirmedBy,
		&confirmedAt,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	if rec.Scores, err = unmarshalScores(scores); err != nil {
		return Record{}, err
	}
	if rec.Confirmed, err = unmarshalScores(confirmed); err != nil {
		return Record{}, err
	}
	rec.Findings = Findings{}
	if len(findings) > 0 {
		if err := json.Unmarshal(findings, &rec.Findings); err != nil {
			return Record{}, err
		}
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		rec.ConfirmedAt = &t
	}
	return rec, nil
}

func unmarshalScores(raw []byte) (*Scores, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s Scores
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func marshalNullable(s *Scores) (any, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

var _ Repo = (*PGRepo)(nil)
var _ Repo = (*MemoryRepo)(nil)
