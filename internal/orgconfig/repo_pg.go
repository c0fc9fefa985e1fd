package orgconfig

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"compliance-backend/internal/shared/storage/db"
)

const configColumns = `id, organization_id, name, description, version, is_active, preset,
       weights, custom_rules, settings, created_by, created_at, updated_at`

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB  *sql.DB
	Now func() time.Time
}

type rowScanner interface {
	Scan(dest ...any) error
}

// GetActive returns the active config of an organization.
func (r *PGRepo) GetActive(ctx context.Context, organizationID string) (Config, error) {
	query := `SELECT ` + configColumns + `
FROM organization_configs
WHERE organization_id = $1 AND is_active
LIMIT 1`
	return scanConfig(r.DB.QueryRowContext(ctx, query, organizationID))
}

// GetByID returns a config by id.
func (r *PGRepo) GetByID(ctx context.Context, id string) (Config, error) {
	query := `SELECT ` + configColumns + `
FROM organization_configs
WHERE id = $1
LIMIT 1`
	return scanConfig(r.DB.QueryRowContext(ctx, query, id))
}

// ListByOrganization returns the configs of an organization, newest first.
func (r *PGRepo) ListByOrganization(ctx context.Context, organizationID string) ([]Config, error) {
	query := `SELECT ` + configColumns + `
FROM organization_configs
WHERE organization_id = $1
ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Config, 0)
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// Create inserts a config. Deactivation of the previous active config and the insert share one transaction.
func (r *PGRepo) Create(ctx context.Context, cfg Config, replaceActive bool) error {
	weights, rules, settings, err := marshalConfigPayloads(cfg)
	if err != nil {
		return err
	}
	err = db.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		if cfg.IsActive && replaceActive {
			if err := deactivateOthers(ctx, tx, cfg.OrganizationID, cfg.ID, r.now()); err != nil {
				return err
			}
		}
		const query = `
INSERT INTO organization_configs (
	id, organization_id, name, description, version, is_active, preset,
	weights, custom_rules, settings, created_by, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
		_, err := tx.ExecContext(ctx, query,
			cfg.ID,
			cfg.OrganizationID,
			cfg.Name,
			cfg.Description,
			cfg.Version,
			cfg.IsActive,
			cfg.Preset,
			weights,
			rules,
			settings,
			cfg.CreatedBy,
			cfg.CreatedAt,
			cfg.UpdatedAt,
		)
		return err
	})
	if isUniqueViolation(err) {
		return ErrActiveConfigExists
	}
	return err
}

// Update writes the mutable fields only when the stored version equals expectedVersion.
func (r *PGRepo) Update(ctx context.Context, cfg Config, expectedVersion int) (Config, error) {
	weights, rules, settings, err := marshalConfigPayloads(cfg)
	if err != nil {
		return Config{}, err
	}
	query := `
UPDATE organization_configs
SET name = $3, description = $4, preset = $5, weights = $6, custom_rules = $7, settings = $8,
    version = version + 1, updated_at = $9
WHERE id = $1 AND version = $2
RETURNING ` + configColumns
	updated, err := scanConfig(r.DB.QueryRowContext(ctx, query,
		cfg.ID,
		expectedVersion,
		cfg.Name,
		cfg.Description,
		cfg.Preset,
		weights,
		rules,
		settings,
		r.now(),
	))
	if errors.Is(err, ErrNotFound) {
		return Config{}, r.missOrConflict(ctx, r.DB, cfg.ID)
	}
	return updated, err
}

// Activate makes id the only active config of its organization in one transaction.
func (r *PGRepo) Activate(ctx context.Context, organizationID, id string, expectedVersion int) (Config, error) {
	var out Config
	err := db.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		now := r.now()
		if err := deactivateOthers(ctx, tx, organizationID, id, now); err != nil {
			return err
		}
		query := `
UPDATE organization_configs
SET is_active = true,
    version = CASE WHEN is_active THEN version ELSE version + 1 END,
    updated_at = $4
WHERE id = $1 AND organization_id = $2 AND version = $3
RETURNING ` + configColumns
		cfg, err := scanConfig(tx.QueryRowContext(ctx, query, id, organizationID, expectedVersion, now))
		if errors.Is(err, ErrNotFound) {
			return r.missOrConflict(ctx, tx, id)
		}
		if err != nil {
			return err
		}
		out = cfg
		return nil
	})
	if err != nil {
		return Config{}, err
	}
	return out, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *PGRepo) missOrConflict(ctx context.Context, q queryRower, id string) error {
	var version int
	err := q.QueryRowContext(ctx, `SELECT version FROM organization_configs WHERE id = $1`, id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrVersionConflict
}

func (r *PGRepo) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func deactivateOthers(ctx context.Context, tx *sql.Tx, organizationID, keepID string, now time.Time) error {
	const query = `
UPDATE organization_configs
SET is_active = false, version = version + 1, updated_at = $3
WHERE organization_id = $1 AND is_active AND id <> $2`
	_, err := tx.ExecContext(ctx, query, organizationID, keepID, now)
	return err
}

func scanConfig(row rowScanner) (Config, error) {
	var cfg Config
	var weights, rules, settings []byte
	err := row.Scan(
		&cfg.ID,
		&cfg.OrganizationID,
		&cfg.Name,
		&cfg.Description,
		&cfg.Version,
		&cfg.IsActive,
		&cfg.Preset,
		&weights,
		&rules,
		&settings,
		&cfg.CreatedBy,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Config{}, ErrNotFound
		}
		return Config{}, err
	}
	if err := json.Unmarshal(weights, &cfg.Weights); err != nil {
		return Config{}, err
	}
	cfg.CustomRules = []CustomRule{}
	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &cfg.CustomRules); err != nil {
			return Config{}, err
		}
	}
	cfg.Settings = DefaultSettings()
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &cfg.Settings); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func marshalConfigPayloads(cfg Config) ([]byte, []byte, []byte, error) {
	weights, err := json.Marshal(cfg.Weights)
	if err != nil {
		return nil, nil, nil, err
	}
	rules := cfg.CustomRules
	if rules == nil {
		rules = []CustomRule{}
	}
	rulesJSON, err := json.Marshal(rules)
	if err != nil {
		return nil, nil, nil, err
	}
	settings, err := json.Marshal(cfg.Settings)
	if err != nil {
		return nil, nil, nil, err
	}
	return weights, rulesJSON, settings, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ Repo = (*PGRepo)(nil)
var _ Repo = (*MemoryRepo)(nil)
