package orgconfig

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no matching config exists.
	ErrNotFound = errors.New("organization config not found")
	// ErrVersionConflict is returned when a conditional write sees a different version.
	ErrVersionConflict = errors.New("organization config version conflict")
	// ErrActiveConfigExists is returned when an active config already exists and replacement was not requested.
	ErrActiveConfigExists = errors.New("organization already has an active config")
)

// Repo persists organization configs.
//
// Writes that change which config is active run as one atomic batch, and
// Update and Activate only apply when the stored version equals expectedVersion.
type Repo interface {
	GetActive(ctx context.Context, organizationID string) (Config, error)
	GetByID(ctx context.Context, id string) (Config, error)
	ListByOrganization(ctx context.Context, organizationID string) ([]Config, error)
	Create(ctx context.Context, cfg Config, replaceActive bool) error
	Update(ctx context.Context, cfg Config, expectedVersion int) (Config, error)
	Activate(ctx context.Context, organizationID, id string, expectedVersion int) (Config, error)
}
