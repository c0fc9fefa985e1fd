package orgconfig

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"compliance-backend/internal/shared/apperr"
	"compliance-backend/internal/shared/telemetry"
)

// Service resolves and administers organization configs.
type Service struct {
	Repo    Repo
	Tenants TenantDirectory
	Catalog *PresetCatalog
	Now     func() time.Time
	// OnChange is invoked after a write changes the configs of an organization.
	OnChange func(organizationID string)
}

// Resolve returns the active config of an organization, creating the default one on first use.
func (s *Service) Resolve(ctx context.Context, organizationID string) (Config, error) {
	if strings.TrimSpace(organizationID) == "" {
		return Config{}, apperr.Validation("organizationId is required", nil)
	}
	cfg, err := s.Repo.GetActive(ctx, organizationID)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Config{}, apperr.Unavailable("configuration store unavailable", err)
	}

	def, err := s.defaultConfig(ctx, organizationID)
	if err != nil {
		return Config{}, err
	}
	err = s.Repo.Create(ctx, def, false)
	switch {
	case err == nil:
		telemetry.Info("orgconfig.default_created", map[string]any{
			"organization_id": organizationID,
			"config_id":       def.ID,
		})
		return def, nil
	case errors.Is(err, ErrActiveConfigExists):
		// Another request created the default first.
		cfg, err := s.Repo.GetActive(ctx, organizationID)
		if err != nil {
			return Config{}, apperr.Unavailable("configuration store unavailable", err)
		}
		return cfg, nil
	default:
		return Config{}, apperr.Unavailable("configuration store unavailable", err)
	}
}

// Validate checks a candidate config.
func (s *Service) Validate(cfg Config) ValidationResult {
	return Validate(cfg)
}

// Presets lists the preset catalogue.
func (s *Service) Presets() []PresetInfo {
	return s.Catalog.List()
}

func (s *Service) defaultConfig(ctx context.Context, organizationID string) (Config, error) {
	name := organizationID
	if s.Tenants != nil {
		tenant, err := s.Tenants.GetTenant(ctx, organizationID)
		switch {
		case err == nil:
			if strings.TrimSpace(tenant.Name) != "" {
				name = tenant.Name
			}
		case errors.Is(err, ErrTenantNotFound):
		default:
			return Config{}, apperr.Unavailable("organization directory unavailable", err)
		}
	}
	now := s.now()
	return Config{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		Name:           "Default configuration - " + name,
		Version:        1,
		IsActive:       true,
		Preset:         PresetStandard,
		Weights:        s.Catalog.Weights(PresetStandard),
		CustomRules:    []CustomRule{},
		Settings:       DefaultSettings(),
		CreatedBy:      "system",
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// CreateInput describes a new config.
type CreateInput struct {
	Name          string       `json:"name"`
	Description   string       `json:"description"`
	Preset        Preset       `json:"preset"`
	Weights       *Weights     `json:"weights"`
	CustomRules   []CustomRule `json:"customRules"`
	Settings      *Settings    `json:"settings"`
	Activate      bool         `json:"activate"`
	ReplaceActive bool         `json:"replaceActive"`
}

// Create stores a new config for an organization.
func (s *Service) Create(ctx context.Context, organizationID, userID string, in CreateInput) (Config, error) {
	preset := in.Preset
	if preset == "" {
		preset = PresetStandard
	}
	weights := s.Catalog.Weights(preset)
	if in.Weights != nil {
		weights = *in.Weights
		if in.Preset == "" {
			preset = PresetCustom
		}
	}
	settings := DefaultSettings()
	if in.Settings != nil {
		settings = *in.Settings
	}
	rules := in.CustomRules
	if rules == nil {
		rules = []CustomRule{}
	}

	now := s.now()
	cfg := Config{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		Name:           strings.TrimSpace(in.Name),
		Description:    in.Description,
		Version:        1,
		IsActive:       in.Activate,
		Preset:         preset,
		Weights:        weights,
		CustomRules:    rules,
		Settings:       settings,
		CreatedBy:      userID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := validationError(Validate(cfg)); err != nil {
		return Config{}, err
	}

	if err := s.Repo.Create(ctx, cfg, in.ReplaceActive); err != nil {
		if errors.Is(err, ErrActiveConfigExists) {
			return Config{}, apperr.Conflict("organization already has an active configuration", map[string]any{
				"hint": "set replaceActive to deactivate the current configuration",
			})
		}
		return Config{}, apperr.Unavailable("configuration store unavailable", err)
	}
	s.changed(organizationID)
	return cfg, nil
}

// UpdateInput patches a config. Nil fields are left unchanged.
type UpdateInput struct {
	ExpectedVersion int           `json:"expectedVersion"`
	Name            *string       `json:"name"`
	Description     *string       `json:"description"`
	Preset          *Preset       `json:"preset"`
	Weights         *Weights      `json:"weights"`
	CustomRules     *[]CustomRule `json:"customRules"`
	Settings        *Settings     `json:"settings"`
}

// Update applies a patch when the stored version still equals ExpectedVersion.
func (s *Service) Update(ctx context.Context, organizationID, id string, in UpdateInput) (Config, error) {
	if in.ExpectedVersion <= 0 {
		return Config{}, apperr.Validation("expectedVersion is required", nil)
	}
	cfg, err := s.Get(ctx, organizationID, id)
	if err != nil {
		return Config{}, err
	}

	if in.Name != nil {
		cfg.Name = strings.TrimSpace(*in.Name)
	}
	if in.Description != nil {
		cfg.Description = *in.Description
	}
	if in.Preset != nil {
		cfg.Preset = *in.Preset
		if in.Weights == nil && cfg.Preset != PresetCustom {
			cfg.Weights = s.Catalog.Weights(cfg.Preset)
		}
	}
	if in.Weights != nil {
		cfg.Weights = *in.Weights
	}
	if in.CustomRules != nil {
		cfg.CustomRules = *in.CustomRules
	}
	if in.Settings != nil {
		cfg.Settings = *in.Settings
	}
	if err := validationError(Validate(cfg)); err != nil {
		return Config{}, err
	}

	updated, err := s.Repo.Update(ctx, cfg, in.ExpectedVersion)
	if err != nil {
		return Config{}, mapWriteError(err, in.ExpectedVersion)
	}
	s.changed(organizationID)
	return updated, nil
}

// Clone copies a config into a new inactive one.
func (s *Service) Clone(ctx context.Context, organizationID, id, userID, name string) (Config, error) {
	src, err := s.Get(ctx, organizationID, id)
	if err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(name) == "" {
		name = src.Name + " (copy)"
	}
	now := s.now()
	clone := cloneConfig(src)
	clone.ID = uuid.NewString()
	clone.Name = strings.TrimSpace(name)
	clone.Version = 1
	clone.IsActive = false
	clone.CreatedBy = userID
	clone.CreatedAt = now
	clone.UpdatedAt = now
	if err := s.Repo.Create(ctx, clone, false); err != nil {
		return Config{}, apperr.Unavailable("configuration store unavailable", err)
	}
	return clone, nil
}

// Activate makes a config the active one of its organization.
func (s *Service) Activate(ctx context.Context, organizationID, id string, expectedVersion int) (Config, error) {
	if expectedVersion <= 0 {
		return Config{}, apperr.Validation("expectedVersion is required", nil)
	}
	if _, err := s.Get(ctx, organizationID, id); err != nil {
		return Config{}, err
	}
	cfg, err := s.Repo.Activate(ctx, organizationID, id, expectedVersion)
	if err != nil {
		return Config{}, mapWriteError(err, expectedVersion)
	}
	s.changed(organizationID)
	return cfg, nil
}

// Get returns a config owned by the organization.
func (s *Service) Get(ctx context.Context, organizationID, id string) (Config, error) {
	cfg, err := s.Repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Config{}, apperr.NotFound("configuration not found")
		}
		return Config{}, apperr.Unavailable("configuration store unavailable", err)
	}
	if cfg.OrganizationID != organizationID {
		return Config{}, apperr.Forbidden("configuration belongs to another organization")
	}
	return cfg, nil
}

// List returns every config of the organization.
func (s *Service) List(ctx context.Context, organizationID string) ([]Config, error) {
	cfgs, err := s.Repo.ListByOrganization(ctx, organizationID)
	if err != nil {
		return nil, apperr.Unavailable("configuration store unavailable", err)
	}
	return cfgs, nil
}

func (s *Service) changed(organizationID string) {
	if s.OnChange != nil {
		s.OnChange(organizationID)
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func validationError(res ValidationResult) error {
	if res.IsValid {
		return nil
	}
	return apperr.Validation(fmt.Sprintf("configuration is invalid (%d errors)", len(res.Errors)), res.Errors)
}

func mapWriteError(err error, expectedVersion int) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return apperr.NotFound("configuration not found")
	case errors.Is(err, ErrVersionConflict):
		return apperr.Conflict("configuration was modified concurrently", map[string]any{
			"expectedVersion": expectedVersion,
		})
	default:
		return apperr.Unavailable("configuration store unavailable", err)
	}
}
