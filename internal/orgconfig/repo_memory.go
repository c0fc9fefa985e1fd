package orgconfig

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo stores configs in memory and is safe for concurrent use.
type MemoryRepo struct {
	mu   sync.Mutex
	byID map[string]Config
	now  func() time.Time
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byID: make(map[string]Config), now: time.Now}
}

// GetActive returns the active config of an organization.
func (r *MemoryRepo) GetActive(ctx context.Context, organizationID string) (Config, error) {
	if err := ctx.Err(); err != nil {
		return Config{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cfg := range r.byID {
		if cfg.OrganizationID == organizationID && cfg.IsActive {
			return cloneConfig(cfg), nil
		}
	}
	return Config{}, ErrNotFound
}

// GetByID returns a config by id.
func (r *MemoryRepo) GetByID(ctx context.Context, id string) (Config, error) {
	if err := ctx.Err(); err != nil {
		return Config{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.byID[id]
	if !ok {
		return Config{}, ErrNotFound
	}
	return cloneConfig(cfg), nil
}

// ListByOrganization returns the configs of an organization, newest first.
func (r *MemoryRepo) ListByOrganization(ctx context.Context, organizationID string) ([]Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Config, 0)
	for _, cfg := range r.byID {
		if cfg.OrganizationID == organizationID {
			out = append(out, cloneConfig(cfg))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Create stores a new config, deactivating the current one when replaceActive is set.
func (r *MemoryRepo) Create(ctx context.Context, cfg Config, replaceActive bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg.IsActive {
		active := r.activeIDsLocked(cfg.OrganizationID, "")
		if len(active) > 0 && !replaceActive {
			return ErrActiveConfigExists
		}
		r.deactivateLocked(active)
	}
	r.byID[cfg.ID] = cloneConfig(cfg)
	return nil
}

// Update replaces the mutable fields of a config when its version matches.
func (r *MemoryRepo) Update(ctx context.Context, cfg Config, expectedVersion int) (Config, error) {
	if err := ctx.Err(); err != nil {
		return Config{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.byID[cfg.ID]
	if !ok {
		return Config{}, ErrNotFound
	}
	if current.Version != expectedVersion {
		return Config{}, ErrVersionConflict
	}
	current.Name = cfg.Name
	current.Description = cfg.Description
	current.Preset = cfg.Preset
	current.Weights = cfg.Weights
	current.CustomRules = cfg.CustomRules
	current.Settings = cfg.Settings
	current.Version++
	current.UpdatedAt = r.now().UTC()
	r.byID[current.ID] = cloneConfig(current)
	return cloneConfig(current), nil
}

// Activate makes id the only active config of its organization.
func (r *MemoryRepo) Activate(ctx context.Context, organizationID, id string, expectedVersion int) (Config, error) {
	if err := ctx.Err(); err != nil {
		return Config{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.byID[id]
	if !ok || current.OrganizationID != organizationID {
		return Config{}, ErrNotFound
	}
	if current.Version != expectedVersion {
		return Config{}, ErrVersionConflict
	}
	r.deactivateLocked(r.activeIDsLocked(organizationID, id))
	if !current.IsActive {
		current.IsActive = true
		current.Version++
		current.UpdatedAt = r.now().UTC()
		r.byID[id] = current
	}
	return cloneConfig(current), nil
}

func (r *MemoryRepo) activeIDsLocked(organizationID, except string) []string {
	var ids []string
	for id, cfg := range r.byID {
		if cfg.OrganizationID == organizationID && cfg.IsActive && id != except {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *MemoryRepo) deactivateLocked(ids []string) {
	now := r.now().UTC()
	for _, id := range ids {
		cfg := r.byID[id]
		cfg.IsActive = false
		cfg.Version++
		cfg.UpdatedAt = now
		r.byID[id] = cfg
	}
}

func cloneConfig(cfg Config) Config {
	if cfg.CustomRules != nil {
		rules := make([]CustomRule, len(cfg.CustomRules))
		copy(rules, cfg.CustomRules)
		cfg.CustomRules = rules
	}
	return cfg
}
