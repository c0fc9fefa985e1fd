package orgconfig

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

// ErrTenantNotFound is returned when the organization is unknown to the directory.
var ErrTenantNotFound = errors.New("organization not found")

// TenantDirectory resolves organization display data.
type TenantDirectory interface {
	GetTenant(ctx context.Context, organizationID string) (Tenant, error)
}

// MemoryTenants is an in-memory TenantDirectory.
type MemoryTenants struct {
	mu      sync.RWMutex
	tenants map[string]Tenant
}

// NewMemoryTenants constructs a directory seeded with tenants.
func NewMemoryTenants(tenants ...Tenant) *MemoryTenants {
	m := &MemoryTenants{tenants: make(map[string]Tenant, len(tenants))}
	for _, t := range tenants {
		m.tenants[t.ID] = t
	}
	return m
}

// Put adds or replaces a tenant.
func (m *MemoryTenants) Put(t Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.ID] = t
}

// GetTenant returns a tenant by id.
func (m *MemoryTenants) GetTenant(ctx context.Context, organizationID string) (Tenant, error) {
	if err := ctx.Err(); err != nil {
		return Tenant{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[organizationID]
	if !ok {
		return Tenant{}, ErrTenantNotFound
	}
	return t, nil
}

// PGTenants reads tenants from the organizations table.
type PGTenants struct {
	DB *sql.DB
}

// GetTenant returns a tenant by id.
func (p *PGTenants) GetTenant(ctx context.Context, organizationID string) (Tenant, error) {
	const query = `SELECT id, name FROM organizations WHERE id = $1 LIMIT 1`
	var t Tenant
	err := p.DB.QueryRowContext(ctx, query, organizationID).Scan(&t.ID, &t.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, ErrTenantNotFound
	}
	return t, err
}

var _ TenantDirectory = (*MemoryTenants)(nil)
var _ TenantDirectory = (*PGTenants)(nil)
