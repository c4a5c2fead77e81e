package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/tenantctl/internal/apperrors"
	"github.com/nikhilbhutani/tenantctl/internal/models"
)

// Memory is an in-process Store with the same uniqueness and
// compare-and-set semantics as the Postgres schema. It backs tests and
// local dry runs.
type Memory struct {
	mu      sync.Mutex
	tenants map[uuid.UUID]models.Tenant
	plans   map[uuid.UUID]models.Plan
	config  *models.DeploymentConfig
	usage   []models.UsageSample
}

func NewMemory() *Memory {
	return &Memory{
		tenants: make(map[uuid.UUID]models.Tenant),
		plans:   make(map[uuid.UUID]models.Plan),
	}
}

func copyTenant(t models.Tenant) models.Tenant {
	t.CompletedSteps = append([]models.Step(nil), t.CompletedSteps...)
	return t
}

// checkUnique mirrors the tenants_*_key constraints.
func (m *Memory) checkUnique(t *models.Tenant) error {
	for id, other := range m.tenants {
		if id == t.ID {
			continue
		}
		if other.Handle == t.Handle {
			return apperrors.Conflict("handle", fmt.Errorf("handle %q exists", t.Handle))
		}
		if t.Port != 0 && other.Port == t.Port {
			return apperrors.Conflict("port", fmt.Errorf("port %d exists", t.Port))
		}
		if t.DatabaseName != "" && other.DatabaseName == t.DatabaseName {
			return apperrors.Conflict("database_name", fmt.Errorf("database %q exists", t.DatabaseName))
		}
	}
	return nil
}

func (m *Memory) CreateTenant(_ context.Context, t *models.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if _, ok := m.tenants[t.ID]; ok {
		return apperrors.Conflict("id", fmt.Errorf("tenant %s exists", t.ID))
	}
	if err := m.checkUnique(t); err != nil {
		return err
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	m.tenants[t.ID] = copyTenant(*t)
	return nil
}

func (m *Memory) GetTenant(_ context.Context, id uuid.UUID) (*models.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, apperrors.NotFound("get tenant", "record not found")
	}
	c := copyTenant(t)
	return &c, nil
}

func (m *Memory) ListTenants(_ context.Context, f models.TenantFilter) ([]models.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Tenant
	for _, t := range m.tenants {
		if len(f.States) > 0 && !containsState(f.States, t.State) {
			continue
		}
		if f.PlanID != nil && t.PlanID != *f.PlanID {
			continue
		}
		out = append(out, copyTenant(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) SaveTenant(_ context.Context, t *models.Tenant, expected models.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.tenants[t.ID]
	if !ok {
		return apperrors.NotFound("save tenant", "record not found")
	}
	if current.State != expected {
		return apperrors.Conflict("state", fmt.Errorf("expected %s, found %s", expected, current.State))
	}
	if err := m.checkUnique(t); err != nil {
		return err
	}
	t.UpdatedAt = time.Now()
	t.CreatedAt = current.CreatedAt
	m.tenants[t.ID] = copyTenant(*t)
	return nil
}

func (m *Memory) UsedPorts(_ context.Context) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ports []int
	for _, t := range m.tenants {
		if t.Port != 0 {
			ports = append(ports, t.Port)
		}
	}
	sort.Ints(ports)
	return ports, nil
}

func (m *Memory) HandleTaken(_ context.Context, handle string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tenants {
		if t.Handle == handle {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) DatabaseOwner(_ context.Context, name string) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tenants {
		if t.DatabaseName == name {
			return t.ID, true, nil
		}
	}
	return uuid.Nil, false, nil
}

func (m *Memory) CountTenantsByPlan(_ context.Context, planID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, t := range m.tenants {
		if t.PlanID == planID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CreatePlan(_ context.Context, p *models.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	for _, other := range m.plans {
		if other.Name == p.Name {
			return apperrors.Conflict("name", fmt.Errorf("plan %q exists", p.Name))
		}
	}
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	m.plans[p.ID] = *p
	return nil
}

func (m *Memory) GetPlan(_ context.Context, id uuid.UUID) (*models.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plans[id]
	if !ok {
		return nil, apperrors.NotFound("get plan", "record not found")
	}
	return &p, nil
}

func (m *Memory) ListPlans(_ context.Context, includeArchived bool) ([]models.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Plan
	for _, p := range m.plans {
		if p.Archived && !includeArchived {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price != out[j].Price {
			return out[i].Price < out[j].Price
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *Memory) UpdatePlan(_ context.Context, p *models.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.plans[p.ID]
	if !ok {
		return apperrors.NotFound("update plan", "record not found")
	}
	p.CreatedAt = current.CreatedAt
	p.UpdatedAt = time.Now()
	m.plans[p.ID] = *p
	return nil
}

func (m *Memory) DeletePlan(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.plans[id]; !ok {
		return apperrors.NotFound("delete plan", "record not found")
	}
	delete(m.plans, id)
	return nil
}

func (m *Memory) ActiveDeploymentConfig(_ context.Context) (*models.DeploymentConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config == nil {
		return nil, apperrors.NotFound("active deployment config", "record not found")
	}
	c := *m.config
	return &c, nil
}

func (m *Memory) SaveDeploymentConfig(_ context.Context, cfg *models.DeploymentConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg.ID = uuid.New()
	cfg.IsActive = true
	cfg.UpdatedAt = time.Now()
	c := *cfg
	m.config = &c
	return nil
}

func (m *Memory) AppendUsage(_ context.Context, u *models.UsageSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u.ID = uuid.New()
	u.CreatedAt = time.Now()
	m.usage = append(m.usage, *u)
	return nil
}

func (m *Memory) ListUsage(_ context.Context, tenantID uuid.UUID, limit int) ([]models.UsageSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 30
	}
	var out []models.UsageSample
	for i := len(m.usage) - 1; i >= 0 && len(out) < limit; i-- {
		if m.usage[i].TenantID == tenantID {
			out = append(out, m.usage[i])
		}
	}
	return out, nil
}

func containsState(states []models.State, s models.State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}
