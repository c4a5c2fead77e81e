package models

import (
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/nikhilbhutani/tenantctl/internal/apperrors"
)

type Plan struct {
	ID             uuid.UUID `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	Price          float64   `json:"price" db:"price"`
	MaxUsers       int       `json:"max_users" db:"max_users"`
	StorageLimitGB int       `json:"storage_limit_gb" db:"storage_limit_gb"`
	CPULimit       float64   `json:"cpu_limit" db:"cpu_limit"`
	MemoryLimit    string    `json:"memory_limit" db:"memory_limit"`
	TrialDays      int       `json:"trial_days" db:"trial_days"`
	Modules        []string  `json:"modules" db:"modules"`
	Archived       bool      `json:"archived" db:"archived"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// DefaultPlans is the catalogue seeded on first setup.
func DefaultPlans() []Plan {
	return []Plan{
		{Name: "Starter", Price: 29.99, MaxUsers: 5, StorageLimitGB: 10, CPULimit: 1, MemoryLimit: "1g", TrialDays: 14, Modules: []string{}},
		{Name: "Professional", Price: 79.99, MaxUsers: 20, StorageLimitGB: 50, CPULimit: 2, MemoryLimit: "2g", TrialDays: 14, Modules: []string{"crm", "sale"}},
		{Name: "Enterprise", Price: 199.99, MaxUsers: 100, StorageLimitGB: 200, CPULimit: 4, MemoryLimit: "4g", TrialDays: 21, Modules: []string{"crm", "sale", "account", "stock"}},
	}
}

// ApplyTo copies the plan's limits onto a tenant.
func (p *Plan) ApplyTo(t *Tenant) {
	t.PlanID = p.ID
	t.MaxUsers = p.MaxUsers
	t.StorageLimitGB = p.StorageLimitGB
	t.CPULimit = p.CPULimit
	t.MemoryLimit = p.MemoryLimit
}

func (p *Plan) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return apperrors.Validation("name", "required")
	}
	if p.Price < 0 {
		return apperrors.Validation("price", "must not be negative")
	}
	if p.MaxUsers < 1 {
		return apperrors.Validation("max_users", "must be at least 1")
	}
	if p.StorageLimitGB < 1 {
		return apperrors.Validation("storage_limit_gb", "must be at least 1")
	}
	if p.CPULimit <= 0 {
		return apperrors.Validation("cpu_limit", "must be positive")
	}
	if _, err := units.RAMInBytes(p.MemoryLimit); err != nil {
		return apperrors.Validation("memory_limit", "invalid size "+p.MemoryLimit)
	}
	if p.TrialDays < 0 {
		return apperrors.Validation("trial_days", "must not be negative")
	}
	return nil
}
