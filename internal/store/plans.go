package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/nikhilbhutani/tenantctl/internal/models"
)

const planColumns = `id, name, price::float8, max_users, storage_limit_gb, cpu_limit, memory_limit,
	trial_days, modules, archived, created_at, updated_at`

func scanPlan(row pgx.Row) (*models.Plan, error) {
	var p models.Plan
	err := row.Scan(&p.ID, &p.Name, &p.Price, &p.MaxUsers, &p.StorageLimitGB, &p.CPULimit, &p.MemoryLimit,
		&p.TrialDays, &p.Modules, &p.Archived, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreatePlan(ctx context.Context, p *models.Plan) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Modules == nil {
		p.Modules = []string{}
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO plans (id, name, price, max_users, storage_limit_gb, cpu_limit, memory_limit, trial_days, modules, archived)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at, updated_at`,
		p.ID, p.Name, p.Price, p.MaxUsers, p.StorageLimitGB, p.CPULimit, p.MemoryLimit, p.TrialDays, p.Modules, p.Archived,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	return mapError("create plan", err)
}

func (s *Store) GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	p, err := scanPlan(s.db.QueryRow(ctx, "SELECT "+planColumns+" FROM plans WHERE id = $1", id))
	if err != nil {
		return nil, mapError("get plan", err)
	}
	return p, nil
}

func (s *Store) ListPlans(ctx context.Context, includeArchived bool) ([]models.Plan, error) {
	query := "SELECT " + planColumns + " FROM plans"
	if !includeArchived {
		query += " WHERE NOT archived"
	}
	query += " ORDER BY price, name"

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, mapError("list plans", err)
	}
	defer rows.Close()

	var plans []models.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan plan")
		}
		plans = append(plans, *p)
	}
	return plans, mapError("list plans", rows.Err())
}

func (s *Store) UpdatePlan(ctx context.Context, p *models.Plan) error {
	err := s.db.QueryRow(ctx,
		`UPDATE plans SET name = $2, price = $3, max_users = $4, storage_limit_gb = $5, cpu_limit = $6,
			memory_limit = $7, trial_days = $8, modules = $9, archived = $10, updated_at = now()
		 WHERE id = $1 RETURNING updated_at`,
		p.ID, p.Name, p.Price, p.MaxUsers, p.StorageLimitGB, p.CPULimit, p.MemoryLimit, p.TrialDays, p.Modules, p.Archived,
	).Scan(&p.UpdatedAt)
	return mapError("update plan", err)
}

func (s *Store) DeletePlan(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, "DELETE FROM plans WHERE id = $1", id)
	if err != nil {
		return mapError("delete plan", err)
	}
	if tag.RowsAffected() == 0 {
		return mapError("delete plan", pgx.ErrNoRows)
	}
	return nil
}
