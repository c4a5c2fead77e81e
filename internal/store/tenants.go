package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/nikhilbhutani/tenantctl/internal/apperrors"
	"github.com/nikhilbhutani/tenantctl/internal/models"
)

const tenantColumns = `id, name, handle, COALESCE(port, 0), COALESCE(database_name, ''),
	COALESCE(container_id, ''), COALESCE(container_name, ''), COALESCE(volume_name, ''),
	admin_name, admin_email, admin_password_hash, plan_id, max_users, storage_limit_gb,
	cpu_limit, memory_limit, trial_start, trial_end, subscription_start, state,
	suspend_reason, error_step, error_message, provisioning_log, completed_steps,
	provision_attempts, created_at, updated_at, approved_at, approved_by, cancelled_at, purged_at`

func scanTenant(row pgx.Row) (*models.Tenant, error) {
	var t models.Tenant
	var steps []string
	var state, errStep string
	err := row.Scan(&t.ID, &t.Name, &t.Handle, &t.Port, &t.DatabaseName,
		&t.ContainerID, &t.ContainerName, &t.VolumeName,
		&t.AdminName, &t.AdminEmail, &t.AdminPasswordHash, &t.PlanID, &t.MaxUsers, &t.StorageLimitGB,
		&t.CPULimit, &t.MemoryLimit, &t.TrialStart, &t.TrialEnd, &t.SubscriptionStart, &state,
		&t.SuspendReason, &errStep, &t.ErrorMessage, &t.ProvisioningLog, &steps,
		&t.ProvisionAttempts, &t.CreatedAt, &t.UpdatedAt, &t.ApprovedAt, &t.ApprovedBy, &t.CancelledAt, &t.PurgedAt)
	if err != nil {
		return nil, err
	}
	t.State = models.State(state)
	t.ErrorStep = models.Step(errStep)
	for _, s := range steps {
		t.CompletedSteps = append(t.CompletedSteps, models.Step(s))
	}
	return &t, nil
}

func stepStrings(steps []models.Step) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		out = append(out, string(s))
	}
	return out
}

func (s *Store) CreateTenant(ctx context.Context, t *models.Tenant) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO tenants (id, name, handle, port, database_name, admin_name, admin_email, admin_password_hash,
			plan_id, max_users, storage_limit_gb, cpu_limit, memory_limit, trial_start, trial_end, state)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 RETURNING created_at, updated_at`,
		t.ID, t.Name, t.Handle, nullInt(t.Port), nullString(t.DatabaseName), t.AdminName, t.AdminEmail,
		t.AdminPasswordHash, t.PlanID, t.MaxUsers, t.StorageLimitGB, t.CPULimit, t.MemoryLimit,
		t.TrialStart, t.TrialEnd, string(t.State),
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	return mapError("create tenant", err)
}

func (s *Store) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	t, err := scanTenant(s.db.QueryRow(ctx, "SELECT "+tenantColumns+" FROM tenants WHERE id = $1", id))
	if err != nil {
		return nil, mapError("get tenant", err)
	}
	return t, nil
}

func (s *Store) ListTenants(ctx context.Context, f models.TenantFilter) ([]models.Tenant, error) {
	query := "SELECT " + tenantColumns + " FROM tenants WHERE 1=1"
	var args []interface{}
	argIdx := 1

	if len(f.States) > 0 {
		query += fmt.Sprintf(" AND state = ANY($%d)", argIdx)
		states := make([]string, 0, len(f.States))
		for _, st := range f.States {
			states = append(states, string(st))
		}
		args = append(args, states)
		argIdx++
	}
	if f.PlanID != nil {
		query += fmt.Sprintf(" AND plan_id = $%d", argIdx)
		args = append(args, *f.PlanID)
		argIdx++
	}

	query += " ORDER BY created_at"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError("list tenants", err)
	}
	defer rows.Close()

	var tenants []models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan tenant")
		}
		tenants = append(tenants, *t)
	}
	return tenants, mapError("list tenants", rows.Err())
}

// SaveTenant writes every mutable field, but only if the stored state still
// equals expected. A lost race surfaces as a conflict on "state".
func (s *Store) SaveTenant(ctx context.Context, t *models.Tenant, expected models.State) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE tenants SET port = $3, database_name = $4, container_id = $5, container_name = $6,
			volume_name = $7, admin_password_hash = $8, plan_id = $9, max_users = $10, storage_limit_gb = $11,
			cpu_limit = $12, memory_limit = $13, trial_start = $14, trial_end = $15, subscription_start = $16,
			state = $17, suspend_reason = $18, error_step = $19, error_message = $20, provisioning_log = $21,
			completed_steps = $22, provision_attempts = $23, approved_at = $24, approved_by = $25,
			cancelled_at = $26, purged_at = $27, updated_at = now()
		 WHERE id = $1 AND state = $2`,
		t.ID, string(expected), nullInt(t.Port), nullString(t.DatabaseName), nullString(t.ContainerID),
		nullString(t.ContainerName), nullString(t.VolumeName), t.AdminPasswordHash, t.PlanID, t.MaxUsers,
		t.StorageLimitGB, t.CPULimit, t.MemoryLimit, t.TrialStart, t.TrialEnd, t.SubscriptionStart,
		string(t.State), t.SuspendReason, string(t.ErrorStep), t.ErrorMessage, t.ProvisioningLog,
		stepStrings(t.CompletedSteps), t.ProvisionAttempts, t.ApprovedAt, t.ApprovedBy, t.CancelledAt, t.PurgedAt,
	)
	if err != nil {
		return mapError("save tenant", err)
	}
	if tag.RowsAffected() == 1 {
		t.UpdatedAt = time.Now()
		return nil
	}

	current, err := s.GetTenant(ctx, t.ID)
	if err != nil {
		return err
	}
	return apperrors.Conflict("state", fmt.Errorf("expected %s, found %s", expected, current.State))
}

func (s *Store) UsedPorts(ctx context.Context) ([]int, error) {
	rows, err := s.db.Query(ctx, "SELECT port FROM tenants WHERE port IS NOT NULL ORDER BY port")
	if err != nil {
		return nil, mapError("used ports", err)
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, errors.Wrap(err, "scan port")
		}
		ports = append(ports, p)
	}
	return ports, mapError("used ports", rows.Err())
}

func (s *Store) HandleTaken(ctx context.Context, handle string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM tenants WHERE handle = $1)", handle).Scan(&exists)
	return exists, mapError("handle taken", err)
}

// DatabaseOwner reports which tenant holds a database name, if any.
func (s *Store) DatabaseOwner(ctx context.Context, name string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := s.db.QueryRow(ctx, "SELECT id FROM tenants WHERE database_name = $1", name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, mapError("database owner", err)
	}
	return id, true, nil
}

func (s *Store) CountTenantsByPlan(ctx context.Context, planID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM tenants WHERE plan_id = $1", planID).Scan(&n)
	return n, mapError("count tenants by plan", err)
}
