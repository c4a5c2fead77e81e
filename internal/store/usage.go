package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nikhilbhutani/tenantctl/internal/models"
)

func (s *Store) AppendUsage(ctx context.Context, u *models.UsageSample) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO usage_samples (tenant_id, sample_date, storage_mb, active_users, cpu_percent, error_count)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`,
		u.TenantID, u.SampleDate, u.StorageMB, u.ActiveUsers, u.CPUPercent, u.ErrorCount,
	).Scan(&u.ID, &u.CreatedAt)
	return mapError("append usage", err)
}

func (s *Store) ListUsage(ctx context.Context, tenantID uuid.UUID, limit int) ([]models.UsageSample, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, tenant_id, sample_date, storage_mb, active_users, cpu_percent, error_count, created_at
		 FROM usage_samples WHERE tenant_id = $1 ORDER BY sample_date DESC, created_at DESC LIMIT $2`,
		tenantID, limit,
	)
	if err != nil {
		return nil, mapError("list usage", err)
	}
	defer rows.Close()

	var samples []models.UsageSample
	for rows.Next() {
		var u models.UsageSample
		if err := rows.Scan(&u.ID, &u.TenantID, &u.SampleDate, &u.StorageMB, &u.ActiveUsers, &u.CPUPercent, &u.ErrorCount, &u.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan usage sample")
		}
		samples = append(samples, u)
	}
	return samples, mapError("list usage", rows.Err())
}
