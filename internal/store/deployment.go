package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/nikhilbhutani/tenantctl/internal/models"
)

func (s *Store) ActiveDeploymentConfig(ctx context.Context) (*models.DeploymentConfig, error) {
	var (
		cfg  models.DeploymentConfig
		id   uuid.UUID
		data []byte
		at   time.Time
	)
	err := s.db.QueryRow(ctx,
		"SELECT id, data, updated_at FROM deployment_configs WHERE is_active",
	).Scan(&id, &data, &at)
	if err != nil {
		return nil, mapError("active deployment config", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "decode deployment config")
	}
	cfg.ID, cfg.IsActive, cfg.UpdatedAt = id, true, at
	return &cfg, nil
}

// SaveDeploymentConfig replaces the active record. The partial unique index
// on is_active guarantees at most one survives concurrent writers.
func (s *Store) SaveDeploymentConfig(ctx context.Context, cfg *models.DeploymentConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encode deployment config")
	}

	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "UPDATE deployment_configs SET is_active = false, updated_at = now() WHERE is_active"); err != nil {
			return mapError("deactivate deployment config", err)
		}
		err := tx.QueryRow(ctx,
			"INSERT INTO deployment_configs (data, is_active) VALUES ($1, true) RETURNING id, is_active, updated_at",
			data,
		).Scan(&cfg.ID, &cfg.IsActive, &cfg.UpdatedAt)
		return mapError("insert deployment config", err)
	})
}
