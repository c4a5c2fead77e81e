package app

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nikhilbhutani/tenantctl/internal/apperrors"
	"github.com/nikhilbhutani/tenantctl/internal/models"
)

type SeedStore interface {
	ActiveDeploymentConfig(ctx context.Context) (*models.DeploymentConfig, error)
	SaveDeploymentConfig(ctx context.Context, cfg *models.DeploymentConfig) error
	ListPlans(ctx context.Context, includeArchived bool) ([]models.Plan, error)
	CreatePlan(ctx context.Context, p *models.Plan) error
}

// Seed stores the configured deployment settings and the default plan
// catalogue on first start. Records that already exist win over the file
// and environment.
func Seed(ctx context.Context, st SeedStore, fallback models.DeploymentConfig, log *zap.Logger) (*models.DeploymentConfig, error) {
	active, err := st.ActiveDeploymentConfig(ctx)
	switch {
	case err == nil:
	case apperrors.Is(err, apperrors.KindNotFound):
		if err := fallback.Validate(); err != nil {
			return nil, errors.Wrap(err, "initial deployment config")
		}
		if err := st.SaveDeploymentConfig(ctx, &fallback); err != nil {
			return nil, errors.Wrap(err, "seed deployment config")
		}
		log.Info("deployment config seeded", zap.String("mode", string(fallback.Mode)))
		active = &fallback
	default:
		return nil, errors.Wrap(err, "load deployment config")
	}

	plans, err := st.ListPlans(ctx, true)
	if err != nil {
		return nil, errors.Wrap(err, "list plans")
	}
	if len(plans) == 0 {
		for _, p := range models.DefaultPlans() {
			p := p
			if err := st.CreatePlan(ctx, &p); err != nil {
				return nil, errors.Wrapf(err, "seed plan %s", p.Name)
			}
		}
		log.Info("default plans seeded", zap.Int("count", len(models.DefaultPlans())))
	}
	return active, nil
}
