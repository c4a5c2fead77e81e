package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nikhilbhutani/tenantctl/internal/models"
)

const offeredPlansKey = "plans:offered"

// KV is the subset of Cache the plan catalogue needs.
type KV interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type PlanStore interface {
	CreatePlan(ctx context.Context, p *models.Plan) error
	GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error)
	ListPlans(ctx context.Context, includeArchived bool) ([]models.Plan, error)
	UpdatePlan(ctx context.Context, p *models.Plan) error
	DeletePlan(ctx context.Context, id uuid.UUID) error
	CountTenantsByPlan(ctx context.Context, planID uuid.UUID) (int, error)
}

// Plans serves the public plan catalogue from cache and drops the cached
// copy on every write. Cache failures fall through to the store.
type Plans struct {
	PlanStore
	kv  KV
	ttl time.Duration
	log *zap.Logger
}

func NewPlans(store PlanStore, kv KV, ttl time.Duration, log *zap.Logger) *Plans {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Plans{PlanStore: store, kv: kv, ttl: ttl, log: log}
}

func (p *Plans) ListPlans(ctx context.Context, includeArchived bool) ([]models.Plan, error) {
	if includeArchived {
		return p.PlanStore.ListPlans(ctx, true)
	}
	var plans []models.Plan
	err := p.kv.Get(ctx, offeredPlansKey, &plans)
	if err == nil {
		return plans, nil
	}
	if !errors.Is(err, ErrMiss) {
		p.log.Warn("plan cache read failed", zap.Error(err))
	}

	plans, err = p.PlanStore.ListPlans(ctx, false)
	if err != nil {
		return nil, err
	}
	if err := p.kv.Set(ctx, offeredPlansKey, plans, p.ttl); err != nil {
		p.log.Warn("plan cache write failed", zap.Error(err))
	}
	return plans, nil
}

func (p *Plans) CreatePlan(ctx context.Context, plan *models.Plan) error {
	if err := p.PlanStore.CreatePlan(ctx, plan); err != nil {
		return err
	}
	p.invalidate(ctx)
	return nil
}

func (p *Plans) UpdatePlan(ctx context.Context, plan *models.Plan) error {
	if err := p.PlanStore.UpdatePlan(ctx, plan); err != nil {
		return err
	}
	p.invalidate(ctx)
	return nil
}

func (p *Plans) DeletePlan(ctx context.Context, id uuid.UUID) error {
	if err := p.PlanStore.DeletePlan(ctx, id); err != nil {
		return err
	}
	p.invalidate(ctx)
	return nil
}

func (p *Plans) invalidate(ctx context.Context) {
	if err := p.kv.Delete(ctx, offeredPlansKey); err != nil {
		p.log.Warn("plan cache invalidation failed", zap.Error(err))
	}
}
