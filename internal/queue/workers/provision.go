package workers

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/nikhilbhutani/tenantctl/internal/queue"
)

// Pipeline runs the provisioning steps of a tenant.
type Pipeline interface {
	RunPipeline(ctx context.Context, id uuid.UUID) error
}

type ProvisionWorker struct {
	pipeline Pipeline
	log      *zap.Logger
}

func NewProvisionWorker(p Pipeline, log *zap.Logger) *ProvisionWorker {
	return &ProvisionWorker{pipeline: p, log: log}
}

// ProcessTask runs the pipeline once. Step failures are recorded on the
// tenant and do not surface here; an error means the run itself could not
// proceed (store unreachable, shutdown) and asynq retries it.
func (w *ProvisionWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	id, attempt, err := queue.ParseTenantTask(t)
	if err != nil {
		return err
	}
	w.log.Info("running provisioning pipeline", zap.String("tenant_id", id.String()), zap.Int("attempt", attempt))
	if err := w.pipeline.RunPipeline(ctx, id); err != nil {
		return fmt.Errorf("provision tenant %s: %w", id, err)
	}
	return nil
}
