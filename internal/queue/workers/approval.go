package workers

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/tenantctl/internal/queue"
)

type Approver interface {
	CheckAutoApproval(ctx context.Context, id uuid.UUID, attempt int) error
}

type ApprovalWorker struct {
	approver Approver
}

func NewApprovalWorker(a Approver) *ApprovalWorker {
	return &ApprovalWorker{approver: a}
}

func (w *ApprovalWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	id, attempt, err := queue.ParseTenantTask(t)
	if err != nil {
		return err
	}
	if err := w.approver.CheckAutoApproval(ctx, id, attempt); err != nil {
		return fmt.Errorf("auto-approval check for %s: %w", id, err)
	}
	return nil
}
