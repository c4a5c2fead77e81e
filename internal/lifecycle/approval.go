package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nikhilbhutani/tenantctl/internal/audit"
	"github.com/nikhilbhutani/tenantctl/internal/models"
)

const AutoApprovalActor = "auto-approval"

// Backoff doubles base once per attempt, capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

func (o *Orchestrator) approvalDelay(attempt int) time.Duration {
	return Backoff(o.opts.Approval.BaseDelay, o.opts.Approval.MaxDelay, attempt)
}

// CheckAutoApproval approves a pending tenant once the database server
// answers. While it does not, the check is rescheduled with exponential
// backoff until the attempt budget runs out, after which the tenant stays
// pending for an operator.
func (o *Orchestrator) CheckAutoApproval(ctx context.Context, id uuid.UUID, attempt int) error {
	t, err := o.Store.GetTenant(ctx, id)
	if err != nil {
		return err
	}
	if t.State != models.StatePending {
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, o.opts.StepTimeout)
	perr := o.Databases.Ping(pingCtx)
	cancel()
	if perr == nil {
		_, err := o.Approve(audit.WithActor(ctx, AutoApprovalActor), id, AutoApprovalActor)
		if isStateConflict(err) {
			return nil
		}
		return err
	}

	next := attempt + 1
	if next >= o.opts.Approval.MaxAttempts {
		o.Log.Warn("auto-approval gave up, tenant left pending",
			zap.String("handle", t.Handle), zap.Int("attempts", next), zap.Error(perr))
		o.record(ctx, t, "auto_approval_timeout", "", "", map[string]any{
			"attempts": next, "error": perr.Error(),
		})
		return nil
	}

	delay := o.approvalDelay(next)
	o.Log.Info("database server not ready, rescheduling auto-approval",
		zap.String("handle", t.Handle), zap.Int("attempt", next), zap.Duration("delay", delay), zap.Error(perr))
	return o.Scheduler.EnqueueAutoApproval(ctx, id, next, delay)
}
