package workers

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/tenantctl/internal/queue"
	"github.com/nikhilbhutani/tenantctl/internal/sweeper"
)

type Sweeps interface {
	CheckLimits(ctx context.Context) (sweeper.Report, error)
	ExpireTrials(ctx context.Context) (sweeper.Report, error)
	PurgeCancelled(ctx context.Context) (sweeper.Report, error)
}

// SweepWorker runs one sweep job per task. Per-tenant failures are part of
// the report; only a sweep that could not start is retried.
type SweepWorker struct {
	sweeps Sweeps
}

func NewSweepWorker(s Sweeps) *SweepWorker {
	return &SweepWorker{sweeps: s}
}

func (w *SweepWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var run func(context.Context) (sweeper.Report, error)
	switch t.Type() {
	case queue.TypeSweepLimits:
		run = w.sweeps.CheckLimits
	case queue.TypeSweepTrials:
		run = w.sweeps.ExpireTrials
	case queue.TypeSweepPurge:
		run = w.sweeps.PurgeCancelled
	default:
		return fmt.Errorf("unexpected task type %q: %w", t.Type(), asynq.SkipRetry)
	}
	if _, err := run(ctx); err != nil {
		return fmt.Errorf("%s: %w", t.Type(), err)
	}
	return nil
}
