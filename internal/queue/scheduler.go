package queue

import (
	"time"

	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nikhilbhutani/tenantctl/internal/config"
)

// NewScheduler registers the periodic sweep jobs. Only one scheduler should
// run per deployment.
func NewScheduler(redis config.RedisConfig, cfg config.SweeperConfig, log *zap.Logger) (*asynq.Scheduler, error) {
	s := asynq.NewScheduler(RedisOpt(redis), &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   log.Sugar(),
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil {
				log.Warn("failed to enqueue scheduled sweep", zap.Error(err))
				return
			}
			log.Debug("scheduled sweep enqueued", zap.String("type", info.Type), zap.String("id", info.ID))
		},
	})

	entries := []struct {
		spec     string
		taskType string
	}{
		{cfg.LimitsCron, TypeSweepLimits},
		{cfg.TrialsCron, TypeSweepTrials},
		{cfg.PurgeCron, TypeSweepPurge},
	}
	for _, e := range entries {
		if e.spec == "" {
			continue
		}
		task, err := newTask(e.taskType, SweepPayload{Trigger: "schedule"})
		if err != nil {
			return nil, err
		}
		id, err := s.Register(e.spec, task, asynq.Queue(QueueLow), asynq.MaxRetry(1), asynq.Timeout(time.Hour))
		if err != nil {
			return nil, errors.Wrapf(err, "register %s with spec %q", e.taskType, e.spec)
		}
		log.Info("sweep scheduled", zap.String("type", e.taskType), zap.String("spec", e.spec), zap.String("entry", id))
	}
	return s, nil
}
