package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/nikhilbhutani/tenantctl/internal/config"
)

type HandlersRegistry struct {
	mux *asynq.ServeMux
}

func NewHandlersRegistry(log *zap.Logger) *HandlersRegistry {
	mux := asynq.NewServeMux()
	mux.Use(logging(log))
	return &HandlersRegistry{mux: mux}
}

func (r *HandlersRegistry) Register(taskType string, handler asynq.Handler) {
	r.mux.Handle(taskType, handler)
}

func (r *HandlersRegistry) Mux() *asynq.ServeMux {
	return r.mux
}

func logging(log *zap.Logger) asynq.MiddlewareFunc {
	return func(next asynq.Handler) asynq.Handler {
		return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
			start := time.Now()
			id, _ := asynq.GetTaskID(ctx)
			retried, _ := asynq.GetRetryCount(ctx)
			err := next.ProcessTask(ctx, t)
			fields := []zap.Field{
				zap.String("type", t.Type()),
				zap.String("task_id", id),
				zap.Int("retry", retried),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				log.Error("task failed", append(fields, zap.Error(err))...)
				return err
			}
			log.Info("task processed", fields...)
			return nil
		})
	}
}

// NewServer builds the worker server with the configured concurrency and
// queue weights.
func NewServer(redis config.RedisConfig, cfg config.WorkerConfig, log *zap.Logger) *asynq.Server {
	queues := cfg.Queues
	if len(queues) == 0 {
		queues = map[string]int{QueueCritical: 6, QueueDefault: 3, QueueLow: 1}
	}
	return asynq.NewServer(RedisOpt(redis), asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      queues,
		Logger:      log.Sugar(),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			if retried >= maxRetry {
				log.Error("task exhausted its retries", zap.String("type", t.Type()), zap.Error(err))
			}
		}),
	})
}
