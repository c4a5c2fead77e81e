package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/nikhilbhutani/tenantctl/internal/apperrors"
	"github.com/nikhilbhutani/tenantctl/internal/config"
)

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type ClientOptions struct {
	ProvisionTimeout time.Duration
	MaxRetry         int
}

// Client schedules tenant work on the asynq queues.
type Client struct {
	client enqueuer
	opts   ClientOptions
	log    *zap.Logger
}

func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

func NewClient(cfg config.RedisConfig, opts ClientOptions, log *zap.Logger) *Client {
	return newClient(asynq.NewClient(RedisOpt(cfg)), opts, log)
}

func newClient(e enqueuer, opts ClientOptions, log *zap.Logger) *Client {
	if opts.ProvisionTimeout <= 0 {
		opts.ProvisionTimeout = 30 * time.Minute
	}
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{client: e, opts: opts, log: log}
}

func (c *Client) Close() error {
	return c.client.Close()
}

// EnqueueProvision queues the pipeline run for one provisioning attempt.
// Queueing the same attempt again is not an error.
func (c *Client) EnqueueProvision(ctx context.Context, tenantID uuid.UUID, attempt int) error {
	return c.enqueue(ctx, TypeProvision, ProvisionPayload{TenantID: tenantID.String(), Attempt: attempt},
		asynq.TaskID(ProvisionTaskID(tenantID, attempt)),
		asynq.Queue(QueueCritical),
		asynq.MaxRetry(c.opts.MaxRetry),
		asynq.Timeout(c.opts.ProvisionTimeout),
	)
}

func (c *Client) EnqueueAutoApproval(ctx context.Context, tenantID uuid.UUID, attempt int, delay time.Duration) error {
	return c.enqueue(ctx, TypeAutoApprove, AutoApprovePayload{TenantID: tenantID.String(), Attempt: attempt},
		asynq.TaskID(AutoApproveTaskID(tenantID, attempt)),
		asynq.Queue(QueueDefault),
		asynq.ProcessIn(delay),
		asynq.MaxRetry(c.opts.MaxRetry),
		asynq.Timeout(time.Minute),
	)
}

// EnqueueSweep runs a sweep job now, outside its schedule.
func (c *Client) EnqueueSweep(ctx context.Context, job string) error {
	taskType, ok := SweepTypes[job]
	if !ok {
		return apperrors.Validation("job", fmt.Sprintf("unknown sweep job %q", job))
	}
	return c.enqueue(ctx, taskType, SweepPayload{Trigger: "manual"},
		asynq.Queue(QueueLow),
		asynq.MaxRetry(1),
		asynq.Timeout(time.Hour),
	)
}

func (c *Client) enqueue(ctx context.Context, taskType string, payload interface{}, opts ...asynq.Option) error {
	task, err := newTask(taskType, payload)
	if err != nil {
		return err
	}
	info, err := c.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		c.log.Debug("task already queued", zap.String("type", taskType))
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	c.log.Debug("task queued", zap.String("type", taskType), zap.String("id", info.ID), zap.String("queue", info.Queue))
	return nil
}
