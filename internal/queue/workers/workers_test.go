package workers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nikhilbhutani/tenantctl/internal/queue"
	"github.com/nikhilbhutani/tenantctl/internal/sweeper"
)

type pipelineFunc func(ctx context.Context, id uuid.UUID) error

func (f pipelineFunc) RunPipeline(ctx context.Context, id uuid.UUID) error { return f(ctx, id) }

type approverFunc func(ctx context.Context, id uuid.UUID, attempt int) error

func (f approverFunc) CheckAutoApproval(ctx context.Context, id uuid.UUID, attempt int) error {
	return f(ctx, id, attempt)
}

func tenantTask(t *testing.T, taskType string, id uuid.UUID, attempt int) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(queue.ProvisionPayload{TenantID: id.String(), Attempt: attempt})
	require.NoError(t, err)
	return asynq.NewTask(taskType, data)
}

func TestProvisionWorker(t *testing.T) {
	id := uuid.New()
	var got uuid.UUID
	w := NewProvisionWorker(pipelineFunc(func(_ context.Context, tid uuid.UUID) error {
		got = tid
		return nil
	}), zap.NewNop())

	require.NoError(t, w.ProcessTask(context.Background(), tenantTask(t, queue.TypeProvision, id, 1)))
	assert.Equal(t, id, got)

	failing := NewProvisionWorker(pipelineFunc(func(context.Context, uuid.UUID) error {
		return errors.New("store unreachable")
	}), zap.NewNop())
	err := failing.ProcessTask(context.Background(), tenantTask(t, queue.TypeProvision, id, 1))
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)

	err = w.ProcessTask(context.Background(), asynq.NewTask(queue.TypeProvision, []byte("{}")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestApprovalWorkerPassesAttempt(t *testing.T) {
	id := uuid.New()
	var attempts []int
	w := NewApprovalWorker(approverFunc(func(_ context.Context, tid uuid.UUID, attempt int) error {
		assert.Equal(t, id, tid)
		attempts = append(attempts, attempt)
		return nil
	}))
	require.NoError(t, w.ProcessTask(context.Background(), tenantTask(t, queue.TypeAutoApprove, id, 4)))
	assert.Equal(t, []int{4}, attempts)
}

type fakeSweeps struct {
	ran []string
	err error
}

func (f *fakeSweeps) CheckLimits(context.Context) (sweeper.Report, error) {
	f.ran = append(f.ran, sweeper.JobLimits)
	return sweeper.Report{Job: sweeper.JobLimits}, f.err
}

func (f *fakeSweeps) ExpireTrials(context.Context) (sweeper.Report, error) {
	f.ran = append(f.ran, sweeper.JobTrials)
	return sweeper.Report{Job: sweeper.JobTrials}, f.err
}

func (f *fakeSweeps) PurgeCancelled(context.Context) (sweeper.Report, error) {
	f.ran = append(f.ran, sweeper.JobPurge)
	return sweeper.Report{Job: sweeper.JobPurge}, f.err
}

func TestSweepWorkerDispatchesByType(t *testing.T) {
	fs := &fakeSweeps{}
	w := NewSweepWorker(fs)
	ctx := context.Background()

	for _, typ := range []string{queue.TypeSweepLimits, queue.TypeSweepTrials, queue.TypeSweepPurge} {
		require.NoError(t, w.ProcessTask(ctx, asynq.NewTask(typ, nil)))
	}
	assert.Equal(t, []string{sweeper.JobLimits, sweeper.JobTrials, sweeper.JobPurge}, fs.ran)

	assert.ErrorIs(t, w.ProcessTask(ctx, asynq.NewTask("sweep:unknown", nil)), asynq.SkipRetry)

	fs.err = errors.New("list tenants: timeout")
	assert.Error(t, w.ProcessTask(ctx, asynq.NewTask(queue.TypeSweepPurge, nil)))
}
