package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/tenantctl/internal/apperrors"
	"github.com/nikhilbhutani/tenantctl/internal/models"
	"github.com/nikhilbhutani/tenantctl/internal/notify"
	"github.com/nikhilbhutani/tenantctl/internal/store"
)

func TestPipelineHappyPath(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	tn := h.active(t, "Acme")

	assert.Equal(t, "acme", tn.Handle)
	assert.Equal(t, "saas_acme", tn.DatabaseName)
	assert.Equal(t, "saas_acme", tn.ContainerName)
	assert.Equal(t, "saas_acme_data", tn.VolumeName)
	assert.GreaterOrEqual(t, tn.Port, 9000)
	assert.LessOrEqual(t, tn.Port, 9009)
	require.NotNil(t, tn.SubscriptionStart)
	assert.Empty(t, tn.ErrorStep)
	assert.Equal(t, []models.Step{
		models.StepCreateDatabase, models.StepInitializeSchema, models.StepInjectAdmin,
		models.StepCreateVolume, models.StepCreateWorkload, models.StepRegisterRoute,
	}, tn.CompletedSteps)
	assert.Contains(t, tn.ProvisioningLog, "provisioning completed")

	route := h.routes.routes["acme"]
	assert.Equal(t, "acme.saas.example.com", route.Hostname)
	assert.Equal(t, "10.0.0.5:9000", route.Upstream)

	assert.Equal(t, []string{"base", "web", "crm"}, h.dbs.modules)
	assert.Equal(t, "admin@acme.example.com", h.dbs.creds.Login)
	assert.Equal(t, tn.AdminPasswordHash, h.dbs.creds.PasswordHash)
	assert.Empty(t, h.dbs.creds.Password)

	require.Len(t, h.notifier.events, 1)
	ev := h.notifier.events[0]
	assert.Equal(t, notify.EventCredentialsIssued, ev.Type)
	assert.Equal(t, "http://acme.saas.example.com/web/login", ev.Data["login_url"])
	assert.NotContains(t, ev.Data, "password")
}

func TestPortModeSkipsRoute(t *testing.T) {
	h := newHarness(t, store.NewMemory(), withMode(models.ModePort))
	tn := h.active(t, "Acme")
	assert.Zero(t, h.rec.count("register_route"))
	assert.NotContains(t, tn.CompletedSteps, models.StepRegisterRoute)
}

func TestPipelineFailureAtEachStep(t *testing.T) {
	steps := []models.Step{
		models.StepCreateDatabase, models.StepInitializeSchema, models.StepInjectAdmin,
		models.StepCreateVolume, models.StepCreateWorkload, models.StepRegisterRoute,
	}
	for k, failing := range steps {
		t.Run(string(failing), func(t *testing.T) {
			h := newHarness(t, store.NewMemory())
			ctx := context.Background()
			tn := h.signup(t, "Acme")
			_, err := h.orch.Approve(ctx, tn.ID, "ops")
			require.NoError(t, err)

			h.rec.failOn(string(failing), errBoom)
			require.NoError(t, h.orch.RunPipeline(ctx, tn.ID))

			got := h.get(t, tn.ID)
			assert.Equal(t, models.StateError, got.State)
			assert.Equal(t, failing, got.ErrorStep)
			assert.Contains(t, got.ErrorMessage, "boom")
			assert.Equal(t, steps[:k], append([]models.Step{}, got.CompletedSteps...))
			for _, later := range steps[k+1:] {
				assert.Zero(t, h.rec.count(string(later)), later)
			}
			assert.Equal(t, []notify.EventType{notify.EventProvisioningFailed}, h.notifier.types())

			// Retry resumes at the failed step.
			h.rec.clear(string(failing))
			_, err = h.orch.Retry(ctx, tn.ID)
			require.NoError(t, err)
			require.NoError(t, h.orch.RunPipeline(ctx, tn.ID))

			got = h.get(t, tn.ID)
			assert.Equal(t, models.StateActive, got.State)
			assert.Equal(t, 2, got.ProvisionAttempts)
			for _, done := range steps[:k] {
				assert.Equal(t, 1, h.rec.count(string(done)), done)
			}
			assert.Equal(t, 2, h.rec.count(string(failing)))
		})
	}
}

func TestPipelineStepTimeout(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	ctx := context.Background()
	tn := h.signup(t, "Acme")
	_, err := h.orch.Approve(ctx, tn.ID, "ops")
	require.NoError(t, err)

	h.rec.failOn("create_database", context.DeadlineExceeded)
	require.NoError(t, h.orch.RunPipeline(ctx, tn.ID))

	got := h.get(t, tn.ID)
	assert.Equal(t, models.StateError, got.State)
	assert.Equal(t, models.StepCreateDatabase, got.ErrorStep)
	assert.Contains(t, got.ErrorMessage, "timed out")
}

func TestPipelineSkipsNonProvisioningTenant(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	tn := h.signup(t, "Acme")
	require.NoError(t, h.orch.RunPipeline(context.Background(), tn.ID))
	assert.Zero(t, h.rec.count("create_database"))
	assert.Equal(t, models.StatePending, h.get(t, tn.ID).State)
}

func TestCancelDuringPipelineStopsAtNextStep(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	ctx := context.Background()
	tn := h.signup(t, "Acme")
	_, err := h.orch.Approve(ctx, tn.ID, "ops")
	require.NoError(t, err)

	h.rec.onCall("create_workload", func() {
		_, err := h.orch.Cancel(ctx, tn.ID, "changed mind")
		require.NoError(t, err)
	})
	require.NoError(t, h.orch.RunPipeline(ctx, tn.ID))

	got := h.get(t, tn.ID)
	assert.Equal(t, models.StateCancelled, got.State)
	assert.Zero(t, h.rec.count("register_route"))
	assert.NotContains(t, h.workloads.running, "saas_acme")
	assert.NotContains(t, h.routes.routes, "acme")
	assert.NotContains(t, h.notifier.types(), notify.EventCredentialsIssued)
}

func TestPipelineDuplicateDatabaseIsFailure(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	ctx := context.Background()
	tn := h.signup(t, "Acme")
	_, err := h.orch.Approve(ctx, tn.ID, "ops")
	require.NoError(t, err)

	h.rec.failOn("create_database", apperrors.Conflict("database_name", errBoom))
	require.NoError(t, h.orch.RunPipeline(ctx, tn.ID))

	got := h.get(t, tn.ID)
	assert.Equal(t, models.StateError, got.State)
	assert.Equal(t, models.StepCreateDatabase, got.ErrorStep)
}
