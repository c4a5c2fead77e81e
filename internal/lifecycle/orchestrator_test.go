package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/tenantctl/internal/apperrors"
	"github.com/nikhilbhutani/tenantctl/internal/dbprov"
	"github.com/nikhilbhutani/tenantctl/internal/models"
	"github.com/nikhilbhutani/tenantctl/internal/notify"
	"github.com/nikhilbhutani/tenantctl/internal/store"
)

func TestSignupCreatesPendingTenant(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	ctx := context.Background()

	res, err := h.orch.Signup(ctx, SignupRequest{
		CompanyName:   "Acme Corp",
		AdminEmail:    " Jane@Acme.Example.com ",
		AdminPassword: "correct-horse",
		PlanID:        h.plan.ID,
	})
	require.NoError(t, err)
	assert.Empty(t, res.GeneratedPassword)

	tn := h.get(t, res.Tenant.ID)
	assert.Equal(t, models.StatePending, tn.State)
	assert.Equal(t, "acmecorp", tn.Handle)
	assert.Equal(t, "saas_acmecorp", tn.DatabaseName)
	assert.Equal(t, 9000, tn.Port)
	assert.Equal(t, "jane@acme.example.com", tn.AdminEmail)
	assert.Equal(t, "Acme Corp", tn.AdminName)
	assert.Equal(t, h.plan.ID, tn.PlanID)
	assert.Equal(t, 10, tn.StorageLimitGB)

	require.NotNil(t, tn.TrialStart)
	require.NotNil(t, tn.TrialEnd)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), *tn.TrialStart)
	assert.Equal(t, time.Date(2026, 3, 24, 0, 0, 0, 0, time.UTC), *tn.TrialEnd)

	assert.NotContains(t, tn.AdminPasswordHash, "correct-horse")
	assert.True(t, dbprov.VerifyPassword("correct-horse", tn.AdminPasswordHash))

	assert.Equal(t, []string{"signup"}, h.events.Actions(tn.ID))
	assert.Empty(t, h.scheduler.approval)
}

func TestSignupGeneratesPassword(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	res, err := h.orch.Signup(context.Background(), SignupRequest{
		CompanyName: "Globex",
		AdminEmail:  "ops@globex.example.com",
		PlanID:      h.plan.ID,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.GeneratedPassword)

	assert.True(t, dbprov.VerifyPassword(res.GeneratedPassword, h.get(t, res.Tenant.ID).AdminPasswordHash))
}

func TestSignupValidation(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	archived := &models.Plan{Name: "Legacy", Archived: true}
	require.NoError(t, h.store.CreatePlan(context.Background(), archived))

	valid := func() SignupRequest {
		return SignupRequest{CompanyName: "Acme", AdminEmail: "a@acme.example.com", AdminPassword: "long-enough", PlanID: h.plan.ID}
	}
	tests := []struct {
		name  string
		edit  func(*SignupRequest)
		field string
	}{
		{"missing company", func(r *SignupRequest) { r.CompanyName = "  " }, "company_name"},
		{"bad email", func(r *SignupRequest) { r.AdminEmail = "not-an-email" }, "admin_email"},
		{"display name email", func(r *SignupRequest) { r.AdminEmail = "Jane <jane@acme.example.com>" }, "admin_email"},
		{"short password", func(r *SignupRequest) { r.AdminPassword = "short" }, "admin_password"},
		{"missing plan", func(r *SignupRequest) { r.PlanID = uuid.Nil }, "plan_id"},
		{"unknown plan", func(r *SignupRequest) { r.PlanID = uuid.New() }, "plan_id"},
		{"archived plan", func(r *SignupRequest) { r.PlanID = archived.ID }, "plan_id"},
		{"short explicit handle", func(r *SignupRequest) { r.Handle = "ab" }, "handle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.edit(&req)
			_, err := h.orch.Signup(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
			assert.Equal(t, tt.field, apperrors.FieldOf(err))
		})
	}

	all, err := h.store.ListTenants(context.Background(), models.TenantFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSignupHandleCollision(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	first := h.signup(t, "Acme")
	second := h.signup(t, "ACME!")
	assert.Equal(t, "acme", first.Handle)
	assert.Equal(t, "acme1", second.Handle)
	assert.Equal(t, "saas_acme1", second.DatabaseName)
	assert.NotEqual(t, first.Port, second.Port)
}

func TestSignupShortCompanyNameFallsBack(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	assert.Equal(t, "tenant", h.signup(t, "X!").Handle)
}

func TestSignupPortExhaustion(t *testing.T) {
	h := newHarness(t, store.NewMemory(), withPorts(9000, 9001))
	h.signup(t, "one")
	h.signup(t, "two")

	_, err := h.orch.Signup(context.Background(), SignupRequest{
		CompanyName: "three", AdminEmail: "a@three.example.com", PlanID: h.plan.ID,
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindResourceExhausted))

	all, err := h.store.ListTenants(context.Background(), models.TenantFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSubdomainModeSkipsPort(t *testing.T) {
	h := newHarness(t, store.NewMemory(), withMode(models.ModeSubdomain))
	tn := h.active(t, "Acme")
	assert.Zero(t, tn.Port)
	assert.Equal(t, "id-acme", tn.ContainerID)
	assert.Equal(t, "acme.saas.example.com", h.routes.routes["acme"].Hostname)
	assert.Equal(t, "saas_acme:8069", h.routes.routes["acme"].Upstream)
}

func TestApproveStartsProvisioning(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	ctx := context.Background()
	tn := h.signup(t, "Acme")

	got, err := h.orch.Approve(ctx, tn.ID, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.StateProvisioning, got.State)
	assert.Equal(t, 1, got.ProvisionAttempts)
	assert.Equal(t, "ops@example.com", got.ApprovedBy)
	require.NotNil(t, got.ApprovedAt)

	require.Len(t, h.scheduler.provision, 1)
	assert.Equal(t, scheduled{tenantID: tn.ID, attempt: 1}, h.scheduler.provision[0])
	assert.Equal(t, []string{"signup", "approve", "start"}, h.events.Actions(tn.ID))

	_, err = h.orch.Approve(ctx, tn.ID, "ops@example.com")
	assert.Equal(t, apperrors.KindInvalidTransition, apperrors.KindOf(err))
}

func TestApproveAllocatesMissingPort(t *testing.T) {
	mem := store.NewMemory()
	h := newHarness(t, mem)
	ctx := context.Background()
	tn := &models.Tenant{ID: uuid.New(), Handle: "legacy", DatabaseName: "saas_legacy", State: models.StatePending, PlanID: h.plan.ID}
	require.NoError(t, mem.CreateTenant(ctx, tn))

	got, err := h.orch.Approve(ctx, tn.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, 9000, got.Port)
}

func TestEnqueueFailureMovesToError(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	tn := h.signup(t, "Acme")
	h.rec.failOn("enqueue_provision", errBoom)

	_, err := h.orch.Approve(context.Background(), tn.ID, "ops")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindExternal, apperrors.KindOf(err))

	got := h.get(t, tn.ID)
	assert.Equal(t, models.StateError, got.State)
	assert.Equal(t, models.StepSchedule, got.ErrorStep)
	assert.Contains(t, got.ErrorMessage, "boom")

	h.rec.clear("enqueue_provision")
	retried, err := h.orch.Retry(context.Background(), tn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateProvisioning, retried.State)
	assert.Empty(t, retried.ErrorStep)
	assert.Equal(t, 2, retried.ProvisionAttempts)
}

func TestRejectReleasesPort(t *testing.T) {
	h := newHarness(t, store.NewMemory(), withPorts(9000, 9000))
	ctx := context.Background()
	tn := h.signup(t, "Acme")
	require.Equal(t, 9000, tn.Port)

	got, err := h.orch.Reject(ctx, tn.ID, "duplicate account")
	require.NoError(t, err)
	assert.Equal(t, models.StateRejected, got.State)
	assert.Zero(t, got.Port)

	next := h.signup(t, "Globex")
	assert.Equal(t, 9000, next.Port)

	_, err = h.orch.Approve(ctx, tn.ID, "ops")
	assert.Equal(t, apperrors.KindInvalidTransition, apperrors.KindOf(err))
}

func TestSuspendAndReactivate(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	ctx := context.Background()
	tn := h.active(t, "Acme")

	got, err := h.orch.Suspend(ctx, tn.ID, "unpaid invoice")
	require.NoError(t, err)
	assert.Equal(t, models.StateSuspended, got.State)
	assert.Equal(t, "unpaid invoice", got.SuspendReason)
	assert.False(t, h.workloads.running["saas_acme"])
	assert.True(t, h.dbs.databases["saas_acme"])
	assert.Contains(t, h.routes.routes, "acme")
	assert.Contains(t, h.notifier.types(), notify.EventTenantSuspended)

	got, err = h.orch.Reactivate(ctx, tn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, got.State)
	assert.Empty(t, got.SuspendReason)
	assert.True(t, h.workloads.running["saas_acme"])
}

func TestSuspendStopFailureKeepsState(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	tn := h.active(t, "Acme")
	h.rec.failOn("stop_workload", errBoom)

	_, err := h.orch.Suspend(context.Background(), tn.ID, "limits")
	require.Error(t, err)
	assert.Equal(t, models.StateActive, h.get(t, tn.ID).State)
}

func TestCancelKeepsDataUntilPurge(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	ctx := context.Background()
	tn := h.active(t, "Acme")

	got, err := h.orch.Cancel(ctx, tn.ID, "customer request")
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, got.State)
	assert.Zero(t, got.Port)
	require.NotNil(t, got.CancelledAt)
	assert.NotContains(t, h.workloads.running, "saas_acme")
	assert.NotContains(t, h.routes.routes, "acme")
	assert.True(t, h.dbs.databases["saas_acme"])
	assert.True(t, h.workloads.volumes["saas_acme_data"])
	assert.Contains(t, h.notifier.types(), notify.EventTenantCancelled)

	_, err = h.orch.Cancel(ctx, tn.ID, "again")
	assert.Equal(t, apperrors.KindInvalidTransition, apperrors.KindOf(err))
}

func TestPurge(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	ctx := context.Background()
	tn := h.active(t, "Acme")
	_, err := h.orch.Cancel(ctx, tn.ID, "customer request")
	require.NoError(t, err)

	_, err = h.orch.Purge(ctx, tn.ID, false)
	require.Error(t, err)
	assert.Equal(t, "force", apperrors.FieldOf(err))
	assert.True(t, h.dbs.databases["saas_acme"])

	h.clock = h.clock.Add(25 * time.Hour)
	got, err := h.orch.Purge(ctx, tn.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, got.State)
	require.NotNil(t, got.PurgedAt)
	assert.Empty(t, got.DatabaseName)
	assert.Empty(t, got.VolumeName)
	assert.Empty(t, got.ContainerName)
	assert.Equal(t, "acme", got.Handle)
	assert.NotContains(t, h.dbs.databases, "saas_acme")
	assert.NotContains(t, h.workloads.volumes, "saas_acme_data")

	drops := h.rec.count("drop_database")
	again, err := h.orch.Purge(ctx, tn.ID, false)
	require.NoError(t, err)
	assert.Equal(t, got.PurgedAt, again.PurgedAt)
	assert.Equal(t, drops, h.rec.count("drop_database"))

	// The handle stays taken after purge.
	assert.Equal(t, "acme1", h.signup(t, "Acme").Handle)
}

func TestForcePurgeCancelsFirst(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	tn := h.active(t, "Acme")

	got, err := h.orch.Purge(context.Background(), tn.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, got.State)
	require.NotNil(t, got.PurgedAt)
	assert.Equal(t, []string{"signup", "approve", "start", "provisioned", "cancel", "purge"}, h.events.Actions(tn.ID))
}

func TestPurgeRequiresCancelled(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	tn := h.active(t, "Acme")
	_, err := h.orch.Purge(context.Background(), tn.ID, false)
	assert.Equal(t, apperrors.KindInvalidTransition, apperrors.KindOf(err))
}

func TestChangePlan(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	ctx := context.Background()
	pro := &models.Plan{Name: "Professional", MaxUsers: 20, StorageLimitGB: 50, CPULimit: 2, MemoryLimit: "2g"}
	require.NoError(t, h.store.CreatePlan(ctx, pro))

	pending := h.signup(t, "Globex")
	_, err := h.orch.ChangePlan(ctx, pending.ID, pro.ID)
	assert.Equal(t, apperrors.KindInvalidTransition, apperrors.KindOf(err))

	tn := h.active(t, "Acme")
	got, err := h.orch.ChangePlan(ctx, tn.ID, pro.ID)
	require.NoError(t, err)
	assert.Equal(t, pro.ID, got.PlanID)
	assert.Equal(t, 50, got.StorageLimitGB)
	assert.Equal(t, "2g", got.MemoryLimit)
	assert.Equal(t, 1, h.rec.count("update_resources"))
}

func TestResetAdminPassword(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	ctx := context.Background()
	tn := h.active(t, "Acme")

	generated, err := h.orch.ResetAdminPassword(ctx, tn.ID, "")
	require.NoError(t, err)
	require.NotEmpty(t, generated)
	assert.True(t, dbprov.VerifyPassword(generated, h.get(t, tn.ID).AdminPasswordHash))
	assert.Equal(t, h.get(t, tn.ID).AdminPasswordHash, h.dbs.creds.PasswordHash)

	chosen, err := h.orch.ResetAdminPassword(ctx, tn.ID, "another-secret")
	require.NoError(t, err)
	assert.Empty(t, chosen)

	_, err = h.orch.ResetAdminPassword(ctx, tn.ID, "short")
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func TestView(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	pending := h.signup(t, "Globex")
	v := h.orch.View(pending)
	assert.Empty(t, v.AccessURL)
	assert.Equal(t, []Event{EventApprove, EventReject, EventCancel}, v.AllowedEvents)

	tn := h.active(t, "Acme")
	v = h.orch.View(tn)
	assert.Equal(t, "http://acme.saas.example.com", v.AccessURL)
	assert.Equal(t, "http://acme.saas.example.com/web/login", v.LoginURL)
	assert.Equal(t, []Event{EventSuspend, EventCancel}, v.AllowedEvents)
}
