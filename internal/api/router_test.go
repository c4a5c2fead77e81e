package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nikhilbhutani/tenantctl/internal/api/handlers"
	"github.com/nikhilbhutani/tenantctl/internal/apperrors"
	"github.com/nikhilbhutani/tenantctl/internal/audit"
	"github.com/nikhilbhutani/tenantctl/internal/auth"
	"github.com/nikhilbhutani/tenantctl/internal/config"
	"github.com/nikhilbhutani/tenantctl/internal/lifecycle"
	"github.com/nikhilbhutani/tenantctl/internal/metrics"
	"github.com/nikhilbhutani/tenantctl/internal/models"
	"github.com/nikhilbhutani/tenantctl/internal/store"
	"github.com/nikhilbhutani/tenantctl/internal/workload"
)

const jwtSecret = "router-secret"

// fakeTenants is a TenantService that keeps tenants in a map and applies
// state changes through the real transition table.
type fakeTenants struct {
	tenants   map[uuid.UUID]*models.Tenant
	signupErr error
	approver  string
	purged    map[uuid.UUID]bool
}

func newFakeTenants() *fakeTenants {
	return &fakeTenants{tenants: map[uuid.UUID]*models.Tenant{}, purged: map[uuid.UUID]bool{}}
}

func (f *fakeTenants) add(state models.State) *models.Tenant {
	t := &models.Tenant{ID: uuid.New(), Handle: "acme", Name: "Acme", State: state}
	f.tenants[t.ID] = t
	return t
}

func (f *fakeTenants) Signup(_ context.Context, req lifecycle.SignupRequest) (*lifecycle.SignupResult, error) {
	if f.signupErr != nil {
		return nil, f.signupErr
	}
	t := &models.Tenant{ID: uuid.New(), Name: req.CompanyName, Handle: "acme", State: models.StatePending}
	f.tenants[t.ID] = t
	res := &lifecycle.SignupResult{Tenant: t}
	if req.AdminPassword == "" {
		res.GeneratedPassword = "s3cret-once"
	}
	return res, nil
}

func (f *fakeTenants) Get(_ context.Context, id uuid.UUID) (*models.Tenant, error) {
	t, ok := f.tenants[id]
	if !ok {
		return nil, apperrors.NotFound("get tenant", "record not found")
	}
	return t, nil
}

func (f *fakeTenants) List(_ context.Context, filter models.TenantFilter) ([]models.Tenant, error) {
	var out []models.Tenant
	for _, t := range f.tenants {
		if len(filter.States) == 0 || filter.States[0] == t.State {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeTenants) View(t *models.Tenant) lifecycle.TenantView {
	v := lifecycle.TenantView{Tenant: t, AllowedEvents: lifecycle.AllowedEvents(t.State)}
	if t.State == models.StateActive {
		v.AccessURL = "https://" + t.Handle + ".saas.example.com"
	}
	return v
}

func (f *fakeTenants) apply(id uuid.UUID, ev lifecycle.Event) (*models.Tenant, error) {
	t, err := f.Get(context.Background(), id)
	if err != nil {
		return nil, err
	}
	to, err := lifecycle.Next(t.State, ev)
	if err != nil {
		return nil, err
	}
	t.State = to
	return t, nil
}

func (f *fakeTenants) Approve(ctx context.Context, id uuid.UUID, approver string) (*models.Tenant, error) {
	f.approver = approver
	return f.apply(id, lifecycle.EventApprove)
}

func (f *fakeTenants) Reject(_ context.Context, id uuid.UUID, _ string) (*models.Tenant, error) {
	return f.apply(id, lifecycle.EventReject)
}

func (f *fakeTenants) StartProvisioning(_ context.Context, id uuid.UUID) (*models.Tenant, error) {
	return f.apply(id, lifecycle.EventStart)
}

func (f *fakeTenants) Retry(_ context.Context, id uuid.UUID) (*models.Tenant, error) {
	return f.apply(id, lifecycle.EventRetry)
}

func (f *fakeTenants) Suspend(_ context.Context, id uuid.UUID, reason string) (*models.Tenant, error) {
	t, err := f.apply(id, lifecycle.EventSuspend)
	if err == nil {
		t.SuspendReason = reason
	}
	return t, err
}

func (f *fakeTenants) Reactivate(_ context.Context, id uuid.UUID) (*models.Tenant, error) {
	return f.apply(id, lifecycle.EventReactivate)
}

func (f *fakeTenants) Cancel(_ context.Context, id uuid.UUID, _ string) (*models.Tenant, error) {
	return f.apply(id, lifecycle.EventCancel)
}

func (f *fakeTenants) Purge(_ context.Context, id uuid.UUID, force bool) (*models.Tenant, error) {
	t, err := f.Get(context.Background(), id)
	if err != nil {
		return nil, err
	}
	if !force {
		return nil, apperrors.Validation("force", "grace period ends later")
	}
	f.purged[id] = true
	return t, nil
}

func (f *fakeTenants) ChangePlan(_ context.Context, id, planID uuid.UUID) (*models.Tenant, error) {
	t, err := f.Get(context.Background(), id)
	if err != nil {
		return nil, err
	}
	t.PlanID = planID
	return t, nil
}

func (f *fakeTenants) ResetAdminPassword(_ context.Context, id uuid.UUID, password string) (string, error) {
	if _, err := f.Get(context.Background(), id); err != nil {
		return "", err
	}
	if password == "" {
		return "generated-pass", nil
	}
	return "", nil
}

type fakeInfra struct {
	containers []workload.Container
	routes     []string
	sweeps     []string
}

func (f *fakeInfra) List(context.Context) ([]workload.Container, error) { return f.containers, nil }
func (f *fakeInfra) ListRoutes() ([]string, error)                      { return f.routes, nil }

func (f *fakeInfra) EnqueueSweep(_ context.Context, job string) error {
	if job != "limits" && job != "trials" && job != "purge" {
		return apperrors.Validation("job", "unknown sweep job")
	}
	f.sweeps = append(f.sweeps, job)
	return nil
}

type fixture struct {
	handler http.Handler
	tenants *fakeTenants
	mem     *store.Memory
	events  *audit.Memory
	infra   *fakeInfra
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, mutate func(*config.Config, *Deps)) *fixture {
	t.Helper()
	f := &fixture{
		tenants: newFakeTenants(),
		mem:     store.NewMemory(),
		events:  audit.NewMemory(),
		infra:   &fakeInfra{},
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	cfg := &config.Config{
		Server: config.ServerConfig{SignupRPS: 100, SignupBurst: 100, AllowedOrigins: []string{"https://signup.example.com"}},
		Auth:   config.AuthConfig{JWTSecret: jwtSecret, APIKeyHeader: "X-Intake-Key"},
	}
	deps := Deps{
		Tenants:    f.tenants,
		Events:     f.events,
		Usage:      f.mem,
		Plans:      f.mem,
		Deployment: f.mem,
		Workloads:  f.infra,
		Routes:     f.infra,
		Sweeps:     f.infra,
		Checks: map[string]handlers.Pinger{
			"database": handlers.PingFunc(func(context.Context) error { return nil }),
		},
		Metrics: f.metrics,
		Log:     zap.NewNop(),
	}
	if mutate != nil {
		mutate(cfg, &deps)
	}
	f.handler = NewRouter(cfg, deps).Setup()
	return f
}

func token(t *testing.T, role auth.Role) string {
	t.Helper()
	tok, err := auth.IssueToken(jwtSecret, string(role)+"@example.com", role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(method, path, tok string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSignupReturnsGeneratedPasswordOnce(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/api/v1/signup", "", lifecycle.SignupRequest{
		CompanyName: "Acme Corp", AdminName: "Ann", AdminEmail: "ann@acme.test", PlanID: uuid.New(),
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "s3cret-once", body["generated_password"])
	tenant := body["tenant"].(map[string]interface{})
	assert.Equal(t, "pending", tenant["state"])
	assert.NotContains(t, tenant, "admin_password_hash")

	id := tenant["id"].(string)
	rec = f.do(http.MethodGet, "/api/v1/signup/"+id, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody(t, rec)
	assert.Equal(t, "pending", status["state"])
	assert.NotContains(t, status, "generated_password")
}

func TestSignupErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		field  string
	}{
		{apperrors.Validation("admin_email", "invalid address"), http.StatusUnprocessableEntity, "admin_email"},
		{apperrors.Exhausted("allocate port", "no free ports"), http.StatusServiceUnavailable, ""},
		{apperrors.NameSpaceExhausted("allocate handle", "all suffixes taken"), http.StatusServiceUnavailable, ""},
		{apperrors.Timeout("ping", context.DeadlineExceeded), http.StatusGatewayTimeout, ""},
		{apperrors.External("ping", errors.New("refused")), http.StatusBadGateway, ""},
		{apperrors.Integrity("allocate database", "owned by another tenant"), http.StatusInternalServerError, ""},
		{errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		f := newFixture(t, nil)
		f.tenants.signupErr = tt.err
		rec := f.do(http.MethodPost, "/api/v1/signup", "", lifecycle.SignupRequest{CompanyName: "Acme"})
		assert.Equal(t, tt.status, rec.Code, tt.err.Error())
		body := decodeBody(t, rec)
		if tt.field != "" {
			assert.Equal(t, tt.field, body["field"])
		}
		if tt.status == http.StatusInternalServerError {
			assert.Equal(t, "internal error", body["error"])
		}
	}
}

func TestSignupBadBodyAndIntakeKey(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, _ *Deps) {
		cfg.Auth.IntakeAPIKeys = []string{"intake-1"}
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/signup", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/signup", bytes.NewBufferString("{"))
	req.Header.Set("X-Intake-Key", "intake-1")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignupRateLimited(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, d *Deps) {
		cfg.Server.SignupRPS = 0.001
		cfg.Server.SignupBurst = 1
	})
	req := lifecycle.SignupRequest{CompanyName: "Acme"}
	assert.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/api/v1/signup", "", req).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(http.MethodPost, "/api/v1/signup", "", req).Code)
}

func TestAdminRequiresTokenAndPermission(t *testing.T) {
	f := newFixture(t, nil)
	tn := f.tenants.add(models.StatePending)
	path := "/api/v1/admin/tenants/" + tn.ID.String() + "/approve"

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, path, "", nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, path, token(t, auth.RoleViewer), nil).Code)

	rec := f.do(http.MethodPost, path, token(t, auth.RoleOperator), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "approved", decodeBody(t, rec)["state"])
	assert.Equal(t, "operator@example.com", f.tenants.approver)

	rec = f.do(http.MethodPost, path, token(t, auth.RoleOperator), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(apperrors.KindInvalidTransition), decodeBody(t, rec)["kind"])
}

func TestTenantReadRoutes(t *testing.T) {
	f := newFixture(t, nil)
	active := f.tenants.add(models.StateActive)
	f.tenants.add(models.StatePending)
	viewer := token(t, auth.RoleViewer)

	rec := f.do(http.MethodGet, "/api/v1/admin/tenants/?state=active", viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, decodeBody(t, rec)["count"])

	assert.Equal(t, http.StatusUnprocessableEntity, f.do(http.MethodGet, "/api/v1/admin/tenants/?state=sleeping", viewer, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/admin/tenants/not-a-uuid", viewer, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/admin/tenants/"+uuid.NewString(), viewer, nil).Code)

	rec = f.do(http.MethodGet, "/api/v1/admin/tenants/"+active.ID.String(), viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "https://acme.saas.example.com", body["access_url"])
	assert.Contains(t, body["allowed_events"], "suspend")

	ctx := audit.WithActor(context.Background(), "ops@example.com")
	require.NoError(t, f.events.Record(ctx, audit.Entry{TenantID: active.ID, Action: "approve"}))
	rec = f.do(http.MethodGet, "/api/v1/admin/tenants/"+active.ID.String()+"/events", viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, decodeBody(t, rec)["count"])

	require.NoError(t, f.mem.AppendUsage(ctx, &models.UsageSample{TenantID: active.ID, StorageMB: 512}))
	rec = f.do(http.MethodGet, "/api/v1/admin/tenants/"+active.ID.String()+"/usage", viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, decodeBody(t, rec)["count"])
}

func TestSuspendAndPurgePermissions(t *testing.T) {
	f := newFixture(t, nil)
	tn := f.tenants.add(models.StateActive)
	base := "/api/v1/admin/tenants/" + tn.ID.String()
	operator := token(t, auth.RoleOperator)

	rec := f.do(http.MethodPost, base+"/suspend", operator, map[string]string{"reason": "unpaid"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "unpaid", decodeBody(t, rec)["suspend_reason"])

	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, base+"/purge?force=true", operator, nil).Code)

	admin := token(t, auth.RoleAdmin)
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(http.MethodPost, base+"/purge", admin, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, base+"/purge?force=true", admin, nil).Code)
	assert.True(t, f.tenants.purged[tn.ID])
}

func TestResetPasswordReturnsGenerated(t *testing.T) {
	f := newFixture(t, nil)
	tn := f.tenants.add(models.StateActive)

	rec := f.do(http.MethodPost, "/api/v1/admin/tenants/"+tn.ID.String()+"/reset-password", token(t, auth.RoleOperator), map[string]string{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "generated-pass", decodeBody(t, rec)["generated_password"])
}

func TestPlanRoutes(t *testing.T) {
	f := newFixture(t, nil)
	admin := token(t, auth.RoleAdmin)

	plan := models.DefaultPlans()[0]
	rec := f.do(http.MethodPost, "/api/v1/admin/plans/", admin, plan)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decodeBody(t, rec)["id"].(string)

	bad := plan
	bad.Name = "Broken"
	bad.MemoryLimit = "huge"
	rec = f.do(http.MethodPost, "/api/v1/admin/plans/", admin, bad)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "memory_limit", decodeBody(t, rec)["field"])

	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/api/v1/admin/plans/", token(t, auth.RoleOperator), plan).Code)

	rec = f.do(http.MethodGet, "/api/v1/plans", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, decodeBody(t, rec)["count"])

	planID := uuid.MustParse(id)
	require.NoError(t, f.mem.CreateTenant(context.Background(), &models.Tenant{ID: uuid.New(), Handle: "acme", PlanID: planID, State: models.StateActive}))
	rec = f.do(http.MethodDelete, "/api/v1/admin/plans/"+id, admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "archived", decodeBody(t, rec)["status"])

	rec = f.do(http.MethodGet, "/api/v1/plans", "", nil)
	assert.Equal(t, 0.0, decodeBody(t, rec)["count"])
	rec = f.do(http.MethodGet, "/api/v1/admin/plans/?archived=true", admin, nil)
	assert.Equal(t, 1.0, decodeBody(t, rec)["count"])
}

func TestDeploymentConfigRoutes(t *testing.T) {
	f := newFixture(t, nil)
	admin := token(t, auth.RoleAdmin)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/admin/deployment/", admin, nil).Code)

	cfg := models.DeploymentConfig{
		Mode:           models.ModeSubdomain,
		Domain:         "saas.example.com",
		PortRangeStart: 9000,
		PortRangeEnd:   9100,
		DatabaseServer: models.DatabaseServer{Host: "db", Password: "pw"},
		Runtime:        models.RuntimeParams{Image: "odoo:17.0", ServicePort: 8069},
	}
	rec := f.do(http.MethodPut, "/api/v1/admin/deployment/", admin, cfg)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeBody(t, rec)["restart_required"])

	cfg.DatabaseServer.Password = ""
	cfg.Domain = "tenants.example.com"
	require.Equal(t, http.StatusOK, f.do(http.MethodPut, "/api/v1/admin/deployment/", admin, cfg).Code)
	stored, err := f.mem.ActiveDeploymentConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pw", stored.DatabaseServer.Password)
	assert.Equal(t, "tenants.example.com", stored.Domain)

	rec = f.do(http.MethodGet, "/api/v1/admin/deployment/", token(t, auth.RoleViewer), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, decodeBody(t, rec)["database_server"], "password")

	cfg.Mode = "mesh"
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(http.MethodPut, "/api/v1/admin/deployment/", admin, cfg).Code)
}

func TestInfraRoutes(t *testing.T) {
	f := newFixture(t, nil)
	f.infra.containers = []workload.Container{{ID: "c1", Name: "tenant-acme", Running: true}}
	f.infra.routes = []string{"acme"}
	viewer := token(t, auth.RoleViewer)

	rec := f.do(http.MethodGet, "/api/v1/admin/workloads", viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, decodeBody(t, rec)["count"])

	rec = f.do(http.MethodGet, "/api/v1/admin/routes", viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{"acme"}, decodeBody(t, rec)["routes"])

	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/api/v1/admin/sweeps/trials", viewer, nil).Code)
	operator := token(t, auth.RoleOperator)
	assert.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/api/v1/admin/sweeps/trials", operator, nil).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(http.MethodPost, "/api/v1/admin/sweeps/everything", operator, nil).Code)
	assert.Equal(t, []string{"trials"}, f.infra.sweeps)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, func(_ *config.Config, d *Deps) {
		d.Checks["docker"] = handlers.PingFunc(func(context.Context) error { return errors.New("socket missing") })
	})

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", "", nil).Code)

	rec := f.do(http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	checks := decodeBody(t, rec)["checks"].(map[string]interface{})
	assert.Equal(t, "ok", checks["database"])
	assert.Equal(t, "unhealthy: socket missing", checks["docker"])

	rec = f.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tenantctl_http_requests_total")
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/signup", nil)
	req.Header.Set("Origin", "https://signup.example.com")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://signup.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Intake-Key")
}
