package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nikhilbhutani/tenantctl/internal/allocator"
	"github.com/nikhilbhutani/tenantctl/internal/audit"
	"github.com/nikhilbhutani/tenantctl/internal/dbprov"
	"github.com/nikhilbhutani/tenantctl/internal/deployment"
	"github.com/nikhilbhutani/tenantctl/internal/models"
	"github.com/nikhilbhutani/tenantctl/internal/notify"
	"github.com/nikhilbhutani/tenantctl/internal/proxy"
	"github.com/nikhilbhutani/tenantctl/internal/workload"
)

var errBoom = errors.New("boom")

// recorder collects calls across every fake so tests can assert ordering.
type recorder struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	hooks map[string]func()
}

func (r *recorder) call(name string) error {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	err := r.fail[name]
	hook := r.hooks[name]
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (r *recorder) failOn(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[name] = err
}

func (r *recorder) clear(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.fail, name)
}

func (r *recorder) onCall(name string, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[name] = fn
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == name {
			n++
		}
	}
	return n
}

type fakeDatabases struct {
	*recorder
	databases map[string]bool
	modules   []string
	creds     dbprov.Credentials
}

func (f *fakeDatabases) CreateDatabase(_ context.Context, name string) error {
	if err := f.call("create_database"); err != nil {
		return err
	}
	f.databases[name] = true
	return nil
}

func (f *fakeDatabases) InitializeSchema(_ context.Context, _ string, modules []string) error {
	f.modules = modules
	return f.call("initialize_schema")
}

func (f *fakeDatabases) InjectAdminCredentials(_ context.Context, _ string, c dbprov.Credentials) error {
	f.creds = c
	return f.call("inject_admin_credentials")
}

func (f *fakeDatabases) DropDatabase(_ context.Context, name string) error {
	if err := f.call("drop_database"); err != nil {
		return err
	}
	delete(f.databases, name)
	return nil
}

func (f *fakeDatabases) Ping(context.Context) error {
	return f.call("ping")
}

type fakeWorkloads struct {
	*recorder
	running map[string]bool
	volumes map[string]bool
}

func (f *fakeWorkloads) EnsureVolume(_ context.Context, t *models.Tenant) (string, error) {
	if err := f.call("create_volume"); err != nil {
		return "", err
	}
	name := deployment.VolumeName(t.Handle)
	f.volumes[name] = true
	return name, nil
}

func (f *fakeWorkloads) CreateWorkload(_ context.Context, t *models.Tenant) (*workload.Container, error) {
	if err := f.call("create_workload"); err != nil {
		return nil, err
	}
	name := deployment.ContainerName(t.Handle)
	f.running[name] = true
	return &workload.Container{ID: "id-" + t.Handle, Name: name, Running: true}, nil
}

func (f *fakeWorkloads) StopWorkload(_ context.Context, handle string) error {
	if err := f.call("stop_workload"); err != nil {
		return err
	}
	if _, ok := f.running[deployment.ContainerName(handle)]; ok {
		f.running[deployment.ContainerName(handle)] = false
	}
	return nil
}

func (f *fakeWorkloads) RemoveWorkload(_ context.Context, handle string) error {
	if err := f.call("remove_workload"); err != nil {
		return err
	}
	delete(f.running, deployment.ContainerName(handle))
	return nil
}

func (f *fakeWorkloads) RemoveVolume(_ context.Context, handle string) error {
	if err := f.call("remove_volume"); err != nil {
		return err
	}
	delete(f.volumes, deployment.VolumeName(handle))
	return nil
}

func (f *fakeWorkloads) UpdateResources(context.Context, *models.Tenant) error {
	return f.call("update_resources")
}

type fakeRoutes struct {
	*recorder
	routes map[string]proxy.Route
}

func (f *fakeRoutes) RegisterRoute(_ context.Context, r proxy.Route) error {
	if err := f.call("register_route"); err != nil {
		return err
	}
	f.routes[r.Handle] = r
	return nil
}

func (f *fakeRoutes) RemoveRoute(_ context.Context, handle string) error {
	if err := f.call("remove_route"); err != nil {
		return err
	}
	delete(f.routes, handle)
	return nil
}

type scheduled struct {
	tenantID uuid.UUID
	attempt  int
	delay    time.Duration
}

type fakeScheduler struct {
	*recorder
	mu        sync.Mutex
	provision []scheduled
	approval  []scheduled
}

func (f *fakeScheduler) EnqueueProvision(_ context.Context, id uuid.UUID, attempt int) error {
	if err := f.call("enqueue_provision"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provision = append(f.provision, scheduled{tenantID: id, attempt: attempt})
	return nil
}

func (f *fakeScheduler) EnqueueAutoApproval(_ context.Context, id uuid.UUID, attempt int, delay time.Duration) error {
	if err := f.call("enqueue_auto_approval"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approval = append(f.approval, scheduled{tenantID: id, attempt: attempt, delay: delay})
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (f *fakeNotifier) Notify(ev notify.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeNotifier) types() []notify.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notify.EventType
	for _, ev := range f.events {
		out = append(out, ev.Type)
	}
	return out
}

type fakeStore interface {
	Store
	allocator.Registry
	CreatePlan(ctx context.Context, p *models.Plan) error
}

type harness struct {
	orch      *Orchestrator
	store     fakeStore
	rec       *recorder
	dbs       *fakeDatabases
	workloads *fakeWorkloads
	routes    *fakeRoutes
	scheduler *fakeScheduler
	notifier  *fakeNotifier
	events    *audit.Memory
	plan      *models.Plan
	clock     time.Time
}

type harnessOption func(*models.DeploymentConfig, *Options)

func withMode(m models.DeploymentMode) harnessOption {
	return func(c *models.DeploymentConfig, _ *Options) { c.Mode = m }
}

func withPorts(start, end int) harnessOption {
	return func(c *models.DeploymentConfig, _ *Options) { c.PortRangeStart, c.PortRangeEnd = start, end }
}

func withAutoApprove() harnessOption {
	return func(_ *models.DeploymentConfig, o *Options) { o.AutoApprove = true }
}

func newHarness(t *testing.T, st fakeStore, opts ...harnessOption) *harness {
	t.Helper()
	cfg := models.DeploymentConfig{
		Mode:              models.ModeHybrid,
		Domain:            "saas.example.com",
		PortRangeStart:    9000,
		PortRangeEnd:      9009,
		ProxyUpstreamHost: "10.0.0.5",
		Runtime:           models.RuntimeParams{Image: "odoo:17", ServicePort: 8069},
	}
	o := Options{
		StepTimeout:    time.Second,
		PasswordRounds: 1000,
		TrialDays:      14,
		BaseModules:    []string{"base", "web"},
		GracePeriod:    24 * time.Hour,
		Approval:       ApprovalPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second},
	}
	for _, fn := range opts {
		fn(&cfg, &o)
	}
	strategy, err := deployment.New(cfg)
	require.NoError(t, err)

	rec := &recorder{fail: map[string]error{}, hooks: map[string]func(){}}
	h := &harness{
		store:     st,
		rec:       rec,
		dbs:       &fakeDatabases{recorder: rec, databases: map[string]bool{}},
		workloads: &fakeWorkloads{recorder: rec, running: map[string]bool{}, volumes: map[string]bool{}},
		routes:    &fakeRoutes{recorder: rec, routes: map[string]proxy.Route{}},
		scheduler: &fakeScheduler{recorder: rec},
		notifier:  &fakeNotifier{},
		events:    audit.NewMemory(),
		clock:     time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}

	h.plan = &models.Plan{
		Name: "Starter", MaxUsers: 5, StorageLimitGB: 10, CPULimit: 1,
		MemoryLimit: "1g", TrialDays: 14, Modules: []string{"crm", "web"},
	}
	require.NoError(t, st.CreatePlan(context.Background(), h.plan))

	alloc := allocator.New(st, allocator.Options{PortStart: cfg.PortRangeStart, PortEnd: cfg.PortRangeEnd}, zap.NewNop(), nil)
	h.orch = New(Deps{
		Store:     st,
		Allocator: alloc,
		Strategy:  strategy,
		Databases: h.dbs,
		Workloads: h.workloads,
		Routes:    h.routes,
		Scheduler: h.scheduler,
		Notifier:  h.notifier,
		Events:    h.events,
		Log:       zap.NewNop(),
	}, o)
	h.orch.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) signup(t *testing.T, company string) *models.Tenant {
	t.Helper()
	res, err := h.orch.Signup(context.Background(), SignupRequest{
		CompanyName:   company,
		AdminName:     "Jane Admin",
		AdminEmail:    fmt.Sprintf("admin@%s.example.com", allocator.NormalizeHandle(company)),
		AdminPassword: "correct-horse",
		PlanID:        h.plan.ID,
	})
	require.NoError(t, err)
	return res.Tenant
}

// active signs up, approves and provisions a tenant.
func (h *harness) active(t *testing.T, company string) *models.Tenant {
	t.Helper()
	ctx := context.Background()
	tn := h.signup(t, company)
	_, err := h.orch.Approve(ctx, tn.ID, "ops")
	require.NoError(t, err)
	require.NoError(t, h.orch.RunPipeline(ctx, tn.ID))
	got, err := h.store.GetTenant(ctx, tn.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateActive, got.State)
	return got
}

func (h *harness) get(t *testing.T, id uuid.UUID) *models.Tenant {
	t.Helper()
	got, err := h.store.GetTenant(context.Background(), id)
	require.NoError(t, err)
	return got
}
