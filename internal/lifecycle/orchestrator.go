// Package lifecycle drives tenants through their state machine and runs the
// side effects attached to each transition.
package lifecycle

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nikhilbhutani/tenantctl/internal/allocator"
	"github.com/nikhilbhutani/tenantctl/internal/apperrors"
	"github.com/nikhilbhutani/tenantctl/internal/audit"
	"github.com/nikhilbhutani/tenantctl/internal/dbprov"
	"github.com/nikhilbhutani/tenantctl/internal/deployment"
	"github.com/nikhilbhutani/tenantctl/internal/metrics"
	"github.com/nikhilbhutani/tenantctl/internal/models"
	"github.com/nikhilbhutani/tenantctl/internal/notify"
	"github.com/nikhilbhutani/tenantctl/internal/proxy"
	"github.com/nikhilbhutani/tenantctl/internal/workload"
)

const (
	minPasswordLength  = 8
	maxCompanyName     = 200
	generatedPassBytes = 12
)

type Store interface {
	CreateTenant(ctx context.Context, t *models.Tenant) error
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	ListTenants(ctx context.Context, f models.TenantFilter) ([]models.Tenant, error)
	SaveTenant(ctx context.Context, t *models.Tenant, expected models.State) error
	GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error)
}

type Allocator interface {
	Reserve(ctx context.Context, req allocator.Request, commit func(allocator.Allocation) error) (allocator.Allocation, error)
}

type Databases interface {
	CreateDatabase(ctx context.Context, name string) error
	InitializeSchema(ctx context.Context, name string, modules []string) error
	InjectAdminCredentials(ctx context.Context, name string, c dbprov.Credentials) error
	DropDatabase(ctx context.Context, name string) error
	Ping(ctx context.Context) error
}

type Workloads interface {
	EnsureVolume(ctx context.Context, t *models.Tenant) (string, error)
	CreateWorkload(ctx context.Context, t *models.Tenant) (*workload.Container, error)
	StopWorkload(ctx context.Context, handle string) error
	RemoveWorkload(ctx context.Context, handle string) error
	RemoveVolume(ctx context.Context, handle string) error
	UpdateResources(ctx context.Context, t *models.Tenant) error
}

type Routes interface {
	RegisterRoute(ctx context.Context, r proxy.Route) error
	RemoveRoute(ctx context.Context, handle string) error
}

// Scheduler hands work to the background workers.
type Scheduler interface {
	EnqueueProvision(ctx context.Context, tenantID uuid.UUID, attempt int) error
	EnqueueAutoApproval(ctx context.Context, tenantID uuid.UUID, attempt int, delay time.Duration) error
}

type Events interface {
	Record(ctx context.Context, e audit.Entry) error
}

type Deps struct {
	Store     Store
	Allocator Allocator
	Strategy  deployment.Strategy
	Databases Databases
	Workloads Workloads
	Routes    Routes
	Scheduler Scheduler
	Notifier  notify.Notifier
	Events    Events
	Log       *zap.Logger
	Metrics   *metrics.Metrics
}

type ApprovalPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type Options struct {
	StepTimeout    time.Duration
	PasswordRounds int
	TrialDays      int
	AutoApprove    bool
	BaseModules    []string
	GracePeriod    time.Duration
	Approval       ApprovalPolicy
}

type Orchestrator struct {
	Deps
	opts Options
	now  func() time.Time
}

func New(deps Deps, opts Options) *Orchestrator {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 2 * time.Minute
	}
	if opts.Approval.MaxAttempts <= 0 {
		opts.Approval.MaxAttempts = 6
	}
	if opts.Approval.BaseDelay <= 0 {
		opts.Approval.BaseDelay = 5 * time.Second
	}
	if opts.Approval.MaxDelay <= 0 {
		opts.Approval.MaxDelay = 5 * time.Minute
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 30 * 24 * time.Hour
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &Orchestrator{Deps: deps, opts: opts, now: time.Now}
}

type SignupRequest struct {
	CompanyName   string    `json:"company_name"`
	Handle        string    `json:"handle,omitempty"`
	AdminName     string    `json:"admin_name"`
	AdminEmail    string    `json:"admin_email"`
	AdminPassword string    `json:"admin_password,omitempty"`
	PlanID        uuid.UUID `json:"plan_id"`
}

type SignupResult struct {
	Tenant *models.Tenant
	// GeneratedPassword is set only when the request carried no password.
	// It is returned once and never stored.
	GeneratedPassword string
}

// TenantView is a tenant plus the values derived from the deployment mode.
type TenantView struct {
	*models.Tenant
	AccessURL     string  `json:"access_url,omitempty"`
	LoginURL      string  `json:"login_url,omitempty"`
	AllowedEvents []Event `json:"allowed_events"`
}

func (o *Orchestrator) View(t *models.Tenant) TenantView {
	v := TenantView{Tenant: t, AllowedEvents: AllowedEvents(t.State)}
	if t.PurgedAt == nil && (t.State == models.StateActive || t.State == models.StateSuspended) {
		v.AccessURL = o.Strategy.AccessURL(t)
		v.LoginURL = deployment.LoginURL(o.Strategy, t)
	}
	return v
}

func (o *Orchestrator) validateSignup(ctx context.Context, req *SignupRequest) (*models.Plan, error) {
	req.CompanyName = strings.TrimSpace(req.CompanyName)
	req.AdminName = strings.TrimSpace(req.AdminName)
	req.AdminEmail = strings.ToLower(strings.TrimSpace(req.AdminEmail))
	req.Handle = strings.TrimSpace(req.Handle)

	if req.CompanyName == "" {
		return nil, apperrors.Validation("company_name", "required")
	}
	if len(req.CompanyName) > maxCompanyName {
		return nil, apperrors.Validation("company_name", fmt.Sprintf("must be at most %d characters", maxCompanyName))
	}
	if req.AdminName == "" {
		req.AdminName = req.CompanyName
	}
	if addr, err := mail.ParseAddress(req.AdminEmail); err != nil || addr.Address != req.AdminEmail {
		return nil, apperrors.Validation("admin_email", "must be a valid email address")
	}
	if req.AdminPassword != "" && len(req.AdminPassword) < minPasswordLength {
		return nil, apperrors.Validation("admin_password", fmt.Sprintf("must be at least %d characters", minPasswordLength))
	}
	if req.PlanID == uuid.Nil {
		return nil, apperrors.Validation("plan_id", "required")
	}
	plan, err := o.Store.GetPlan(ctx, req.PlanID)
	if apperrors.Is(err, apperrors.KindNotFound) {
		return nil, apperrors.Validation("plan_id", "unknown plan")
	}
	if err != nil {
		return nil, err
	}
	if plan.Archived {
		return nil, apperrors.Validation("plan_id", "plan is no longer offered")
	}
	return plan, nil
}

// Signup validates req, allocates the tenant's handle (and port where the
// deployment mode needs one) and stores the tenant as pending. Nothing is
// written when validation or allocation fails.
func (o *Orchestrator) Signup(ctx context.Context, req SignupRequest) (*SignupResult, error) {
	plan, err := o.validateSignup(ctx, &req)
	if err != nil {
		return nil, err
	}

	res := &SignupResult{}
	password := req.AdminPassword
	if password == "" {
		password, err = dbprov.GeneratePassword(generatedPassBytes)
		if err != nil {
			return nil, err
		}
		res.GeneratedPassword = password
	}
	hash, err := dbprov.HashPassword(password, o.opts.PasswordRounds)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	trialDays := plan.TrialDays
	if trialDays <= 0 {
		trialDays = o.opts.TrialDays
	}
	trialStart := truncateDay(now)
	trialEnd := trialStart.AddDate(0, 0, trialDays)

	t := &models.Tenant{
		ID:                uuid.New(),
		Name:              req.CompanyName,
		AdminName:         req.AdminName,
		AdminEmail:        req.AdminEmail,
		AdminPasswordHash: hash,
		State:             models.StatePending,
		TrialStart:        &trialStart,
		TrialEnd:          &trialEnd,
	}
	plan.ApplyTo(t)

	candidate, explicit := req.CompanyName, false
	if req.Handle != "" {
		candidate, explicit = req.Handle, true
	}
	_, err = o.Allocator.Reserve(ctx, allocator.Request{
		Candidate: candidate,
		Explicit:  explicit,
		Owner:     t.ID,
		NeedPort:  o.Strategy.NeedsPort(),
	}, func(a allocator.Allocation) error {
		t.Handle, t.DatabaseName, t.Port = a.Handle, a.DatabaseName, a.Port
		return o.Store.CreateTenant(ctx, t)
	})
	if err != nil {
		return nil, err
	}

	o.Metrics.Signup()
	o.record(ctx, t, "signup", "", models.StatePending, map[string]any{
		"handle": t.Handle, "plan": plan.Name, "port": t.Port,
	})
	o.Log.Info("tenant signed up",
		zap.String("tenant_id", t.ID.String()),
		zap.String("handle", t.Handle),
		zap.String("plan", plan.Name),
		zap.Int("port", t.Port),
	)

	if o.opts.AutoApprove {
		if err := o.Scheduler.EnqueueAutoApproval(ctx, t.ID, 0, o.approvalDelay(0)); err != nil {
			o.Log.Warn("failed to schedule auto-approval, tenant left for manual approval",
				zap.String("handle", t.Handle), zap.Error(err))
			o.record(ctx, t, "auto_approval_unscheduled", "", "", map[string]any{"error": err.Error()})
		}
	}

	res.Tenant = t
	return res, nil
}

func (o *Orchestrator) Get(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	return o.Store.GetTenant(ctx, id)
}

func (o *Orchestrator) List(ctx context.Context, f models.TenantFilter) ([]models.Tenant, error) {
	return o.Store.ListTenants(ctx, f)
}

// Approve moves a pending tenant to approved, allocating a port when the
// deployment mode needs one and the tenant has none yet, then starts
// provisioning.
func (o *Orchestrator) Approve(ctx context.Context, id uuid.UUID, approver string) (*models.Tenant, error) {
	t, err := o.Store.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	from := t.State
	to, err := Next(from, EventApprove)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	t.State = to
	t.ApprovedAt = &now
	t.ApprovedBy = approver

	if o.Strategy.NeedsPort() && t.Port == 0 {
		_, err = o.Allocator.Reserve(ctx, allocator.Request{NeedPort: true}, func(a allocator.Allocation) error {
			t.Port = a.Port
			return o.Store.SaveTenant(ctx, t, from)
		})
	} else {
		err = o.Store.SaveTenant(ctx, t, from)
	}
	if err != nil {
		return nil, err
	}
	o.transitioned(ctx, t, EventApprove, from, map[string]any{"approved_by": approver, "port": t.Port})

	return o.StartProvisioning(ctx, id)
}

// StartProvisioning moves an approved tenant to provisioning and schedules
// the pipeline.
func (o *Orchestrator) StartProvisioning(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	return o.enterProvisioning(ctx, id, EventStart)
}

// Retry resumes the pipeline of a failed tenant. Completed steps are skipped.
func (o *Orchestrator) Retry(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	return o.enterProvisioning(ctx, id, EventRetry)
}

func (o *Orchestrator) enterProvisioning(ctx context.Context, id uuid.UUID, ev Event) (*models.Tenant, error) {
	t, err := o.Store.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	from := t.State
	to, err := Next(from, ev)
	if err != nil {
		return nil, err
	}
	t.State = to
	t.ProvisionAttempts++
	t.ClearDiagnostics()
	t.AppendLog(o.now(), fmt.Sprintf("provisioning attempt %d scheduled", t.ProvisionAttempts))
	if err := o.Store.SaveTenant(ctx, t, from); err != nil {
		return nil, err
	}
	o.transitioned(ctx, t, ev, from, map[string]any{"attempt": t.ProvisionAttempts})

	if err := o.Scheduler.EnqueueProvision(ctx, t.ID, t.ProvisionAttempts); err != nil {
		err = apperrors.External("schedule_provisioning", err)
		if ferr := o.fail(ctx, t, models.StepSchedule, err); ferr != nil {
			return nil, ferr
		}
		return t, err
	}
	return t, nil
}

// Reject refuses a pending or approved tenant and releases its port.
func (o *Orchestrator) Reject(ctx context.Context, id uuid.UUID, reason string) (*models.Tenant, error) {
	t, err := o.Store.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	from := t.State
	to, err := Next(from, EventReject)
	if err != nil {
		return nil, err
	}
	released := t.Port
	t.State = to
	t.Port = 0
	if err := o.Store.SaveTenant(ctx, t, from); err != nil {
		return nil, err
	}
	o.transitioned(ctx, t, EventReject, from, map[string]any{"reason": reason, "released_port": released})
	return t, nil
}

// Suspend stops the workload of an active tenant. Database and proxy rule
// stay in place.
func (o *Orchestrator) Suspend(ctx context.Context, id uuid.UUID, reason string) (*models.Tenant, error) {
	t, err := o.Store.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	from := t.State
	to, err := Next(from, EventSuspend)
	if err != nil {
		return nil, err
	}
	if err := o.Workloads.StopWorkload(ctx, t.Handle); err != nil {
		return nil, err
	}
	t.State = to
	t.SuspendReason = reason
	if err := o.Store.SaveTenant(ctx, t, from); err != nil {
		return nil, err
	}
	o.transitioned(ctx, t, EventSuspend, from, map[string]any{"reason": reason})
	o.notify(t, notify.EventTenantSuspended, map[string]any{"reason": reason})
	return t, nil
}

// Reactivate brings a suspended tenant's workload back. A workload that
// went missing is recreated. A trial that already ended is closed out so the
// trial sweep does not suspend the tenant again.
func (o *Orchestrator) Reactivate(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	t, err := o.Store.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	from := t.State
	to, err := Next(from, EventReactivate)
	if err != nil {
		return nil, err
	}
	c, err := o.Workloads.CreateWorkload(ctx, t)
	if err != nil {
		return nil, err
	}
	t.ContainerID, t.ContainerName = c.ID, c.Name
	t.State = to
	t.SuspendReason = ""
	var details map[string]any
	if t.TrialEnd != nil && t.TrialEnd.Before(truncateDay(o.now().UTC())) {
		details = map[string]any{"trial_ended": t.TrialEnd.Format("2006-01-02")}
		t.TrialEnd = nil
	}
	if err := o.Store.SaveTenant(ctx, t, from); err != nil {
		return nil, err
	}
	o.transitioned(ctx, t, EventReactivate, from, details)
	return t, nil
}

// Cancel stops and removes the workload and proxy rule of any non-terminal
// tenant and releases its port. The database and volume are kept until the
// tenant is purged.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.Tenant, error) {
	t, err := o.Store.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	from := t.State
	to, err := Next(from, EventCancel)
	if err != nil {
		return nil, err
	}
	if err := o.teardownWorkload(ctx, t); err != nil {
		return nil, err
	}

	now := o.now().UTC()
	released := t.Port
	t.State = to
	t.Port = 0
	t.ContainerID = ""
	t.CancelledAt = &now
	if err := o.Store.SaveTenant(ctx, t, from); err != nil {
		return nil, err
	}
	o.transitioned(ctx, t, EventCancel, from, map[string]any{"reason": reason, "released_port": released})
	o.notify(t, notify.EventTenantCancelled, map[string]any{"reason": reason})
	return t, nil
}

func (o *Orchestrator) teardownWorkload(ctx context.Context, t *models.Tenant) error {
	if err := o.Workloads.StopWorkload(ctx, t.Handle); err != nil {
		return err
	}
	if err := o.Workloads.RemoveWorkload(ctx, t.Handle); err != nil {
		return err
	}
	return o.Routes.RemoveRoute(ctx, t.Handle)
}

// Purge drops every resource of a cancelled tenant and clears its resource
// identifiers. The record and its handle are kept. Without force the grace
// period must have elapsed; with force a live tenant is cancelled first.
// Purging an already purged tenant is a no-op.
func (o *Orchestrator) Purge(ctx context.Context, id uuid.UUID, force bool) (*models.Tenant, error) {
	t, err := o.Store.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	if force && !t.State.Terminal() {
		if t, err = o.Cancel(ctx, id, "purged by operator"); err != nil {
			return nil, err
		}
	}
	from := t.State
	to, err := Next(from, EventPurge)
	if err != nil {
		return nil, err
	}
	if t.PurgedAt != nil {
		return t, nil
	}
	if !force && t.CancelledAt != nil {
		if due := t.CancelledAt.Add(o.opts.GracePeriod); o.now().Before(due) {
			return nil, apperrors.Validation("force",
				fmt.Sprintf("grace period ends %s", due.UTC().Format(time.RFC3339)))
		}
	}

	if err := o.teardownWorkload(ctx, t); err != nil {
		return nil, err
	}
	if t.DatabaseName != "" {
		if err := o.Databases.DropDatabase(ctx, t.DatabaseName); err != nil {
			return nil, err
		}
	}
	if err := o.Workloads.RemoveVolume(ctx, t.Handle); err != nil {
		return nil, err
	}

	now := o.now().UTC()
	dropped := t.DatabaseName
	t.State = to
	t.DatabaseName = ""
	t.ContainerID = ""
	t.ContainerName = ""
	t.VolumeName = ""
	t.Port = 0
	t.PurgedAt = &now
	if err := o.Store.SaveTenant(ctx, t, from); err != nil {
		return nil, err
	}
	o.record(ctx, t, string(EventPurge), from, to, map[string]any{"database": dropped, "forced": force})
	o.Log.Info("tenant purged", zap.String("handle", t.Handle), zap.String("database", dropped))
	return t, nil
}

// ChangePlan moves an active or suspended tenant to another plan and
// applies the new limits to its running workload.
func (o *Orchestrator) ChangePlan(ctx context.Context, id, planID uuid.UUID) (*models.Tenant, error) {
	t, err := o.Store.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.State != models.StateActive && t.State != models.StateSuspended {
		return nil, apperrors.InvalidTransition(string(t.State), "change_plan")
	}
	plan, err := o.Store.GetPlan(ctx, planID)
	if apperrors.Is(err, apperrors.KindNotFound) {
		return nil, apperrors.Validation("plan_id", "unknown plan")
	}
	if err != nil {
		return nil, err
	}
	if plan.Archived {
		return nil, apperrors.Validation("plan_id", "plan is no longer offered")
	}

	previous := t.PlanID
	plan.ApplyTo(t)
	if err := o.Store.SaveTenant(ctx, t, t.State); err != nil {
		return nil, err
	}
	o.record(ctx, t, "change_plan", "", "", map[string]any{"from_plan": previous, "to_plan": plan.ID})

	if t.State == models.StateActive {
		if err := o.Workloads.UpdateResources(ctx, t); err != nil {
			return t, err
		}
	}
	return t, nil
}

// ResetAdminPassword hashes a new administrator password and writes it to
// the tenant database. An empty password is generated and returned.
func (o *Orchestrator) ResetAdminPassword(ctx context.Context, id uuid.UUID, password string) (string, error) {
	t, err := o.Store.GetTenant(ctx, id)
	if err != nil {
		return "", err
	}
	if t.State != models.StateActive && t.State != models.StateSuspended {
		return "", apperrors.InvalidTransition(string(t.State), "reset_admin_password")
	}
	generated := ""
	if password == "" {
		if password, err = dbprov.GeneratePassword(generatedPassBytes); err != nil {
			return "", err
		}
		generated = password
	} else if len(password) < minPasswordLength {
		return "", apperrors.Validation("password", fmt.Sprintf("must be at least %d characters", minPasswordLength))
	}

	hash, err := dbprov.HashPassword(password, o.opts.PasswordRounds)
	if err != nil {
		return "", err
	}
	if err := o.Databases.InjectAdminCredentials(ctx, t.DatabaseName, dbprov.Credentials{
		Login: t.AdminEmail, Name: t.AdminName, Email: t.AdminEmail, PasswordHash: hash,
	}); err != nil {
		return "", err
	}
	t.AdminPasswordHash = hash
	if err := o.Store.SaveTenant(ctx, t, t.State); err != nil {
		return "", err
	}
	o.record(ctx, t, "reset_admin_password", "", "", nil)
	return generated, nil
}

func (o *Orchestrator) transitioned(ctx context.Context, t *models.Tenant, ev Event, from models.State, details map[string]any) {
	o.Metrics.Transition(string(from), string(t.State))
	o.record(ctx, t, string(ev), from, t.State, details)
	o.Log.Info("tenant transition",
		zap.String("handle", t.Handle),
		zap.String("event", string(ev)),
		zap.String("from", string(from)),
		zap.String("to", string(t.State)),
		zap.String("actor", audit.ActorFromContext(ctx)),
	)
}

func (o *Orchestrator) record(ctx context.Context, t *models.Tenant, action string, from, to models.State, details map[string]any) {
	if o.Events == nil {
		return
	}
	err := o.Events.Record(ctx, audit.Entry{TenantID: t.ID, Action: action, From: from, To: to, Details: details})
	if err != nil {
		o.Log.Warn("failed to record tenant event", zap.String("action", action), zap.Error(err))
	}
}

func (o *Orchestrator) notify(t *models.Tenant, ev notify.EventType, data map[string]any) {
	if o.Notifier == nil {
		return
	}
	o.Notifier.Notify(notify.Event{Type: ev, TenantID: t.ID, Handle: t.Handle, Email: t.AdminEmail, Data: data})
}

func isStateConflict(err error) bool {
	return apperrors.Is(err, apperrors.KindConflict) && apperrors.FieldOf(err) == "state"
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
