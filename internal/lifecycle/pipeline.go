package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nikhilbhutani/tenantctl/internal/apperrors"
	"github.com/nikhilbhutani/tenantctl/internal/dbprov"
	"github.com/nikhilbhutani/tenantctl/internal/deployment"
	"github.com/nikhilbhutani/tenantctl/internal/models"
	"github.com/nikhilbhutani/tenantctl/internal/notify"
	"github.com/nikhilbhutani/tenantctl/internal/proxy"
)

type step struct {
	name models.Step
	// bounded steps run under the per-step timeout. Schema initialization
	// carries its own.
	bounded bool
	skip    func(t *models.Tenant) bool
	run     func(ctx context.Context, t *models.Tenant, plan *models.Plan) error
}

func (o *Orchestrator) steps() []step {
	return []step{
		{name: models.StepCreateDatabase, bounded: true, run: func(ctx context.Context, t *models.Tenant, _ *models.Plan) error {
			return o.Databases.CreateDatabase(ctx, t.DatabaseName)
		}},
		{name: models.StepInitializeSchema, run: func(ctx context.Context, t *models.Tenant, plan *models.Plan) error {
			return o.Databases.InitializeSchema(ctx, t.DatabaseName, o.modules(plan))
		}},
		{name: models.StepInjectAdmin, bounded: true, run: func(ctx context.Context, t *models.Tenant, _ *models.Plan) error {
			return o.Databases.InjectAdminCredentials(ctx, t.DatabaseName, dbprov.Credentials{
				Login:        t.AdminEmail,
				Name:         t.AdminName,
				Email:        t.AdminEmail,
				PasswordHash: t.AdminPasswordHash,
			})
		}},
		{name: models.StepCreateVolume, bounded: true, run: func(ctx context.Context, t *models.Tenant, _ *models.Plan) error {
			name, err := o.Workloads.EnsureVolume(ctx, t)
			if err != nil {
				return err
			}
			t.VolumeName = name
			return nil
		}},
		{name: models.StepCreateWorkload, bounded: true, run: func(ctx context.Context, t *models.Tenant, _ *models.Plan) error {
			c, err := o.Workloads.CreateWorkload(ctx, t)
			if err != nil {
				return err
			}
			t.ContainerID, t.ContainerName = c.ID, c.Name
			return nil
		}},
		{
			name:    models.StepRegisterRoute,
			bounded: true,
			skip:    func(*models.Tenant) bool { return !o.Strategy.NeedsProxyRule() },
			run: func(ctx context.Context, t *models.Tenant, _ *models.Plan) error {
				return o.Routes.RegisterRoute(ctx, proxy.Route{
					Handle:   t.Handle,
					Hostname: o.Strategy.Hostname(t),
					Upstream: o.Strategy.Upstream(t),
				})
			},
		},
	}
}

// modules is the base module set plus the plan's extras, without duplicates.
func (o *Orchestrator) modules(plan *models.Plan) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range [][]string{o.opts.BaseModules, plan.Modules} {
		for _, m := range list {
			if m != "" && !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out
}

// RunPipeline executes the provisioning steps of a tenant in order. Steps
// recorded as completed by an earlier attempt are skipped. The tenant is
// reloaded before every step so a concurrent cancel stops the run at the
// next boundary. A failing step leaves the tenant in error with the step
// and cause recorded; that outcome is not returned as an error.
func (o *Orchestrator) RunPipeline(ctx context.Context, id uuid.UUID) error {
	t, err := o.Store.GetTenant(ctx, id)
	if err != nil {
		return err
	}
	if t.State != models.StateProvisioning {
		o.Log.Info("skipping pipeline, tenant is not provisioning",
			zap.String("handle", t.Handle), zap.String("state", string(t.State)))
		return nil
	}
	plan, err := o.Store.GetPlan(ctx, t.PlanID)
	if err != nil {
		return err
	}

	log := o.Log.With(zap.String("tenant_id", t.ID.String()), zap.String("handle", t.Handle))
	log.Info("provisioning started", zap.Int("attempt", t.ProvisionAttempts))

	for _, s := range o.steps() {
		if t.StepDone(s.name) {
			continue
		}
		if s.skip != nil && s.skip(t) {
			continue
		}

		current, err := o.Store.GetTenant(ctx, id)
		if err != nil {
			return err
		}
		if current.State != models.StateProvisioning {
			return o.abandon(ctx, current, s.name)
		}
		t = current

		stepCtx, cancel := ctx, context.CancelFunc(func() {})
		if s.bounded {
			stepCtx, cancel = context.WithTimeout(ctx, o.opts.StepTimeout)
		}
		start := o.now()
		err = s.run(stepCtx, t, plan)
		timedOut := s.bounded && (stepCtx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded))
		cancel()

		if err != nil {
			o.Metrics.StepDuration(string(s.name), "failed", o.now().Sub(start))
			if ctx.Err() != nil {
				// Shutdown, not a step failure. The task is redelivered.
				return ctx.Err()
			}
			if timedOut && !apperrors.Is(err, apperrors.KindTimeout) {
				err = apperrors.Timeout(string(s.name), err)
			}
			return o.fail(ctx, t, s.name, err)
		}
		o.Metrics.StepDuration(string(s.name), "ok", o.now().Sub(start))

		t.CompletedSteps = append(t.CompletedSteps, s.name)
		t.AppendLog(o.now(), fmt.Sprintf("%s completed", s.name))
		if err := o.Store.SaveTenant(ctx, t, models.StateProvisioning); err != nil {
			if isStateConflict(err) {
				return o.abandon(ctx, t, s.name)
			}
			return err
		}
		log.Debug("provisioning step completed", zap.String("step", string(s.name)))
	}

	return o.complete(ctx, t)
}

func (o *Orchestrator) complete(ctx context.Context, t *models.Tenant) error {
	to, err := Next(t.State, EventProvisioned)
	if err != nil {
		return err
	}
	now := o.now().UTC()
	t.State = to
	t.SubscriptionStart = &now
	t.ClearDiagnostics()
	t.AppendLog(now, "provisioning completed")
	if err := o.Store.SaveTenant(ctx, t, models.StateProvisioning); err != nil {
		if isStateConflict(err) {
			return o.abandon(ctx, t, "")
		}
		return err
	}

	o.Metrics.PipelineRun("completed")
	o.transitioned(ctx, t, EventProvisioned, models.StateProvisioning, map[string]any{"attempt": t.ProvisionAttempts})
	o.notify(t, notify.EventCredentialsIssued, map[string]any{
		"login_url":  deployment.LoginURL(o.Strategy, t),
		"access_url": o.Strategy.AccessURL(t),
		"login":      t.AdminEmail,
	})
	return nil
}

// fail records the failing step and moves the tenant to error.
func (o *Orchestrator) fail(ctx context.Context, t *models.Tenant, s models.Step, cause error) error {
	to, err := Next(models.StateProvisioning, EventFail)
	if err != nil {
		return err
	}
	t.State = to
	t.ErrorStep = s
	t.ErrorMessage = cause.Error()
	t.AppendLog(o.now(), fmt.Sprintf("%s failed: %v", s, cause))
	if err := o.Store.SaveTenant(ctx, t, models.StateProvisioning); err != nil {
		if isStateConflict(err) {
			return o.abandon(ctx, t, s)
		}
		return err
	}

	o.Metrics.PipelineRun("failed")
	o.transitioned(ctx, t, EventFail, models.StateProvisioning, map[string]any{
		"step": s, "error": cause.Error(), "kind": string(apperrors.KindOf(cause)),
	})
	o.Log.Error("provisioning failed",
		zap.String("handle", t.Handle),
		zap.String("step", string(s)),
		zap.Error(cause),
	)
	o.notify(t, notify.EventProvisioningFailed, map[string]any{"step": s, "error": cause.Error()})
	return nil
}

// abandon stops a run whose tenant left provisioning underneath it. A
// cancelled tenant gets the workload and route created so far removed.
func (o *Orchestrator) abandon(ctx context.Context, t *models.Tenant, at models.Step) error {
	o.Metrics.PipelineRun("abandoned")
	current, err := o.Store.GetTenant(ctx, t.ID)
	if err != nil {
		return err
	}
	o.Log.Warn("provisioning abandoned, tenant state changed",
		zap.String("handle", current.Handle),
		zap.String("state", string(current.State)),
		zap.String("step", string(at)),
	)
	if current.State != models.StateCancelled {
		return nil
	}
	cleanupCtx, cancel := context.WithTimeout(ctx, o.opts.StepTimeout)
	defer cancel()
	if err := o.teardownWorkload(cleanupCtx, current); err != nil {
		o.Log.Warn("cleanup after cancelled provisioning failed",
			zap.String("handle", current.Handle), zap.Error(err))
	}
	return nil
}
