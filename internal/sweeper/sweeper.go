// Package sweeper runs the periodic checks over all tenants: plan limits,
// trial expiry and the purge of cancelled tenants.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nikhilbhutani/tenantctl/internal/audit"
	"github.com/nikhilbhutani/tenantctl/internal/metrics"
	"github.com/nikhilbhutani/tenantctl/internal/models"
	"github.com/nikhilbhutani/tenantctl/internal/notify"
)

const (
	Actor = "sweeper"

	JobLimits = "limits"
	JobTrials = "trials"
	JobPurge  = "purge"

	ActionNone      = ""
	ActionWarned    = "warned"
	ActionSuspended = "suspended"
	ActionReminded  = "reminded"
	ActionPurged    = "purged"
)

const bytesPerGB = 1 << 30

type Store interface {
	ListTenants(ctx context.Context, f models.TenantFilter) ([]models.Tenant, error)
	AppendUsage(ctx context.Context, u *models.UsageSample) error
}

// Meter measures a tenant database.
type Meter interface {
	DatabaseSize(ctx context.Context, name string) (int64, error)
	ActiveUserCount(ctx context.Context, name string) (int, error)
}

type Lifecycle interface {
	Suspend(ctx context.Context, id uuid.UUID, reason string) (*models.Tenant, error)
	Purge(ctx context.Context, id uuid.UUID, force bool) (*models.Tenant, error)
}

type Options struct {
	WarnRatio    float64
	ReminderDays int
	GracePeriod  time.Duration
	Concurrency  int
	// TenantTimeout bounds the work done for a single tenant.
	TenantTimeout time.Duration
}

// Report summarizes one sweep. Failures counts tenants whose check errored;
// the rest of the sweep still ran.
type Report struct {
	Job      string `json:"job"`
	Checked  int    `json:"checked"`
	Actions  int    `json:"actions"`
	Failures int    `json:"failures"`
}

type Sweeper struct {
	store    Store
	meter    Meter
	tenants  Lifecycle
	notifier notify.Notifier
	opts     Options
	pool     *ants.Pool
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(store Store, meter Meter, tenants Lifecycle, n notify.Notifier, opts Options, log *zap.Logger, m *metrics.Metrics) (*Sweeper, error) {
	if opts.WarnRatio <= 0 || opts.WarnRatio > 1 {
		opts.WarnRatio = 0.9
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 30 * 24 * time.Hour
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.TenantTimeout <= 0 {
		opts.TenantTimeout = 5 * time.Minute
	}
	pool, err := ants.NewPool(opts.Concurrency)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create sweeper pool")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		store:    store,
		meter:    meter,
		tenants:  tenants,
		notifier: n,
		opts:     opts,
		pool:     pool,
		log:      log,
		metrics:  m,
		now:      time.Now,
	}, nil
}

func (s *Sweeper) Close() {
	s.pool.Release()
}

func (s *Sweeper) today() time.Time {
	y, m, d := s.now().UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// CheckLimits measures every active tenant, stores a usage sample, warns
// above the high-watermark and suspends past a hard limit.
func (s *Sweeper) CheckLimits(ctx context.Context) (Report, error) {
	tenants, err := s.store.ListTenants(ctx, models.TenantFilter{States: []models.State{models.StateActive}})
	if err != nil {
		return Report{Job: JobLimits}, errors.Wrap(err, "list active tenants")
	}
	return s.each(ctx, JobLimits, tenants, s.checkLimits), nil
}

func (s *Sweeper) checkLimits(ctx context.Context, t *models.Tenant) (string, error) {
	size, err := s.meter.DatabaseSize(ctx, t.DatabaseName)
	if err != nil {
		return ActionNone, errors.Wrap(err, "measure storage")
	}
	users, err := s.meter.ActiveUserCount(ctx, t.DatabaseName)
	if err != nil {
		return ActionNone, errors.Wrap(err, "count users")
	}

	sample := &models.UsageSample{
		TenantID:    t.ID,
		SampleDate:  s.today(),
		StorageMB:   size / (1 << 20),
		ActiveUsers: users,
	}
	if err := s.store.AppendUsage(ctx, sample); err != nil {
		s.log.Warn("failed to store usage sample", zap.String("handle", t.Handle), zap.Error(err))
	}

	storageGB := float64(size) / bytesPerGB
	var breach string
	switch {
	case t.StorageLimitGB > 0 && storageGB > float64(t.StorageLimitGB):
		breach = fmt.Sprintf("storage %.1fGB exceeds plan limit %dGB", storageGB, t.StorageLimitGB)
	case t.MaxUsers > 0 && users > t.MaxUsers:
		breach = fmt.Sprintf("%d active users exceed plan limit %d", users, t.MaxUsers)
	}
	if breach != "" {
		if _, err := s.tenants.Suspend(ctx, t.ID, breach); err != nil {
			return ActionNone, errors.Wrap(err, "suspend over limit")
		}
		s.notify(t, notify.EventLimitBreached, map[string]any{
			"reason": breach, "storage_gb": storageGB, "active_users": users,
		})
		return ActionSuspended, nil
	}

	storageHigh := t.StorageLimitGB > 0 && storageGB >= s.opts.WarnRatio*float64(t.StorageLimitGB)
	usersHigh := t.MaxUsers > 0 && float64(users) >= s.opts.WarnRatio*float64(t.MaxUsers)
	if storageHigh || usersHigh {
		s.notify(t, notify.EventLimitWarning, map[string]any{
			"storage_gb":       storageGB,
			"storage_limit_gb": t.StorageLimitGB,
			"active_users":     users,
			"max_users":        t.MaxUsers,
		})
		return ActionWarned, nil
	}
	return ActionNone, nil
}

// ExpireTrials suspends active tenants whose trial ended before today and
// reminds those whose trial ends within the reminder window.
func (s *Sweeper) ExpireTrials(ctx context.Context) (Report, error) {
	tenants, err := s.store.ListTenants(ctx, models.TenantFilter{States: []models.State{models.StateActive}})
	if err != nil {
		return Report{Job: JobTrials}, errors.Wrap(err, "list active tenants")
	}
	return s.each(ctx, JobTrials, tenants, s.expireTrial), nil
}

func (s *Sweeper) expireTrial(ctx context.Context, t *models.Tenant) (string, error) {
	if t.TrialEnd == nil {
		return ActionNone, nil
	}
	today := s.today()
	end := t.TrialEnd.UTC()
	if end.Before(today) {
		reason := fmt.Sprintf("trial expired on %s", end.Format("2006-01-02"))
		if _, err := s.tenants.Suspend(ctx, t.ID, reason); err != nil {
			return ActionNone, errors.Wrap(err, "suspend expired trial")
		}
		s.notify(t, notify.EventTrialExpired, map[string]any{"trial_end": end.Format("2006-01-02")})
		return ActionSuspended, nil
	}

	daysLeft := int(end.Sub(today).Hours() / 24)
	if s.opts.ReminderDays > 0 && daysLeft <= s.opts.ReminderDays {
		s.notify(t, notify.EventTrialExpiring, map[string]any{
			"trial_end": end.Format("2006-01-02"), "days_left": daysLeft,
		})
		return ActionReminded, nil
	}
	return ActionNone, nil
}

// PurgeCancelled drops the resources of cancelled tenants whose grace
// period has elapsed.
func (s *Sweeper) PurgeCancelled(ctx context.Context) (Report, error) {
	tenants, err := s.store.ListTenants(ctx, models.TenantFilter{States: []models.State{models.StateCancelled}})
	if err != nil {
		return Report{Job: JobPurge}, errors.Wrap(err, "list cancelled tenants")
	}
	due := tenants[:0]
	for _, t := range tenants {
		if t.PurgedAt == nil && t.CancelledAt != nil && !s.now().Before(t.CancelledAt.Add(s.opts.GracePeriod)) {
			due = append(due, t)
		}
	}
	return s.each(ctx, JobPurge, due, s.purge), nil
}

func (s *Sweeper) purge(ctx context.Context, t *models.Tenant) (string, error) {
	if _, err := s.tenants.Purge(ctx, t.ID, false); err != nil {
		return ActionNone, errors.Wrap(err, "purge")
	}
	return ActionPurged, nil
}

// each runs fn for every tenant on the pool. A failing tenant is counted
// and logged; it never stops the others.
func (s *Sweeper) each(ctx context.Context, job string, tenants []models.Tenant, fn func(context.Context, *models.Tenant) (string, error)) Report {
	ctx = audit.WithActor(ctx, Actor)
	report := Report{Job: job}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	record := func(t *models.Tenant, action string, err error) {
		mu.Lock()
		defer mu.Unlock()
		report.Checked++
		if err != nil {
			report.Failures++
			s.metrics.SweepFailure(job)
			s.log.Error("sweep failed for tenant",
				zap.String("job", job), zap.String("handle", t.Handle), zap.Error(err))
			return
		}
		if action != ActionNone {
			report.Actions++
			s.metrics.SweepAction(job, action)
			s.log.Info("sweep action",
				zap.String("job", job), zap.String("handle", t.Handle), zap.String("action", action))
		}
	}

	for i := range tenants {
		t := &tenants[i]
		if ctx.Err() != nil {
			record(t, ActionNone, ctx.Err())
			continue
		}
		wg.Add(1)
		err := s.pool.Submit(func() {
			defer wg.Done()
			tctx, cancel := context.WithTimeout(ctx, s.opts.TenantTimeout)
			defer cancel()
			action, err := fn(tctx, t)
			record(t, action, err)
		})
		if err != nil {
			wg.Done()
			record(t, ActionNone, errors.Wrap(err, "submit to pool"))
		}
	}
	wg.Wait()

	s.log.Info("sweep finished",
		zap.String("job", job),
		zap.Int("checked", report.Checked),
		zap.Int("actions", report.Actions),
		zap.Int("failures", report.Failures),
	)
	return report
}

func (s *Sweeper) notify(t *models.Tenant, ev notify.EventType, data map[string]any) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(notify.Event{Type: ev, TenantID: t.ID, Handle: t.Handle, Email: t.AdminEmail, Data: data})
}
